package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"strings"

	"github.com/kevinburke/ssh_config"
	"github.com/mitchellh/go-homedir"
	"github.com/skeema/knownhosts"
	sshagent "github.com/xanzy/ssh-agent"
	"golang.org/x/crypto/ssh"
)

const defaultSSHPort = "22"

// ErrNoAuthMethods is returned when neither an agent nor an identity file is usable.
var ErrNoAuthMethods = errors.New("no usable ssh authentication methods")

// ExitStatus is the exit status of a remote command. Known is false when
// the remote side closed the channel without reporting a status.
type ExitStatus struct {
	Code  int
	Known bool
}

// RemoteCommand describes a command line executed on the remote host.
type RemoteCommand struct {
	Cmd    string
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// Shell is an authenticated remote session executing commands.
type Shell interface {
	// Exec runs a command and returns its exit status. An error means the
	// command could not be started or its streams failed.
	Exec(ctx context.Context, cmd RemoteCommand) (ExitStatus, error)
	Close() error
}

// SSHOptions configures how [DialSSH] locates and authenticates to a host.
type SSHOptions struct {
	KnownHosts    string   // known_hosts file; empty selects ~/.ssh/known_hosts
	IdentityFiles []string // private keys tried after the agent
	Log           *slog.Logger
}

// SSHShell is a [Shell] over a single SSH connection, one session per command.
type SSHShell struct {
	client *ssh.Client
	log    *slog.Logger
}

// sshTarget is a connection target resolved from an address and the user's ssh_config.
type sshTarget struct {
	alias         string
	user          string
	host          string
	port          string
	identityFiles []string
}

func (t sshTarget) addr() string {
	return net.JoinHostPort(t.host, t.port)
}

// resolveTarget parses user@host[:port] and fills unset parts from the
// ssh_config entry for the host alias.
func resolveTarget(address string, lookup func(alias string, key string) string) (sshTarget, error) {
	var t sshTarget

	hostPart := address
	if at := strings.LastIndex(address, "@"); at >= 0 {
		t.user = address[:at]
		hostPart = address[at+1:]
	}

	if host, port, err := net.SplitHostPort(hostPart); err == nil {
		t.alias, t.port = host, port
	} else {
		t.alias = hostPart
	}

	if t.alias == "" {
		return sshTarget{}, fmt.Errorf("invalid ssh address %q", address)
	}

	t.host = t.alias
	if hostname := lookup(t.alias, "HostName"); hostname != "" {
		t.host = hostname
	}
	if t.port == "" {
		t.port = lookup(t.alias, "Port")
	}
	if t.port == "" {
		t.port = defaultSSHPort
	}
	if t.user == "" {
		t.user = lookup(t.alias, "User")
	}
	if t.user == "" {
		if u, err := user.Current(); err == nil {
			t.user = u.Username
		}
	}
	if identity := lookup(t.alias, "IdentityFile"); identity != "" {
		t.identityFiles = append(t.identityFiles, identity)
	}

	return t, nil
}

func defaultIdentityFiles(home string) []string {
	return []string{
		filepath.Join(home, ".ssh", "id_ed25519"),
		filepath.Join(home, ".ssh", "id_ecdsa"),
		filepath.Join(home, ".ssh", "id_rsa"),
	}
}

// DialSSH opens an authenticated connection to address.
//
// Authentication uses the ssh agent when one is reachable, followed by the
// identity files of the ssh_config entry and the default identity files.
// Host keys are verified strictly against known_hosts; unknown hosts are rejected.
func DialSSH(ctx context.Context, address string, opts SSHOptions) (*SSHShell, error) {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}

	home, err := homedir.Dir()
	if err != nil {
		return nil, fmt.Errorf("failed to determine home directory: %w", err)
	}

	target, err := resolveTarget(address, ssh_config.Get)
	if err != nil {
		return nil, err
	}

	knownHostsFile := opts.KnownHosts
	if knownHostsFile == "" {
		knownHostsFile = filepath.Join(home, ".ssh", "known_hosts")
	}

	khdb, err := knownhosts.NewDB(knownHostsFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load known hosts: %w", err)
	}

	var auth []ssh.AuthMethod
	var closers []io.Closer

	if sshagent.Available() {
		if ag, conn, err := sshagent.New(); err == nil {
			auth = append(auth, ssh.PublicKeysCallback(ag.Signers))
			if conn != nil {
				closers = append(closers, conn)
			}
		} else {
			log.Debug("Failed to connect to ssh agent", "error", err)
		}
	}
	defer func() {
		for _, c := range closers {
			_ = c.Close()
		}
	}()

	identities := append([]string{}, opts.IdentityFiles...)
	identities = append(identities, target.identityFiles...)
	identities = append(identities, defaultIdentityFiles(home)...)

	var signers []ssh.Signer
	for _, path := range identities {
		expanded, err := homedir.Expand(path)
		if err != nil {
			continue
		}

		key, err := os.ReadFile(expanded)
		if err != nil {
			continue
		}

		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			log.Debug("Skipping unusable identity file", "path", expanded, "error", err)

			continue
		}
		signers = append(signers, signer)
	}
	if len(signers) > 0 {
		auth = append(auth, ssh.PublicKeys(signers...))
	}

	if len(auth) == 0 {
		return nil, ErrNoAuthMethods
	}

	config := &ssh.ClientConfig{
		User:              target.user,
		Auth:              auth,
		HostKeyCallback:   khdb.HostKeyCallback(),
		HostKeyAlgorithms: khdb.HostKeyAlgorithms(target.addr()),
	}

	var dialer net.Dialer

	conn, err := dialer.DialContext(ctx, "tcp", target.addr())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", target.addr(), err)
	}

	c, chans, reqs, err := ssh.NewClientConn(conn, target.addr(), config)
	if err != nil {
		conn.Close()

		return nil, fmt.Errorf("failed to establish ssh session with %s: %w", target.addr(), err)
	}

	log.Debug("Connected to remote host", "address", address, "host", target.addr(), "user", target.user)

	return &SSHShell{
		client: ssh.NewClient(c, chans, reqs),
		log:    log,
	}, nil
}

// Exec runs cmd in a new session on the connection.
func (s *SSHShell) Exec(ctx context.Context, cmd RemoteCommand) (ExitStatus, error) {
	if err := ctx.Err(); err != nil {
		return ExitStatus{}, err
	}

	session, err := s.client.NewSession()
	if err != nil {
		return ExitStatus{}, fmt.Errorf("failed to open ssh session: %w", err)
	}
	defer session.Close()

	session.Stdin = cmd.Stdin
	session.Stdout = cmd.Stdout
	session.Stderr = cmd.Stderr

	s.log.Debug("Running remote command", "command", cmd.Cmd)

	err = session.Run(cmd.Cmd)

	var exitErr *ssh.ExitError
	var missingErr *ssh.ExitMissingError

	switch {
	case err == nil:
		return ExitStatus{Code: 0, Known: true}, nil
	case errors.As(err, &exitErr):
		return ExitStatus{Code: exitErr.ExitStatus(), Known: true}, nil
	case errors.As(err, &missingErr):
		return ExitStatus{}, nil
	default:
		return ExitStatus{}, fmt.Errorf("failed to run remote command: %w", err)
	}
}

// Close closes the underlying connection.
func (s *SSHShell) Close() error {
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("failed to close ssh connection: %w", err)
	}

	return nil
}
