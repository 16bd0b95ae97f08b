/*
mist keeps a local folder and a remote host in sync through one encrypted archive.

The folder of a named profile is stored on the remote host as a single gzip-compressed
tarball, encrypted with OpenPGP and transferred over ssh. A digest of the folder's file
names and sizes is stored next to it, so that runs without changes on either side finish
without any transfer. It supports these modes:

	reconcile - pull into a staging folder, merge with unison, push the result (default)
	push      - overwrite the remote archive with the local folder (--push)
	pull      - overwrite the local folder with the remote archive (--pull)

Operational messages are printed to standard error (stderr), prompts to standard output
(stdout).

Exit Codes:

	0 - Success (including "already up to date" and declined prompts)
	1 - General failure (configuration, connection, decryption, I/O errors)
*/
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/klauspost/pgzip"
	"github.com/lanrat/extsort"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

const (
	baseFilePerms    = 0o666
	baseFolderPerms  = 0o777
	privateFilePerms = 0o600

	verboseLogEnv = "MIST_LOG_VERBOSE"

	exitTimeout     = 10 * time.Second
	exitCodeSuccess = 0
	exitCodeFailure = 1
)

var (
	// Version is populated at build time (-ldflags "-X main.Version=...").
	Version string

	//nolint:mnd
	gzipConfigDefault = GzipConfig{
		BlockSize:        1 << 20,               // Approximate size of blocks
		BlockCount:       runtime.GOMAXPROCS(0), // Amount of blocks processing in parallel
		CompressionLevel: pgzip.DefaultCompression,
	}

	//nolint:mnd
	extSortConfigDefault = extsort.Config{
		ChunkSize:          100_000,                       // Records per chunk (default: 1M)
		NumWorkers:         min(4, runtime.GOMAXPROCS(0)), // Parallel sorting/merging workers (default: 2)
		ChanBuffSize:       1,                             // Channel buffer size (default: 1)
		SortedChanBuffSize: 1000,                          // Output channel buffer (default: 1000)
		TempFilesDir:       "",                            // Temporary files directory (default: intelligent selection)
	}
)

// Program is the primary structure of the application.
type Program struct {
	fs       afero.Fs
	fsWalker Walker

	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer

	runner     CommandRunner
	passphrase PassphraseFunc

	gzipConfig    *GzipConfig
	extSortConfig *extsort.Config

	log *slog.Logger
}

// NewProgram returns a pointer to a new [Program].
func NewProgram(fs afero.Fs, stdout io.Writer, stderr io.Writer, gzipConfig *GzipConfig, extsortConfig *extsort.Config, log *slog.Logger) *Program {
	var walker Walker

	if fs == nil {
		fs = afero.NewOsFs()
	}

	if stdout == nil {
		stdout = os.Stdout
	}

	if stderr == nil {
		stderr = os.Stderr
	}

	if gzipConfig == nil {
		cfg := gzipConfigDefault
		gzipConfig = &cfg
	}

	if extsortConfig == nil {
		cfg := extSortConfigDefault
		extsortConfig = &cfg
	}

	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}

	if _, ok := fs.(*afero.OsFs); ok {
		walker = OSWalker{}
	} else {
		walker = AferoWalker{FS: fs}
	}

	return &Program{
		fs:            fs,
		fsWalker:      walker,
		stdin:         os.Stdin,
		stdout:        stdout,
		stderr:        stderr,
		runner:        ExecRunner{},
		gzipConfig:    gzipConfig,
		extSortConfig: extsortConfig,
		log:           log,
	}
}

// Connector opens the remote session for a profile.
type Connector func(ctx context.Context, profile *Profile, log *slog.Logger) (Shell, error)

// dialProfile is the [Connector] connecting over ssh.
func dialProfile(ctx context.Context, profile *Profile, log *slog.Logger) (Shell, error) {
	shell, err := DialSSH(ctx, profile.SSHAddress, SSHOptions{Log: log})
	if err != nil {
		return nil, err
	}

	return shell, nil
}

// RunOptions are the command line switches of a run.
type RunOptions struct {
	Mode       Mode
	AssumeYes  bool
	ScpWrite   bool
	ConfigPath string
}

// Run loads the profile, connects to its remote host and executes the
// requested mode. The remote session is closed on every return path.
func (prog *Program) Run(ctx context.Context, profileName string, opts RunOptions, connect Connector) (Outcome, error) {
	profile, err := prog.LoadProfile(opts.ConfigPath, profileName)
	if err != nil {
		return 0, err
	}

	crypto, err := prog.newCryptoProvider(profile)
	if err != nil {
		return 0, err
	}

	shell, err := connect(ctx, profile, prog.log)
	if err != nil {
		return 0, fmt.Errorf("failed to connect to %s: %w", profile.SSHAddress, err)
	}
	defer func() {
		if err := shell.Close(); err != nil {
			prog.log.Warn("Failed to close remote session", "error", err)
		}
	}()

	var writer RemoteWriter
	if opts.ScpWrite {
		writer = NewStagedCopyWriter(prog.fs, prog.runner, profile.TransferProgram, profile.SSHAddress, prog.stderr, prog.log)
	} else {
		writer = NewPipedWriter(shell, prog.log)
	}

	syncer := NewSyncer(prog, profile, SyncDeps{
		Remote:  NewRemote(shell, writer, prog.log),
		Crypto:  crypto,
		Merger:  NewUnison(profile.MergeProgram, prog.runner, prog.stdin, prog.stdout, prog.stderr, prog.log),
		Confirm: NewConsoleConfirmer(prog.stdin, prog.stdout),
	}, opts.AssumeYes)

	return syncer.Run(ctx, opts.Mode)
}

func (prog *Program) newCryptoProvider(profile *Profile) (CryptoProvider, error) {
	cfg := EnvelopeConfig{
		Recipient: profile.GPGID,
		Program:   profile.GPGProgram,
		Symmetric: profile.Symmetric,
	}

	if profile.Keyring == "" {
		return NewGPGEngine(cfg, prog.runner, prog.log), nil
	}

	f, err := prog.fs.Open(profile.Keyring)
	if err != nil {
		return nil, fmt.Errorf("failed to open keyring: %w", err)
	}
	defer f.Close()

	passphrase := prog.passphrase
	if passphrase == nil {
		passphrase = newTerminalPassphrase(prog.stdin, prog.stderr)
	}

	return NewOpenPGPEngine(cfg, f, passphrase)
}

func newLogger(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}

	noColor := true
	if f, ok := w.(*os.File); ok {
		noColor = !isatty.IsTerminal(f.Fd()) && !isatty.IsCygwinTerminal(f.Fd())
	}

	return slog.New(tint.NewHandler(w, &tint.Options{
		Level:      level,
		TimeFormat: time.TimeOnly,
		NoColor:    noColor,
	}))
}

// cliEnv carries the process environment into the command tree.
type cliEnv struct {
	fs      afero.Fs
	stdin   io.Reader
	stdout  io.Writer
	stderr  io.Writer
	connect Connector
	runner  CommandRunner
}

func newRootCmd(ctx context.Context, env cliEnv) *cobra.Command {
	var push, pull, verbose bool
	var opts RunOptions

	rootCmd := &cobra.Command{
		Use:               "mist <profile>",
		Short:             rootHelpShort,
		Long:              rootHelpLong,
		Example:           rootExample,
		Version:           Version,
		Args:              cobra.ExactArgs(1),
		SilenceErrors:     true,
		SilenceUsage:      true,
		CompletionOptions: cobra.CompletionOptions{DisableDefaultCmd: true},
		RunE: func(_ *cobra.Command, args []string) error {
			mode, err := ModeFromFlags(push, pull)
			if err != nil {
				return err
			}
			opts.Mode = mode

			verbose = verbose || os.Getenv(verboseLogEnv) == "true"

			prog := NewProgram(env.fs, env.stdout, env.stderr, nil, nil, nil)
			prog.log = newLogger(prog.stderr, verbose)
			if env.stdin != nil {
				prog.stdin = env.stdin
			}
			if env.runner != nil {
				prog.runner = env.runner
			}

			connect := env.connect
			if connect == nil {
				connect = dialProfile
			}

			_, err = prog.Run(ctx, args[0], opts, connect)

			return err
		},
	}
	rootCmd.SetIn(env.stdin)
	rootCmd.SetOut(env.stdout)
	rootCmd.SetErr(env.stderr)

	rootCmd.Flags().BoolVarP(&push, "push", "p", false, "copy local to remote without syncing, overwriting remote if it exists")
	rootCmd.Flags().BoolVarP(&pull, "pull", "P", false, "copy remote to local without syncing, overwriting local if it exists")
	rootCmd.Flags().BoolVarP(&opts.AssumeYes, "assume-yes", "y", false, "assume yes to all prompts and run with no interaction")
	rootCmd.Flags().BoolVarP(&opts.ScpWrite, "scp-write", "s", false, "write through a local copy and the transfer program, showing progress")
	rootCmd.Flags().StringVarP(&opts.ConfigPath, "config", "c", "", "configuration file; overrides the default locations")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "log debug messages")
	rootCmd.MarkFlagsMutuallyExclusive("push", "pull")

	return rootCmd
}

func main() {
	var exitCode int

	defer func() {
		os.Exit(exitCode)
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		rootCmd := newRootCmd(ctx, cliEnv{
			fs:     afero.NewOsFs(),
			stdin:  os.Stdin,
			stdout: os.Stdout,
			stderr: os.Stderr,
		})
		errChan <- rootCmd.Execute()
	}()

	select {
	case err := <-errChan:
		if err != nil {
			exitCode = exitCodeFailure
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		} else {
			exitCode = exitCodeSuccess
		}

	case <-sigChan:
		fmt.Fprintln(os.Stderr, "interrupting...")
		cancel()

		select {
		case <-errChan:
			exitCode = exitCodeFailure
			fmt.Fprintln(os.Stderr, "interrupted (exited)")
		case <-time.After(exitTimeout):
			exitCode = exitCodeFailure
			fmt.Fprintln(os.Stderr, "interrupted (killed)")
		}
	}
}
