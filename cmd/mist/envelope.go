package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"golang.org/x/term"
)

const (
	defaultGPGProgram = "gpg"
	pgpMessageType    = "PGP MESSAGE"
	passphraseEnv     = "MIST_PASSPHRASE"
)

var (
	// ErrDecrypt is returned when an envelope cannot be opened.
	ErrDecrypt = errors.New("decryption failed")

	// ErrEncrypt is returned when an envelope cannot be sealed.
	ErrEncrypt = errors.New("encryption failed")

	// ErrNoRecipient is returned when the keyring holds no key for the recipient.
	ErrNoRecipient = errors.New("no key found for recipient")

	// ErrNoPassphrase is returned when a passphrase is needed but none can be obtained.
	ErrNoPassphrase = errors.New("no passphrase available")
)

// CryptoProvider seals archive blobs for transport and opens them again.
type CryptoProvider interface {
	Encrypt(ctx context.Context, data []byte) ([]byte, error)
	Decrypt(ctx context.Context, data []byte) ([]byte, error)
}

// EnvelopeConfig selects how archive blobs are encrypted.
type EnvelopeConfig struct {
	Recipient string // Public-key recipient, unused when Symmetric is set
	Program   string // Alternate gpg binary; empty selects the default
	Symmetric bool   // Passphrase-based encryption
}

// GPGEngine encrypts and decrypts through an external gpg binary.
type GPGEngine struct {
	config EnvelopeConfig
	runner CommandRunner
	lookup func(string) (string, error)
	log    *slog.Logger
}

// NewGPGEngine returns a pointer to a new [GPGEngine].
func NewGPGEngine(config EnvelopeConfig, runner CommandRunner, log *slog.Logger) *GPGEngine {
	if runner == nil {
		runner = ExecRunner{}
	}

	return &GPGEngine{
		config: config,
		runner: runner,
		lookup: exec.LookPath,
		log:    log,
	}
}

// program returns the gpg binary to run. An override that cannot be
// resolved is reported and the default binary is used instead.
func (g *GPGEngine) program() string {
	if g.config.Program == "" {
		return defaultGPGProgram
	}

	if _, err := g.lookup(g.config.Program); err != nil {
		g.log.Warn("Failed to switch gpg program, using default", "program", g.config.Program, "error", err)

		return defaultGPGProgram
	}

	return g.config.Program
}

// Encrypt produces an ASCII-armored envelope of data.
func (g *GPGEngine) Encrypt(ctx context.Context, data []byte) ([]byte, error) {
	args := []string{"--armor", "--output", "-"}
	if g.config.Symmetric {
		args = append(args, "--symmetric")
	} else {
		args = append(args, "--encrypt", "--recipient", g.config.Recipient)
	}

	out, err := g.run(ctx, data, args)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEncrypt, err)
	}

	return out, nil
}

// Decrypt opens an envelope produced by [GPGEngine.Encrypt] or any other
// OpenPGP implementation. Symmetric and public-key messages are both accepted.
func (g *GPGEngine) Decrypt(ctx context.Context, data []byte) ([]byte, error) {
	out, err := g.run(ctx, data, []string{"--decrypt", "--output", "-"})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecrypt, err)
	}

	return out, nil
}

func (g *GPGEngine) run(ctx context.Context, data []byte, args []string) ([]byte, error) {
	var stdout, stderr bytes.Buffer

	cmd := Command{
		Name:   g.program(),
		Args:   args,
		Stdin:  bytes.NewReader(data),
		Stdout: &stdout,
		Stderr: &stderr,
	}

	code, err := g.runner.Run(ctx, cmd)
	if err != nil {
		return nil, err
	}
	if code != 0 {
		return nil, fmt.Errorf("%s exited with status %d: %s", cmd.Name, code, strings.TrimSpace(stderr.String()))
	}

	return stdout.Bytes(), nil
}

// PassphraseFunc returns the passphrase for symmetric messages or locked keys.
type PassphraseFunc func(prompt string) ([]byte, error)

// OpenPGPEngine encrypts and decrypts in-process with keys from a keyring.
type OpenPGPEngine struct {
	config     EnvelopeConfig
	keyring    openpgp.EntityList
	passphrase PassphraseFunc
}

// NewOpenPGPEngine returns a pointer to a new [OpenPGPEngine] for the
// armored keyring read from r.
func NewOpenPGPEngine(config EnvelopeConfig, r io.Reader, passphrase PassphraseFunc) (*OpenPGPEngine, error) {
	keyring, err := openpgp.ReadArmoredKeyRing(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read keyring: %w", err)
	}

	if passphrase == nil {
		passphrase = newTerminalPassphrase(os.Stdin, os.Stderr)
	}

	return &OpenPGPEngine{
		config:     config,
		keyring:    keyring,
		passphrase: passphrase,
	}, nil
}

// Encrypt produces an ASCII-armored envelope of data.
func (o *OpenPGPEngine) Encrypt(_ context.Context, data []byte) ([]byte, error) {
	var buf bytes.Buffer

	aw, err := armor.Encode(&buf, pgpMessageType, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to initialize armor: %w", ErrEncrypt, err)
	}

	var pw io.WriteCloser
	if o.config.Symmetric {
		pass, err := o.passphrase("Enter passphrase to encrypt: ")
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrEncrypt, err)
		}

		if pw, err = openpgp.SymmetricallyEncrypt(aw, pass, nil, nil); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrEncrypt, err)
		}
	} else {
		recipient, err := o.findRecipient(o.config.Recipient)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrEncrypt, err)
		}

		if pw, err = openpgp.Encrypt(aw, []*openpgp.Entity{recipient}, nil, nil, nil); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrEncrypt, err)
		}
	}

	if _, err := pw.Write(data); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEncrypt, err)
	}
	if err := pw.Close(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEncrypt, err)
	}
	if err := aw.Close(); err != nil {
		return nil, fmt.Errorf("%w: failed to finalize armor: %w", ErrEncrypt, err)
	}

	return buf.Bytes(), nil
}

// Decrypt opens an armored envelope. Whether the message was encrypted to a
// key or with a passphrase is read from the message itself.
func (o *OpenPGPEngine) Decrypt(_ context.Context, data []byte) ([]byte, error) {
	block, err := armor.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to decode armor: %w", ErrDecrypt, err)
	}

	var attempted bool
	prompt := func(keys []openpgp.Key, symmetric bool) ([]byte, error) {
		if attempted {
			return nil, errors.New("incorrect passphrase")
		}
		attempted = true

		if symmetric {
			return o.passphrase("Enter passphrase to decrypt: ")
		}

		pass, err := o.passphrase("Enter key passphrase: ")
		if err != nil {
			return nil, err
		}

		for _, k := range keys {
			if k.PrivateKey != nil && k.PrivateKey.Encrypted {
				_ = k.PrivateKey.Decrypt(pass)
			}
		}

		return nil, nil
	}

	md, err := openpgp.ReadMessage(block.Body, o.keyring, prompt, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecrypt, err)
	}

	out, err := io.ReadAll(md.UnverifiedBody)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecrypt, err)
	}

	return out, nil
}

// findRecipient matches id against the user ids, names, emails, key ids and
// fingerprints of the keyring.
func (o *OpenPGPEngine) findRecipient(id string) (*openpgp.Entity, error) {
	want := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(id), "0x"))

	for _, e := range o.keyring {
		if e.PrimaryKey == nil {
			continue
		}

		fingerprint := strings.ToLower(fmt.Sprintf("%x", e.PrimaryKey.Fingerprint))
		if want == fingerprint || want == strings.ToLower(e.PrimaryKey.KeyIdString()) ||
			want == strings.ToLower(e.PrimaryKey.KeyIdShortString()) {
			return e, nil
		}

		for _, ident := range e.Identities {
			if ident.UserId == nil {
				continue
			}

			if strings.EqualFold(ident.UserId.Email, id) || strings.EqualFold(ident.UserId.Name, id) ||
				strings.EqualFold(ident.UserId.Id, id) {
				return e, nil
			}
		}
	}

	return nil, fmt.Errorf("%w: %s", ErrNoRecipient, id)
}

// newTerminalPassphrase returns a [PassphraseFunc] that takes the passphrase
// from the environment or, when in is a terminal, reads it without echo after
// writing the prompt to out.
func newTerminalPassphrase(in io.Reader, out io.Writer) PassphraseFunc {
	return func(prompt string) ([]byte, error) {
		if pass, ok := os.LookupEnv(passphraseEnv); ok {
			return []byte(pass), nil
		}

		fd := -1
		if f, ok := in.(*os.File); ok {
			fd = int(f.Fd()) //nolint:gosec
		}
		if fd < 0 || !term.IsTerminal(fd) {
			return nil, fmt.Errorf("%w: input is not a terminal and %s is not set", ErrNoPassphrase, passphraseEnv)
		}

		fmt.Fprint(out, prompt)
		defer fmt.Fprintln(out)

		pass, err := term.ReadPassword(fd)
		if err != nil {
			return nil, fmt.Errorf("failed to read passphrase: %w", err)
		}

		return pass, nil
	}
}
