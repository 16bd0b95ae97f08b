package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/alessio/shellescape"
	"github.com/dustin/go-humanize"
	"github.com/spf13/afero"
)

var (
	// ErrAmbiguousRemote is returned when a remote existence check reports an
	// exit status that means neither "exists" nor "does not exist".
	ErrAmbiguousRemote = errors.New("ambiguous remote state")

	// ErrRemoteRead is returned when a remote file cannot be read.
	ErrRemoteRead = errors.New("failed to read remote file")

	// ErrUnverifiedWrite marks a write whose success could not be confirmed.
	// It is a soft failure; callers log it and continue.
	ErrUnverifiedWrite = errors.New("remote write not verified")
)

// RemoteTransport moves files between the local process and the remote host.
type RemoteTransport interface {
	Exists(ctx context.Context, path string) (bool, error)
	Read(ctx context.Context, path string) ([]byte, error)
	Write(ctx context.Context, data []byte, path string) error
	Remove(ctx context.Context, path string) error
}

// RemoteWriter is a strategy for writing bytes to a remote file.
// Implementations must produce identical remote contents for the same input.
type RemoteWriter interface {
	Write(ctx context.Context, data []byte, path string) error
}

// Remote is a [RemoteTransport] over a [Shell] with a pluggable write strategy.
type Remote struct {
	shell  Shell
	writer RemoteWriter
}

// NewRemote returns a pointer to a new [Remote]. A nil writer selects the
// [PipedWriter] strategy.
func NewRemote(shell Shell, writer RemoteWriter, log *slog.Logger) *Remote {
	if writer == nil {
		writer = NewPipedWriter(shell, log)
	}

	return &Remote{shell: shell, writer: writer}
}

// Exists reports whether a regular file exists at path on the remote host.
func (r *Remote) Exists(ctx context.Context, path string) (bool, error) {
	var stderr bytes.Buffer

	status, err := r.shell.Exec(ctx, RemoteCommand{
		Cmd:    "test -f " + shellescape.Quote(path),
		Stderr: &stderr,
	})
	if err != nil {
		return false, fmt.Errorf("failed to test remote file: %w", err)
	}

	switch {
	case !status.Known:
		return false, fmt.Errorf("%w: test %s: no exit status", ErrAmbiguousRemote, path)
	case status.Code == 0:
		return true, nil
	case status.Code == 1:
		return false, nil
	default:
		return false, fmt.Errorf("%w: test %s: exit status %d: %s", ErrAmbiguousRemote, path, status.Code, strings.TrimSpace(stderr.String()))
	}
}

// Read returns the full contents of the remote file at path.
func (r *Remote) Read(ctx context.Context, path string) ([]byte, error) {
	var stdout, stderr bytes.Buffer

	status, err := r.shell.Exec(ctx, RemoteCommand{
		Cmd:    "cat -- " + shellescape.Quote(path),
		Stdout: &stdout,
		Stderr: &stderr,
	})
	if err != nil {
		return nil, fmt.Errorf("%w %s: %w", ErrRemoteRead, path, err)
	}

	if !status.Known {
		return nil, fmt.Errorf("%w %s: no exit status", ErrRemoteRead, path)
	}
	if status.Code != 0 {
		return nil, fmt.Errorf("%w %s: exit status %d: %s", ErrRemoteRead, path, status.Code, strings.TrimSpace(stderr.String()))
	}

	return stdout.Bytes(), nil
}

// Remove deletes the remote file at path. A missing file is not an error,
// any status other than 0 is.
func (r *Remote) Remove(ctx context.Context, path string) error {
	var stderr bytes.Buffer

	status, err := r.shell.Exec(ctx, RemoteCommand{
		Cmd:    "rm -f -- " + shellescape.Quote(path),
		Stderr: &stderr,
	})
	if err != nil {
		return fmt.Errorf("failed to remove remote file: %w", err)
	}

	switch {
	case !status.Known:
		return fmt.Errorf("%w: rm %s: no exit status", ErrAmbiguousRemote, path)
	case status.Code != 0:
		return fmt.Errorf("%w: rm %s: exit status %d: %s", ErrAmbiguousRemote, path, status.Code, strings.TrimSpace(stderr.String()))
	}

	return nil
}

// Write stores data at path on the remote host using the configured strategy.
func (r *Remote) Write(ctx context.Context, data []byte, path string) error {
	return r.writer.Write(ctx, data, path) //nolint:wrapcheck
}

// PipedWriter writes by piping data into a remote dd process.
type PipedWriter struct {
	shell Shell
	log   *slog.Logger
}

// NewPipedWriter returns a pointer to a new [PipedWriter].
func NewPipedWriter(shell Shell, log *slog.Logger) *PipedWriter {
	return &PipedWriter{shell: shell, log: log}
}

// Write succeeds only when the remote process reports exit status 0. Any
// other status, or no status, is reported as [ErrUnverifiedWrite].
func (w *PipedWriter) Write(ctx context.Context, data []byte, path string) error {
	var stderr bytes.Buffer

	status, err := w.shell.Exec(ctx, RemoteCommand{
		Cmd:    "dd of=" + shellescape.Quote(path),
		Stdin:  bytes.NewReader(data),
		Stderr: &stderr,
	})
	if err != nil {
		return fmt.Errorf("failed to pipe to remote dd: %w", err)
	}

	switch {
	case !status.Known:
		return fmt.Errorf("%w: dd %s: no exit status", ErrUnverifiedWrite, path)
	case status.Code != 0:
		return fmt.Errorf("%w: dd %s: exit status %d: %s", ErrUnverifiedWrite, path, status.Code, strings.TrimSpace(stderr.String()))
	}

	w.log.Info("Wrote to remote host", "path", path, "size", humanize.Bytes(uint64(len(data))))

	return nil
}

// StagedCopyWriter writes data to a local temporary file named after the
// destination and copies it to the same path on the remote host with an
// external transfer program, which reports progress for large archives.
type StagedCopyWriter struct {
	fs       afero.Fs
	runner   CommandRunner
	program  string
	address  string
	progress io.Writer
	log      *slog.Logger
}

// NewStagedCopyWriter returns a pointer to a new [StagedCopyWriter].
func NewStagedCopyWriter(fs afero.Fs, runner CommandRunner, program string, address string, progress io.Writer, log *slog.Logger) *StagedCopyWriter {
	if runner == nil {
		runner = ExecRunner{}
	}
	if program == "" {
		program = defaultTransferProgram
	}
	if progress == nil {
		progress = io.Discard
	}

	return &StagedCopyWriter{
		fs:       fs,
		runner:   runner,
		program:  program,
		address:  address,
		progress: progress,
		log:      log,
	}
}

// Write copies data through a local temporary file. A transfer program
// exiting non-zero is reported as [ErrUnverifiedWrite].
func (w *StagedCopyWriter) Write(ctx context.Context, data []byte, path string) error {
	dir, err := afero.TempDir(w.fs, "", "mist-")
	if err != nil {
		return fmt.Errorf("failed to create local staging directory: %w", err)
	}

	defer func() {
		if err := w.fs.RemoveAll(dir); err != nil {
			w.log.Warn("Failed to remove local copy", "path", dir, "error", err)
		}
	}()

	local := filepath.Join(dir, filepath.Base(path))
	if err := afero.WriteFile(w.fs, local, data, privateFilePerms); err != nil {
		return fmt.Errorf("failed to write local copy: %w", err)
	}

	var stderr bytes.Buffer

	cmd := Command{
		Name:   w.program,
		Args:   []string{"--progress", local, w.address + ":" + path},
		Stdout: w.progress,
		Stderr: &stderr,
	}

	code, err := w.runner.Run(ctx, cmd)
	if err != nil {
		return fmt.Errorf("failed to run transfer program: %w", err)
	}
	if code != 0 {
		return fmt.Errorf("%w: %s exited with status %d: %s", ErrUnverifiedWrite, w.program, code, strings.TrimSpace(stderr.String()))
	}

	w.log.Info("Copied to remote host", "path", path, "size", humanize.Bytes(uint64(len(data))), "program", w.program)

	return nil
}
