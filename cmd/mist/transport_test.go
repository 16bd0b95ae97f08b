package main

import (
	"bytes"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alessio/shellescape"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// Expectation: The existence check should map exit status 0 and 1 to true and false.
func Test_Remote_Exists_Success(t *testing.T) {
	shell := newFakeShell()
	shell.files["present.gpg"] = []byte("x")

	r := NewRemote(shell, nil, discardLogger())

	exists, err := r.Exists(t.Context(), "present.gpg")
	require.NoError(t, err)
	require.True(t, exists)

	exists, err = r.Exists(t.Context(), "absent.gpg")
	require.NoError(t, err)
	require.False(t, exists)
}

// Expectation: Any other exit status, or none, should be reported as ambiguous.
func Test_Remote_Exists_Ambiguous_Error(t *testing.T) {
	shell := newFakeShell()
	shell.overrides["test -f weird.gpg"] = ExitStatus{Code: 2, Known: true}
	shell.overrides["test -f gone.gpg"] = ExitStatus{Known: false}

	r := NewRemote(shell, nil, discardLogger())

	_, err := r.Exists(t.Context(), "weird.gpg")
	require.ErrorIs(t, err, ErrAmbiguousRemote)

	_, err = r.Exists(t.Context(), "gone.gpg")
	require.ErrorIs(t, err, ErrAmbiguousRemote)
}

// Expectation: A session failure during the existence check should raise an error.
func Test_Remote_Exists_ExecFailure_Error(t *testing.T) {
	shell := newFakeShell()
	shell.execErr = errors.New("session closed")

	_, err := NewRemote(shell, nil, discardLogger()).Exists(t.Context(), "a")
	require.ErrorContains(t, err, "session closed")
}

// Expectation: Paths with shell metacharacters should be quoted.
func Test_Remote_Exists_Quoting_Success(t *testing.T) {
	shell := newFakeShell()
	shell.files["my archive;rm -rf.gpg"] = []byte("x")

	exists, err := NewRemote(shell, nil, discardLogger()).Exists(t.Context(), "my archive;rm -rf.gpg")
	require.NoError(t, err)
	require.True(t, exists)
	require.Equal(t, []string{"test -f " + shellescape.Quote("my archive;rm -rf.gpg")}, shell.commands)
}

// Expectation: Reading should return the full remote contents.
func Test_Remote_Read_Success(t *testing.T) {
	shell := newFakeShell()
	data := bytes.Repeat([]byte{0, 0xff, 'a'}, 50_000)
	shell.files["blob"] = data

	got, err := NewRemote(shell, nil, discardLogger()).Read(t.Context(), "blob")
	require.NoError(t, err)
	require.Equal(t, data, got)
}

// Expectation: Reading a missing file should raise an error with the remote message.
func Test_Remote_Read_Missing_Error(t *testing.T) {
	_, err := NewRemote(newFakeShell(), nil, discardLogger()).Read(t.Context(), "missing")
	require.ErrorIs(t, err, ErrRemoteRead)
	require.ErrorContains(t, err, "No such file or directory")
}

// Expectation: A read without exit status should raise an error.
func Test_Remote_Read_NoStatus_Error(t *testing.T) {
	shell := newFakeShell()
	shell.overrides["cat -- blob"] = ExitStatus{Known: false}

	_, err := NewRemote(shell, nil, discardLogger()).Read(t.Context(), "blob")
	require.ErrorIs(t, err, ErrRemoteRead)
}

// Expectation: Removing should delete the file and tolerate a file that is already gone.
func Test_Remote_Remove_Success(t *testing.T) {
	shell := newFakeShell()
	shell.files["archive.gpg.xxhash"] = []byte("x")

	r := NewRemote(shell, nil, discardLogger())

	require.NoError(t, r.Remove(t.Context(), "archive.gpg.xxhash"))
	require.NotContains(t, shell.files, "archive.gpg.xxhash")

	require.NoError(t, r.Remove(t.Context(), "archive.gpg.xxhash"))
}

// Expectation: A removal that fails or has no exit status should be reported as ambiguous.
func Test_Remote_Remove_Ambiguous_Error(t *testing.T) {
	shell := newFakeShell()
	shell.overrides["rm -f -- locked"] = ExitStatus{Code: 1, Known: true}
	shell.overrides["rm -f -- gone"] = ExitStatus{Known: false}

	r := NewRemote(shell, nil, discardLogger())

	require.ErrorIs(t, r.Remove(t.Context(), "locked"), ErrAmbiguousRemote)
	require.ErrorIs(t, r.Remove(t.Context(), "gone"), ErrAmbiguousRemote)

	shell.execErr = errors.New("session closed")
	require.ErrorContains(t, r.Remove(t.Context(), "locked"), "session closed")
}

// Expectation: A piped write should store the data at the path.
func Test_PipedWriter_Write_Success(t *testing.T) {
	shell := newFakeShell()

	require.NoError(t, NewPipedWriter(shell, discardLogger()).Write(t.Context(), []byte("payload"), "dest.gpg"))
	require.Equal(t, []byte("payload"), shell.files["dest.gpg"])
}

// Expectation: A non-zero or missing exit status should be reported as unverified.
func Test_PipedWriter_Write_Unverified_Error(t *testing.T) {
	shell := newFakeShell()
	shell.overrides["dd of=full.gpg"] = ExitStatus{Code: 1, Known: true}
	shell.overrides["dd of=silent.gpg"] = ExitStatus{Known: false}

	w := NewPipedWriter(shell, discardLogger())

	require.ErrorIs(t, w.Write(t.Context(), []byte("x"), "full.gpg"), ErrUnverifiedWrite)
	require.ErrorIs(t, w.Write(t.Context(), []byte("x"), "silent.gpg"), ErrUnverifiedWrite)
}

// Expectation: A session failure during a write should be a hard error.
func Test_PipedWriter_Write_ExecFailure_Error(t *testing.T) {
	shell := newFakeShell()
	shell.execErr = errors.New("broken pipe")

	err := NewPipedWriter(shell, discardLogger()).Write(t.Context(), []byte("x"), "dest.gpg")
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrUnverifiedWrite)
}

// copyingRunner returns a runner emulating the transfer program by copying
// the local file into the shell's file table.
func copyingRunner(t *testing.T, fs afero.Fs, shell *fakeShell, seen *[]string) *fakeRunner {
	t.Helper()

	return &fakeRunner{fn: func(cmd Command) (int, error) {
		local := cmd.Args[len(cmd.Args)-2]
		remote := cmd.Args[len(cmd.Args)-1]
		*seen = append(*seen, local)

		data, err := afero.ReadFile(fs, local)
		if err != nil {
			return -1, err
		}

		_, path, _ := strings.Cut(remote, ":")
		shell.files[path] = data

		return 0, nil
	}}
}

// Expectation: Both write strategies should produce identical remote contents.
func Test_StagedCopyWriter_Write_MatchesPiped_Success(t *testing.T) {
	fs := afero.NewMemMapFs()
	shell := newFakeShell()

	var seen []string
	runner := copyingRunner(t, fs, shell, &seen)

	data := bytes.Repeat([]byte("envelope"), 4096)

	require.NoError(t, NewPipedWriter(shell, discardLogger()).Write(t.Context(), data, "piped.gpg"))
	require.NoError(t, NewStagedCopyWriter(fs, runner, "", "user@host", nil, discardLogger()).Write(t.Context(), data, "staged.gpg"))

	require.Equal(t, shell.files["piped.gpg"], shell.files["staged.gpg"])

	require.Len(t, runner.calls, 1)
	require.Equal(t, defaultTransferProgram, runner.calls[0].Name)
	require.Equal(t, "--progress", runner.calls[0].Args[0])
	require.Equal(t, "user@host:staged.gpg", runner.calls[0].Args[2])
	require.Equal(t, "staged.gpg", filepath.Base(seen[0]))

	exists, err := afero.Exists(fs, filepath.Dir(seen[0]))
	require.NoError(t, err)
	require.False(t, exists, "local staging directory left behind")
}

// Expectation: The transfer program's output should go to the progress writer.
func Test_StagedCopyWriter_Write_Progress_Success(t *testing.T) {
	var progress bytes.Buffer

	runner := &fakeRunner{fn: func(cmd Command) (int, error) {
		_, _ = cmd.Stdout.Write([]byte("100%"))

		return 0, nil
	}}

	require.NoError(t, NewStagedCopyWriter(afero.NewMemMapFs(), runner, "scp", "host", &progress, discardLogger()).Write(t.Context(), []byte("x"), "a.gpg"))
	require.Equal(t, "100%", progress.String())
	require.Equal(t, "scp", runner.calls[0].Name)
}

// Expectation: A non-zero transfer exit should be reported as unverified and still clean up.
func Test_StagedCopyWriter_Write_NonZeroExit_Error(t *testing.T) {
	fs := afero.NewMemMapFs()

	var local string
	runner := &fakeRunner{fn: func(cmd Command) (int, error) {
		local = cmd.Args[1]
		_, _ = cmd.Stderr.Write([]byte("connection refused"))

		return 12, nil
	}}

	err := NewStagedCopyWriter(fs, runner, "", "host", nil, discardLogger()).Write(t.Context(), []byte("x"), "a.gpg")
	require.ErrorIs(t, err, ErrUnverifiedWrite)
	require.ErrorContains(t, err, "connection refused")

	exists, err := afero.Exists(fs, local)
	require.NoError(t, err)
	require.False(t, exists)
}

// Expectation: A transfer program that cannot be started should be a hard error.
func Test_StagedCopyWriter_Write_RunnerFailure_Error(t *testing.T) {
	runner := &fakeRunner{fn: func(Command) (int, error) {
		return -1, errors.New("rsync: not found")
	}}

	err := NewStagedCopyWriter(afero.NewMemMapFs(), runner, "", "host", nil, discardLogger()).Write(t.Context(), []byte("x"), "a.gpg")
	require.ErrorContains(t, err, "rsync: not found")
	require.NotErrorIs(t, err, ErrUnverifiedWrite)
}

// Expectation: The remote should delegate writes to the configured strategy.
func Test_Remote_Write_Strategy_Success(t *testing.T) {
	fs := afero.NewMemMapFs()
	shell := newFakeShell()

	var seen []string
	runner := copyingRunner(t, fs, shell, &seen)

	r := NewRemote(shell, NewStagedCopyWriter(fs, runner, "", "host", nil, discardLogger()), discardLogger())
	require.NoError(t, r.Write(t.Context(), []byte("x"), "a.gpg"))

	require.Len(t, seen, 1)
	require.Zero(t, shell.countPrefix("dd of="))
	require.Equal(t, []byte("x"), shell.files["a.gpg"])
}
