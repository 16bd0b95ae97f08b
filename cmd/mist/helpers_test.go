package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

const testFilesPerDir = 100

var testTreeWorkers = runtime.GOMAXPROCS(0) * 2

// A helper filesystem for tests to simulate filesystem errors.
type errorFs struct {
	afero.Fs

	failStat      string
	failRemoveAll bool
}

// A helper function for tests to simulate a stat failure on a single path.
func (e errorFs) Stat(name string) (os.FileInfo, error) {
	if e.failStat != "" && filepath.Clean(name) == e.failStat {
		return nil, errors.New("simulated stat failure")
	}

	return e.Fs.Stat(name) //nolint:wrapcheck
}

// A helper function for tests to simulate tree removal failure.
func (e errorFs) RemoveAll(path string) error {
	if e.failRemoveAll {
		return errors.New("simulated removeall failure")
	}

	return e.Fs.RemoveAll(path) //nolint:wrapcheck
}

// A helper filesystem walker for tests to simulate filesystem walk errors.
type errorWalker struct{}

// A helper function for tests to simulate filesystem walk failure.
func (errorWalker) WalkDir(path string, fn fs.WalkDirFunc) error {
	return fn(path, nil, errors.New("simulated walk failure"))
}

// A helper shell for tests that interprets the remote commands issued by
// [Remote] and [PipedWriter] against an in-memory file table.
type fakeShell struct {
	mu sync.Mutex

	files     map[string][]byte
	commands  []string
	overrides map[string]ExitStatus
	execErr   error
	closed    bool
}

func newFakeShell() *fakeShell {
	return &fakeShell{
		files:     map[string][]byte{},
		overrides: map[string]ExitStatus{},
	}
}

func unquoteArg(s string) string {
	return strings.TrimSuffix(strings.TrimPrefix(s, "'"), "'")
}

func (f *fakeShell) Exec(_ context.Context, cmd RemoteCommand) (ExitStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.commands = append(f.commands, cmd.Cmd)

	if f.execErr != nil {
		return ExitStatus{}, f.execErr
	}

	if st, ok := f.overrides[cmd.Cmd]; ok {
		if cmd.Stdin != nil {
			_, _ = io.Copy(io.Discard, cmd.Stdin)
		}

		return st, nil
	}

	switch {
	case strings.HasPrefix(cmd.Cmd, "test -f "):
		if _, ok := f.files[unquoteArg(strings.TrimPrefix(cmd.Cmd, "test -f "))]; ok {
			return ExitStatus{Code: 0, Known: true}, nil
		}

		return ExitStatus{Code: 1, Known: true}, nil

	case strings.HasPrefix(cmd.Cmd, "cat -- "):
		path := unquoteArg(strings.TrimPrefix(cmd.Cmd, "cat -- "))

		data, ok := f.files[path]
		if !ok {
			if cmd.Stderr != nil {
				fmt.Fprintf(cmd.Stderr, "cat: %s: No such file or directory\n", path)
			}

			return ExitStatus{Code: 1, Known: true}, nil
		}
		if cmd.Stdout != nil {
			_, _ = cmd.Stdout.Write(data)
		}

		return ExitStatus{Code: 0, Known: true}, nil

	case strings.HasPrefix(cmd.Cmd, "rm -f -- "):
		delete(f.files, unquoteArg(strings.TrimPrefix(cmd.Cmd, "rm -f -- ")))

		return ExitStatus{Code: 0, Known: true}, nil

	case strings.HasPrefix(cmd.Cmd, "dd of="):
		data, err := io.ReadAll(cmd.Stdin)
		if err != nil {
			return ExitStatus{}, err
		}
		f.files[unquoteArg(strings.TrimPrefix(cmd.Cmd, "dd of="))] = data

		return ExitStatus{Code: 0, Known: true}, nil
	}

	return ExitStatus{Code: 127, Known: true}, nil
}

func (f *fakeShell) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.closed = true

	return nil
}

// countPrefix returns how many issued commands start with prefix.
func (f *fakeShell) countPrefix(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	var n int
	for _, c := range f.commands {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}

	return n
}

// A helper command runner for tests that records invocations.
type fakeRunner struct {
	calls []Command
	fn    func(cmd Command) (int, error)
}

func (r *fakeRunner) Run(_ context.Context, cmd Command) (int, error) {
	r.calls = append(r.calls, cmd)

	if r.fn != nil {
		return r.fn(cmd)
	}

	return 0, nil
}

// A helper crypto provider for tests with a reversible, recognizable envelope.
type fakeCrypto struct{}

const fakeEnvelopePrefix = "FAKE-ENVELOPE:"

func (fakeCrypto) Encrypt(_ context.Context, data []byte) ([]byte, error) {
	return append([]byte(fakeEnvelopePrefix), data...), nil
}

func (fakeCrypto) Decrypt(_ context.Context, data []byte) ([]byte, error) {
	if !bytes.HasPrefix(data, []byte(fakeEnvelopePrefix)) {
		return nil, fmt.Errorf("%w: not a fake envelope", ErrDecrypt)
	}

	return bytes.TrimPrefix(data, []byte(fakeEnvelopePrefix)), nil
}

// A helper merge engine for tests returning a fixed outcome. The optional
// fn runs first and can modify the trees like a real merge would.
type fakeMerger struct {
	outcome MergeOutcome
	calls   [][]string
	batch   []bool
	fn      func(local string, staged string) error
}

func (m *fakeMerger) Merge(_ context.Context, local string, staged string, batch bool) (MergeOutcome, error) {
	m.calls = append(m.calls, []string{local, staged})
	m.batch = append(m.batch, batch)

	if m.fn != nil {
		if err := m.fn(local, staged); err != nil {
			return MergeConflicted, err
		}
	}

	if m.outcome != MergeClean {
		return m.outcome, errors.New("simulated merge problem")
	}

	return MergeClean, nil
}

// A helper confirmer for tests returning a fixed answer.
type fakeConfirmer struct {
	answer  bool
	prompts []string
}

func (c *fakeConfirmer) Confirm(prompt string, assumeYes bool) bool {
	c.prompts = append(c.prompts, prompt)

	return assumeYes || c.answer
}

// writeTree creates the given files with their contents below root.
func writeTree(t *testing.T, fs afero.Fs, root string, files map[string]string) {
	t.Helper()

	require.NoError(t, fs.MkdirAll(root, 0o755))

	for name, content := range files {
		path := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, fs.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, afero.WriteFile(fs, path, []byte(content), 0o644))
	}
}

// treeSizes returns the relative path and byte length of every regular file below root.
func treeSizes(t *testing.T, fs afero.Fs, root string) map[string]int64 {
	t.Helper()

	sizes := map[string]int64{}
	require.NoError(t, afero.Walk(fs, root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		sizes[filepath.ToSlash(rel)] = info.Size()

		return nil
	}))

	return sizes
}

func buildTestTreePath(base string, d int) string {
	level1 := fmt.Sprintf("dept_%02d", d/1000)
	level2 := fmt.Sprintf("proj_%03d", d/100)
	level3 := fmt.Sprintf("batch_%04d", d/10)
	level4 := fmt.Sprintf("group_%06d", d)

	return filepath.Join(base, level1, level2, level3, level4)
}

func createTestTreeDir(fs afero.Fs, base string, d int, totalFiles int) error {
	subdir := buildTestTreePath(base, d)

	if err := fs.MkdirAll(subdir, 0o755); err != nil {
		return fmt.Errorf("error creating dir: %w", err)
	}

	for f := range testFilesPerDir {
		index := d*testFilesPerDir + f
		if index >= totalFiles {
			break
		}

		path := filepath.Join(subdir, fmt.Sprintf("data_%06d.txt", f))
		if err := afero.WriteFile(fs, path, []byte(strings.Repeat("x", index%17)), 0o644); err != nil {
			return fmt.Errorf("error creating file: %w", err)
		}
	}

	return nil
}

// createTestTree builds a synthetic tree of totalFiles files with concurrent
// workers, so directory entries are created in no particular order.
func createTestTree(fs afero.Fs, base string, totalFiles int) error {
	var once sync.Once
	var wg sync.WaitGroup

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tasks := make(chan int, testTreeWorkers)
	errCh := make(chan error, 1)

	dirsNeeded := (totalFiles / testFilesPerDir) + 1

	for range testTreeWorkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for d := range tasks {
				if err := createTestTreeDir(fs, base, d, totalFiles); err != nil {
					once.Do(func() {
						errCh <- err
						cancel()
					})

					return
				}
			}
		}()
	}

	go func() {
		defer close(tasks)
		for d := dirsNeeded - 1; d >= 0; d-- {
			select {
			case tasks <- d:
			case <-ctx.Done():
				return
			}
		}
	}()

	wg.Wait()
	close(errCh)

	if err, ok := <-errCh; ok && err != nil {
		return err
	}

	return nil
}
