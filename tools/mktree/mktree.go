// mktree is a benchmark helper tool for synthetic sync folder creation.
//
// Files are filled with pseudo-random bytes from a fixed seed, so repeated
// runs produce the same tree and the same mist digest.
//
//nolint:mnd
package main

import (
	"context"
	"fmt"
	"math/rand/v2"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/afero"
)

const (
	filesPerDir = 100
	treeSeed    = 42
)

var workers = runtime.GOMAXPROCS(0) * 2

func buildPath(base string, d int) string {
	level1 := fmt.Sprintf("notes_%02d", d/100)
	level2 := fmt.Sprintf("topic_%04d", d)

	return filepath.Join(base, level1, level2)
}

// fileSize returns a size in [0, maxSize] that depends only on index.
func fileSize(index int, maxSize int64) int64 {
	if maxSize <= 0 {
		return 0
	}

	r := rand.New(rand.NewPCG(treeSeed, uint64(index))) //nolint:gosec

	return r.Int64N(maxSize + 1)
}

func fileContents(index int, size int64) []byte {
	r := rand.New(rand.NewPCG(treeSeed, uint64(index)^0x5bd1e995)) //nolint:gosec

	data := make([]byte, size)
	for i := range data {
		data[i] = byte(r.UintN(256))
	}

	return data
}

func createDirAndFiles(ctx context.Context, fs afero.Fs, base string, d int, totalFiles int, maxSize int64, written *atomic.Int64) error {
	subdir := buildPath(base, d)

	if err := fs.MkdirAll(subdir, 0o755); err != nil {
		return fmt.Errorf("error creating dir: %w", err)
	}

	for f := range filesPerDir {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("error during creation: %w", err)
		}

		index := d*filesPerDir + f
		if index >= totalFiles {
			break
		}

		size := fileSize(index, maxSize)
		path := filepath.Join(subdir, fmt.Sprintf("entry_%06d.md", f))

		if err := afero.WriteFile(fs, path, fileContents(index, size), 0o644); err != nil {
			return fmt.Errorf("error creating file: %w", err)
		}
		written.Add(size)
	}

	return nil
}

// createSyncTree creates totalFiles files below base and returns the number
// of bytes written.
func createSyncTree(ctx context.Context, fs afero.Fs, base string, totalFiles int, maxSize int64) (int64, error) {
	var once sync.Once
	var wg sync.WaitGroup
	var written atomic.Int64

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	tasks := make(chan int, workers)
	errCh := make(chan error, 1)

	dirsNeeded := (totalFiles + filesPerDir - 1) / filesPerDir

	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for d := range tasks {
				if err := createDirAndFiles(ctx, fs, base, d, totalFiles, maxSize, &written); err != nil {
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
		for d := range dirsNeeded {
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
		return written.Load(), err
	}

	if err := ctx.Err(); err != nil {
		return written.Load(), fmt.Errorf("error during creation: %w", err)
	}

	return written.Load(), nil
}

func main() {
	if len(os.Args) != 4 {
		fmt.Fprintf(os.Stderr, "usage: mktree <base_dir> <file_count> <max_file_size>\n")
		os.Exit(1)
	}

	baseDir := os.Args[1]

	totalFiles, err := strconv.Atoi(os.Args[2])
	if err != nil || totalFiles <= 0 {
		fmt.Fprintf(os.Stderr, "error: invalid file count: %v\n", err)
		os.Exit(1)
	}

	maxSize, err := humanize.ParseBytes(os.Args[3])
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: invalid max file size: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	type result struct {
		written int64
		err     error
	}

	resChan := make(chan result, 1)
	go func() {
		written, err := createSyncTree(ctx, afero.NewOsFs(), baseDir, totalFiles, int64(maxSize)) //nolint:gosec
		if err != nil {
			err = fmt.Errorf("failed to create tree: %w", err)
		}
		resChan <- result{written, err}
	}()

	for {
		select {
		case <-sigChan:
			cancel()
		case res := <-resChan:
			if res.err != nil {
				fmt.Fprintf(os.Stderr, "error: %v\n", res.err)
				os.Exit(1)
			}
			fmt.Fprintf(os.Stdout, "created %d files (%s) in %s\n", totalFiles, humanize.Bytes(uint64(res.written)), baseDir) //nolint:gosec
			os.Exit(0)
		}
	}
}
