package main

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

const (
	digestSeed         = 42
	digestSize         = 8
	digestStreamBuffer = 1000

	nameTerminal = 0xff
	recordSep    = "\x00"
)

// ErrInvalidDigest is returned when a sidecar does not hold exactly one digest.
var ErrInvalidDigest = errors.New("invalid digest encoding")

// Digest summarizes the file names and sizes of a directory tree.
// It is not a hash of file contents and ignores modification times.
type Digest uint64

// Bytes returns the big-endian sidecar encoding of the digest.
func (d Digest) Bytes() []byte {
	return binary.BigEndian.AppendUint64(make([]byte, 0, digestSize), uint64(d))
}

// String returns the digest in hexadecimal.
func (d Digest) String() string {
	return fmt.Sprintf("%016x", uint64(d))
}

// ParseDigest decodes a sidecar blob into a [Digest].
func ParseDigest(b []byte) (Digest, error) {
	if len(b) != digestSize {
		return 0, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidDigest, len(b), digestSize)
	}

	return Digest(binary.BigEndian.Uint64(b)), nil
}

// Digest computes the [Digest] of the directory tree at root.
//
// Regular files are visited in lexicographic order of their paths relative
// to root, independent of the order the filesystem returns them in. Each
// visited file contributes its base name and byte length. Directories,
// non-regular entries, excluded paths and entries that cannot be read are
// skipped. An error is returned only when root itself cannot be walked.
func (prog *Program) Digest(ctx context.Context, root string, excludes []string) (Digest, error) {
	walkCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	records, walkErrs := prog.digestRecordStream(walkCtx, root, excludes)
	sorted, errs := extsortStrings(walkCtx, records, walkErrs, prog.extSortConfig)

	var files int
	var sizeBuf [digestSize]byte

	hash := xxhash.NewWithSeed(digestSeed)
	for rec := range sorted {
		idx := strings.LastIndex(rec, recordSep)
		if idx < 0 {
			continue
		}

		size, err := strconv.ParseUint(rec[idx+1:], 10, 64)
		if err != nil {
			continue
		}

		_, _ = hash.WriteString(path.Base(rec[:idx]))
		_, _ = hash.Write([]byte{nameTerminal})
		binary.LittleEndian.PutUint64(sizeBuf[:], size)
		_, _ = hash.Write(sizeBuf[:])

		files++
	}

	for err := range errs {
		if err != nil {
			return 0, fmt.Errorf("failed to digest %s: %w", root, err)
		}
	}

	sum := Digest(hash.Sum64())
	prog.log.Debug("Computed folder digest", "path", root, "files", files, "digest", sum.String())

	return sum, nil
}

// digestRecordStream walks root and emits one "relpath\x00size" record per
// regular file. Records are emitted in walk order.
func (prog *Program) digestRecordStream(ctx context.Context, root string, excludes []string) (<-chan string, <-chan error) {
	records := make(chan string, digestStreamBuffer)
	errs := make(chan error, 1)

	go func() {
		defer close(records)
		defer close(errs)

		if err := prog.fsWalker.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
			if err := ctx.Err(); err != nil {
				return err
			}

			if err != nil {
				if p == root {
					return fmt.Errorf("failed to walk root: %w", err)
				}

				prog.log.Debug("Skipping unreadable entry", "path", p, "error", err)

				return nil
			}

			if p == root {
				if !d.IsDir() {
					return fmt.Errorf("failed to walk root: %s is not a directory", root)
				}

				return nil
			}

			relPath, err := filepath.Rel(root, p)
			if err != nil {
				return nil //nolint:nilerr
			}

			if excluded, err := isExcluded(relPath, d.IsDir(), excludes); err != nil {
				return err
			} else if excluded && d.IsDir() {
				return filepath.SkipDir
			} else if excluded {
				return nil
			}

			if !d.Type().IsRegular() {
				return nil
			}

			info, err := d.Info()
			if err != nil {
				prog.log.Debug("Skipping unreadable entry", "path", p, "error", err)

				return nil
			}

			rec := filepath.ToSlash(relPath) + recordSep + strconv.FormatInt(info.Size(), 10)

			select {
			case records <- rec:
			case <-ctx.Done():
				return ctx.Err()
			}

			return nil
		}); err != nil {
			errs <- err
		}
	}()

	return records, errs
}
