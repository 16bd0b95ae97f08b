package main

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	pgzip "github.com/klauspost/pgzip"
	"github.com/spf13/afero"
)

// ErrUnsafePath is returned when an archive entry would be extracted
// outside of its destination directory.
var ErrUnsafePath = errors.New("archive entry escapes destination")

// Pack produces a gzip-compressed tarball of a directory tree in memory.
//
// Entry names are relative to input, so the directory's own name is not
// embedded and unpacking elsewhere reproduces its contents. Regular files
// are stored with their contents, directories and symbolic links (where the
// filesystem can read them) as such; other entry types are skipped. Any
// paths matching the excludes slice are skipped. The ctx parameter controls
// early cancellation.
func (prog *Program) Pack(ctx context.Context, input string, excludes []string) ([]byte, error) {
	info, err := prog.fs.Stat(input)
	if err != nil {
		return nil, fmt.Errorf("failed to stat source: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("failed to pack: %s is not a directory", input)
	}

	var buf bytes.Buffer

	gw, err := pgzip.NewWriterLevel(&buf, prog.gzipConfig.CompressionLevel)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize gzip writer: %w", err)
	}
	defer gw.Close()

	if err := gw.SetConcurrency(prog.gzipConfig.BlockSize, prog.gzipConfig.BlockCount); err != nil {
		return nil, fmt.Errorf("failed to set gzip writer settings: %w", err)
	}

	tw := tar.NewWriter(gw)
	defer tw.Close()

	var entries int

	if err := prog.fsWalker.WalkDir(input, func(path string, d fs.DirEntry, err error) error {
		if err := ctx.Err(); err != nil {
			return ctx.Err()
		}

		if err != nil {
			return fmt.Errorf("failed to walk filesystem: %w", err)
		}

		if path == input {
			return nil
		}

		relPath, err := filepath.Rel(input, path)
		if err != nil {
			return fmt.Errorf("failed to obtain relative path: %w", err)
		}

		if excluded, err := isExcluded(relPath, d.IsDir(), excludes); err != nil {
			return fmt.Errorf("invalid exclude pattern: %w", err)
		} else if excluded && d.IsDir() {
			return filepath.SkipDir
		} else if excluded {
			return nil
		}

		written, err := prog.writeArchiveEntry(tw, path, relPath, d)
		if err != nil {
			return fmt.Errorf("failed to archive %s: %w", relPath, err)
		}
		if written {
			entries++
		}

		return nil
	}); err != nil {
		return nil, fmt.Errorf("failure during pack: %w", err)
	}

	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize tarball: %w", err)
	}
	if err := gw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize gzip stream: %w", err)
	}

	prog.log.Debug("Packed folder", "path", input, "entries", entries, "size", humanize.Bytes(uint64(buf.Len())))

	return buf.Bytes(), nil
}

func (prog *Program) writeArchiveEntry(tw *tar.Writer, path string, relPath string, d fs.DirEntry) (bool, error) {
	info, err := d.Info()
	if err != nil {
		return false, fmt.Errorf("failed to stat: %w", err)
	}

	var link string

	switch mode := info.Mode(); {
	case mode&fs.ModeSymlink != 0:
		reader, ok := prog.fs.(afero.LinkReader)
		if !ok {
			return false, nil
		}
		if link, err = reader.ReadlinkIfPossible(path); err != nil {
			return false, fmt.Errorf("failed to read link: %w", err)
		}
	case mode.IsDir(), mode.IsRegular():
	default:
		return false, nil
	}

	hdr, err := tar.FileInfoHeader(info, link)
	if err != nil {
		return false, fmt.Errorf("failed to build tar header: %w", err)
	}

	hdr.Name = filepath.ToSlash(relPath)
	if info.IsDir() && !strings.HasSuffix(hdr.Name, "/") {
		hdr.Name += "/"
	}

	if err := tw.WriteHeader(hdr); err != nil {
		return false, fmt.Errorf("failed to write tar header: %w", err)
	}

	if !info.Mode().IsRegular() {
		return true, nil
	}

	f, err := prog.fs.Open(path)
	if err != nil {
		return false, fmt.Errorf("failed to open: %w", err)
	}
	defer f.Close()

	if _, err := io.CopyN(tw, f, hdr.Size); err != nil {
		return false, fmt.Errorf("failed to copy contents: %w", err)
	}

	return true, nil
}

// Unpack extracts a gzip-compressed tarball produced by [Program.Pack] into output.
//
// The output directory is created if it does not exist and existing entries
// with the same relative paths are overwritten. Extraction is not rolled
// back on failure; entries written before the failure remain in place.
func (prog *Program) Unpack(ctx context.Context, blob []byte, output string) error {
	if err := prog.fs.MkdirAll(output, baseFolderPerms); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	gr, err := pgzip.NewReader(bytes.NewReader(blob))
	if err != nil {
		return fmt.Errorf("failed to initialize gzip reader: %w", err)
	}
	defer gr.Close()

	type dirTime struct {
		path    string
		modTime time.Time
	}
	var dirTimes []dirTime

	var entries int

	tr := tar.NewReader(gr)
	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("failed to unpack: %w", err)
		}

		hdr, err := tr.Next()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				return fmt.Errorf("failed to read tar stream: %w", err)
			}

			break // EOF
		}

		target, err := safeJoin(output, hdr.Name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := prog.checkLinkedDirs(output, target); err != nil {
				return err
			}
			if err := prog.fs.MkdirAll(target, hdr.FileInfo().Mode().Perm()|0o700); err != nil {
				return fmt.Errorf("failed to create directory: %w", err)
			}
			dirTimes = append(dirTimes, dirTime{target, hdr.ModTime})

		case tar.TypeReg:
			if err := prog.checkLinkedDirs(output, filepath.Dir(target)); err != nil {
				return err
			}
			if err := prog.extractFile(tr, hdr, target); err != nil {
				return err
			}

		case tar.TypeSymlink:
			if err := prog.checkLinkedDirs(output, filepath.Dir(target)); err != nil {
				return err
			}
			if err := prog.extractSymlink(hdr, target); err != nil {
				return err
			}

		default:
			prog.log.Debug("Skipping unsupported archive entry", "name", hdr.Name, "type", string(hdr.Typeflag))

			continue
		}

		entries++
	}

	// Directory times are restored last, extraction of their children alters them.
	for i := len(dirTimes) - 1; i >= 0; i-- {
		_ = prog.fs.Chtimes(dirTimes[i].path, dirTimes[i].modTime, dirTimes[i].modTime)
	}

	prog.log.Debug("Unpacked archive", "path", output, "entries", entries)

	return nil
}

func (prog *Program) extractFile(r io.Reader, hdr *tar.Header, target string) error {
	if err := prog.fs.MkdirAll(filepath.Dir(target), baseFolderPerms); err != nil {
		return fmt.Errorf("failed to create parent directory: %w", err)
	}

	if err := prog.removeIfLink(target); err != nil {
		return err
	}

	f, err := prog.fs.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, hdr.FileInfo().Mode().Perm())
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}

	if _, err := io.Copy(f, r); err != nil {
		f.Close()

		return fmt.Errorf("failed to write file: %w", err)
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close file: %w", err)
	}

	_ = prog.fs.Chmod(target, hdr.FileInfo().Mode().Perm())
	_ = prog.fs.Chtimes(target, hdr.ModTime, hdr.ModTime)

	return nil
}

func (prog *Program) extractSymlink(hdr *tar.Header, target string) error {
	linker, ok := prog.fs.(afero.Linker)
	if !ok {
		prog.log.Debug("Skipping symbolic link on unsupported filesystem", "name", hdr.Name)

		return nil
	}

	if err := prog.fs.MkdirAll(filepath.Dir(target), baseFolderPerms); err != nil {
		return fmt.Errorf("failed to create parent directory: %w", err)
	}

	if err := prog.fs.Remove(target); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to replace existing entry: %w", err)
	}

	if err := linker.SymlinkIfPossible(hdr.Linkname, target); err != nil {
		return fmt.Errorf("failed to create symbolic link: %w", err)
	}

	return nil
}

// removeIfLink removes a symbolic link at target so that extraction writes
// a new file rather than following the link.
func (prog *Program) removeIfLink(target string) error {
	lstater, ok := prog.fs.(afero.Lstater)
	if !ok {
		return nil
	}

	info, _, err := lstater.LstatIfPossible(target)
	if err != nil || info.Mode()&fs.ModeSymlink == 0 {
		return nil //nolint:nilerr
	}

	if err := prog.fs.Remove(target); err != nil {
		return fmt.Errorf("failed to replace existing link: %w", err)
	}

	return nil
}

// checkLinkedDirs returns [ErrUnsafePath] when dir or any directory between
// root and dir is a symbolic link. Writing below such a link would place
// entries wherever it points, outside of root.
func (prog *Program) checkLinkedDirs(root string, dir string) error {
	lstater, ok := prog.fs.(afero.Lstater)
	if !ok {
		return nil
	}

	rel, err := filepath.Rel(root, dir)
	if err != nil || rel == "." {
		return nil //nolint:nilerr
	}

	current := root
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		current = filepath.Join(current, part)

		info, _, err := lstater.LstatIfPossible(current)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}

			return fmt.Errorf("failed to inspect parent directory: %w", err)
		}

		if info.Mode()&fs.ModeSymlink != 0 {
			return fmt.Errorf("%w: %s is a symbolic link", ErrUnsafePath, current)
		}
	}

	return nil
}

func safeJoin(root string, name string) (string, error) {
	target := filepath.Join(root, filepath.FromSlash(name))

	rel, err := filepath.Rel(root, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrUnsafePath, name)
	}

	return target, nil
}
