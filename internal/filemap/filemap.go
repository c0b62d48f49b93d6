// Package filemap provides read-only memory-mapped access to an input file,
// plus iteration over its line boundaries. It is the first stage of the
// comparison pipeline: every later stage reads line bytes through the slice
// this package exposes rather than through further syscalls.
package filemap

import (
	"bytes"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// File is a read-only memory-mapped view of a file on disk.
type File struct {
	f    *os.File
	data []byte // nil for a zero-length file
	size int64
}

// PathError reports that the given path could not be resolved to a usable
// regular file, as distinct from an I/O failure on an otherwise-valid path.
// Callers classify errors with errors.As(err, &*PathError) to tell the two
// apart.
type PathError struct {
	Path string
	Err  error
}

func (e *PathError) Error() string {
	return fmt.Sprintf("filemap: %s: %s", e.Path, e.Err)
}

func (e *PathError) Unwrap() error { return e.Err }

// Open maps path read-only. It returns a *PathError if path does not resolve
// to a regular file, and a plain wrapped error for mmap/open failures on an
// otherwise-valid path.
func Open(path string) (*File, error) {
	st, err := os.Stat(path)
	if err != nil {
		return nil, &PathError{Path: path, Err: err}
	}
	if !st.Mode().IsRegular() {
		return nil, &PathError{Path: path, Err: fmt.Errorf("not a regular file")}
	}

	f, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("filemap: open %s: %w", path, err)
	}

	size := st.Size()
	if size == 0 {
		// mmap of a zero-length region is undefined on Linux; a zero-line
		// file is a perfectly valid input, so special-case it instead of
		// mapping.
		return &File{f: f, data: nil, size: 0}, nil
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("filemap: mmap %s: %w", path, err)
	}

	_ = unix.Madvise(data, unix.MADV_SEQUENTIAL)
	_ = unix.Fadvise(int(f.Fd()), 0, 0, unix.FADV_SEQUENTIAL)

	return &File{f: f, data: data, size: size}, nil
}

// Len reports the file size in bytes.
func (m *File) Len() int64 {
	return m.size
}

// Bytes returns the whole mapped file as a byte slice. The slice is
// read-only in spirit: callers must not mutate it, since it is backed
// directly by the OS page cache.
func (m *File) Bytes() []byte {
	return m.data
}

// ReadAt implements io.ReaderAt over the mapped region.
func (m *File) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off > m.size {
		return 0, fmt.Errorf("filemap: offset %d out of range [0,%d]", off, m.size)
	}
	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, fmt.Errorf("filemap: short read at %d: EOF", off)
	}
	return n, nil
}

// LineRange is one line's byte extent within the mapped file, [Start, End),
// LF excluded.
type LineRange struct {
	Start, End int64
}

// LineRanges calls yield once per line whose first byte falls within
// [from, to). It is the caller's responsibility to pass non-overlapping
// windows across a full scan so that a line spanning a window boundary is
// only emitted by the window owning its first byte; LineRanges enforces
// this locally by, when from > 0 and from is not the first byte of a line,
// skipping forward past the next LF before emitting anything.
func (m *File) LineRanges(from, to int64, yield func(LineRange) bool) {
	if to > m.size {
		to = m.size
	}
	if from >= to {
		return
	}
	data := m.data

	start := from
	if from > 0 {
		// Advance past the tail of a line that began before from; it
		// belongs to the previous window, which owns its first byte. If
		// data[from-1] is an LF, from already starts a line and is kept.
		i := indexLF(data, from-1, m.size)
		if i < 0 {
			return
		}
		start = i + 1
	}

	for start < to {
		end := indexLF(data, start, m.size)
		if end < 0 {
			end = m.size
			if !yield(LineRange{Start: start, End: end}) {
				return
			}
			return
		}
		if !yield(LineRange{Start: start, End: end}) {
			return
		}
		start = end + 1
	}
}

// indexLF returns the offset of the next LF at or after start, within
// [start, limit), or -1 if none is found.
func indexLF(data []byte, start, limit int64) int64 {
	i := bytes.IndexByte(data[start:limit], '\n')
	if i < 0 {
		return -1
	}
	return start + int64(i)
}

// Close unmaps the file and closes the underlying descriptor. Safe to call
// on a *File backing a zero-length file (no-op on the mapping side).
func (m *File) Close() error {
	var err error
	if m.data != nil {
		err = unix.Munmap(m.data)
		m.data = nil
	}
	if cerr := m.f.Close(); err == nil {
		err = cerr
	}
	return err
}
