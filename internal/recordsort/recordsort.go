// Package recordsort orders a stream of record.Hash by hash value, either
// fully in memory or via disk-spilling batches merged with a k-way merge.
// Ties on equal hash preserve the order records arrived in, so that
// multiplicity-aware comparison downstream sees the n-th occurrence of a
// hash in the same relative position it had in the original file.
package recordsort

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"slices"

	"bigdiff/internal/record"
	"bigdiff/internal/tempdir"
)

// DefaultBatchRecords sizes each in-memory batch for external sort so that
// one batch occupies roughly 96MiB (record.Hash is 25 bytes on the wire;
// in-memory it rounds up with padding, but the budget is deliberately
// generous rather than exact).
const DefaultBatchRecords = 4_000_000

const recordWireSize = 25 // 8 (H) + 8 (Off) + 8 (Ln) + 1 (HasLn)

// Options configures a Sort call.
type Options struct {
	UseExternal  bool
	BatchRecords int          // 0 uses DefaultBatchRecords
	Dir          *tempdir.Dir // required when UseExternal
	OnProgress   func(batches int, recordsWritten int64)
}

func (o Options) withDefaults() Options {
	if o.BatchRecords <= 0 {
		o.BatchRecords = DefaultBatchRecords
	}
	return o
}

// Sort consumes in to completion and delivers every record, ordered
// non-decreasing by H with stable ties, on the returned channel.
func Sort(ctx context.Context, in <-chan record.Hash, opts Options) (<-chan record.Hash, <-chan error) {
	opts = opts.withDefaults()
	if opts.UseExternal {
		return sortExternal(ctx, in, opts)
	}
	return sortInMemory(ctx, in, opts)
}

func sortInMemory(ctx context.Context, in <-chan record.Hash, opts Options) (<-chan record.Hash, <-chan error) {
	out := make(chan record.Hash, 1024)
	errc := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errc)

		buf, err := collectWithRecover(in)
		if err != nil {
			errc <- err
			return
		}

		slices.SortStableFunc(buf, func(a, b record.Hash) int {
			switch {
			case a.H < b.H:
				return -1
			case a.H > b.H:
				return 1
			default:
				return 0
			}
		})

		for _, rec := range buf {
			select {
			case out <- rec:
			case <-ctx.Done():
				errc <- ctx.Err()
				return
			}
		}
	}()

	return out, errc
}

// collectWithRecover drains in into a slice, converting an allocator panic
// (Go's closest analogue to the abstract "allocation fails" contract) into
// a returned error instead of letting it crash the process.
func collectWithRecover(in <-chan record.Hash) (buf []record.Hash, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("recordsort: out of memory: %v", r)
		}
	}()
	for rec := range in {
		buf = append(buf, rec)
	}
	return buf, nil
}

func sortExternal(ctx context.Context, in <-chan record.Hash, opts Options) (<-chan record.Hash, <-chan error) {
	out := make(chan record.Hash, 1024)
	errc := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errc)

		var runPaths []string
		var batch []record.Hash
		batchN := 0
		var written int64

		flush := func() error {
			if len(batch) == 0 {
				return nil
			}
			slices.SortStableFunc(batch, func(a, b record.Hash) int {
				switch {
				case a.H < b.H:
					return -1
				case a.H > b.H:
					return 1
				default:
					return 0
				}
			})
			path := opts.Dir.RunFile(batchN)
			if err := writeRun(path, batch); err != nil {
				return err
			}
			runPaths = append(runPaths, path)
			written += int64(len(batch))
			batchN++
			if opts.OnProgress != nil {
				opts.OnProgress(batchN, written)
			}
			batch = batch[:0]
			return nil
		}

	drain:
		for {
			select {
			case rec, ok := <-in:
				if !ok {
					break drain
				}
				batch = append(batch, rec)
				if len(batch) >= opts.BatchRecords {
					if err := flush(); err != nil {
						errc <- fmt.Errorf("recordsort: spill: %w", err)
						return
					}
				}
			case <-ctx.Done():
				errc <- ctx.Err()
				return
			}
		}
		if err := flush(); err != nil {
			errc <- fmt.Errorf("recordsort: spill: %w", err)
			return
		}

		if len(runPaths) == 0 {
			return
		}

		if err := mergeRuns(ctx, runPaths, out); err != nil {
			errc <- fmt.Errorf("recordsort: merge: %w", err)
		}
	}()

	return out, errc
}

func writeRun(path string, batch []record.Hash) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := bufio.NewWriterSize(f, 4<<20)
	var hdr [8]byte
	binary.LittleEndian.PutUint64(hdr[:], uint64(len(batch)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}

	var rec [recordWireSize]byte
	for _, r := range batch {
		encodeRecord(rec[:], r)
		if _, err := w.Write(rec[:]); err != nil {
			return err
		}
	}
	return w.Flush()
}

func encodeRecord(b []byte, r record.Hash) {
	binary.LittleEndian.PutUint64(b[0:8], r.H)
	binary.LittleEndian.PutUint64(b[8:16], r.Off)
	binary.LittleEndian.PutUint64(b[16:24], r.Ln)
	if r.HasLn {
		b[24] = 1
	} else {
		b[24] = 0
	}
}

func decodeRecord(b []byte) record.Hash {
	return record.Hash{
		H:     binary.LittleEndian.Uint64(b[0:8]),
		Off:   binary.LittleEndian.Uint64(b[8:16]),
		Ln:    binary.LittleEndian.Uint64(b[16:24]),
		HasLn: b[24] != 0,
	}
}

// runReader reads one spill run's records back in the order they were
// written (which is sorted order for that run).
type runReader struct {
	f         *os.File
	r         *bufio.Reader
	remaining uint64
	buf       [recordWireSize]byte
}

func openRun(path string) (*runReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	r := bufio.NewReaderSize(f, 4<<20)
	var hdr [8]byte
	if _, err := readFull(r, hdr[:]); err != nil {
		f.Close()
		return nil, err
	}
	return &runReader{f: f, r: r, remaining: binary.LittleEndian.Uint64(hdr[:])}, nil
}

func (rr *runReader) next() (record.Hash, bool, error) {
	if rr.remaining == 0 {
		return record.Hash{}, false, nil
	}
	if _, err := readFull(rr.r, rr.buf[:]); err != nil {
		return record.Hash{}, false, err
	}
	rr.remaining--
	return decodeRecord(rr.buf[:]), true, nil
}

func (rr *runReader) close() error {
	return rr.f.Close()
}

func readFull(r *bufio.Reader, p []byte) (int, error) {
	total := 0
	for total < len(p) {
		n, err := r.Read(p[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
