// Package linehash computes a 64-bit content hash for every line of a
// mapped file, in parallel chunked windows, and streams the resulting
// records back in original file order.
package linehash

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"

	"bigdiff/internal/filemap"
	"bigdiff/internal/record"
	"github.com/zeebo/xxh3"
)

// DefaultChunkSize is the byte window assigned to each hashing worker.
// Grounded on the teacher's defaultBlkSz (2<<20); widened here since this
// engine's windows carry only hashing work, not an in-memory index build.
const DefaultChunkSize = 16 << 20

// Options configures a Stream call.
type Options struct {
	ChunkSize       int64             // window size per worker; 0 uses DefaultChunkSize
	Workers         int               // 0 uses runtime.GOMAXPROCS(0)
	SingleThread    bool              // force sequential processing, one window at a time
	WithLineNumbers bool              // populate record.Hash.Ln/HasLn
	StripCR         bool              // strip a trailing CR before hashing
	OnProgress      func(delta int64) // called after each completed window with bytes processed
}

func (o Options) withDefaults() Options {
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.Workers <= 0 {
		o.Workers = runtime.GOMAXPROCS(0)
	}
	return o
}

type window struct {
	start, end int64
}

func windows(size, chunk int64) []window {
	if size <= 0 {
		return nil
	}
	var ws []window
	for start := int64(0); start < size; start += chunk {
		end := start + chunk
		if end > size {
			end = size
		}
		ws = append(ws, window{start: start, end: end})
	}
	return ws
}

type windowResult struct {
	lines []record.Hash
	bytes int64
}

// hashWindow computes one window's lines, in order, with Ln set to the
// line's index relative to the start of the window (0-based). The caller
// adds the window's starting global line number once windows are emitted
// in order.
func hashWindow(mf *filemap.File, w window, opts Options) (windowResult, error) {
	var res windowResult
	var rel uint64
	mf.LineRanges(w.start, w.end, func(lr filemap.LineRange) bool {
		line := mf.Bytes()[lr.Start:lr.End]
		if opts.StripCR && len(line) > 0 && line[len(line)-1] == '\r' {
			line = line[:len(line)-1]
		}
		res.lines = append(res.lines, record.Hash{
			H:   xxh3.Hash(line),
			Off: uint64(lr.Start),
			Ln:  rel,
		})
		rel++
		return true
	})
	res.bytes = w.end - w.start
	return res, nil
}

// Stream hashes every line of mf and delivers the resulting records, in
// original file order, on the returned channel. The returned error channel
// receives at most one error and is closed after the result channel is
// closed. ctx cancellation stops outstanding workers promptly.
func Stream(ctx context.Context, mf *filemap.File, opts Options) (<-chan record.Hash, <-chan error) {
	opts = opts.withDefaults()
	out := make(chan record.Hash, 1024)
	errc := make(chan error, 1)

	ws := windows(mf.Len(), opts.ChunkSize)
	n := len(ws)
	if n == 0 {
		close(out)
		close(errc)
		return out, errc
	}

	numWorkers := opts.Workers
	if opts.SingleThread {
		numWorkers = 1
	}
	if numWorkers > n {
		numWorkers = n
	}

	go func() {
		defer close(out)
		defer close(errc)

		results := make([]windowResult, n)
		done := make([]chan struct{}, n)
		for i := range done {
			done[i] = make(chan struct{})
		}

		jobs := make(chan int, n)
		for i := 0; i < n; i++ {
			jobs <- i
		}
		close(jobs)

		g, gctx := errgroup.WithContext(ctx)
		for wk := 0; wk < numWorkers; wk++ {
			g.Go(func() error {
				for idx := range jobs {
					select {
					case <-gctx.Done():
						return gctx.Err()
					default:
					}
					res, err := hashWindow(mf, ws[idx], opts)
					if err != nil {
						return err
					}
					results[idx] = res
					close(done[idx])
				}
				return nil
			})
		}

		emitErr := make(chan error, 1)
		go func() {
			var lineNo uint64
			for idx := 0; idx < n; idx++ {
				select {
				case <-done[idx]:
				case <-gctx.Done():
					emitErr <- gctx.Err()
					return
				}
				res := results[idx]
				for _, rec := range res.lines {
					if opts.WithLineNumbers {
						rec.Ln += lineNo + 1
						rec.HasLn = true
					} else {
						rec.Ln = 0
						rec.HasLn = false
					}
					select {
					case out <- rec:
					case <-gctx.Done():
						emitErr <- gctx.Err()
						return
					}
				}
				lineNo += uint64(len(res.lines))
				if opts.OnProgress != nil {
					opts.OnProgress(res.bytes)
				}
			}
			emitErr <- nil
		}()

		// Wait for the emitter before g.Wait: Wait cancels gctx on return,
		// which would otherwise race the emitter's selects on gctx.Done.
		emErr := <-emitErr
		workErr := g.Wait()
		if workErr != nil {
			errc <- workErr
		} else if emErr != nil {
			errc <- emErr
		}
	}()

	return out, errc
}
