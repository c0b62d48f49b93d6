// Package pipeline wires the file mapper, line hasher, record sorter,
// merge-compare, and materializer stages into one comparison run, owning
// concurrency mode, progress reporting, stage timing, and cancellation.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"bigdiff/internal/events"
	"bigdiff/internal/filemap"
	"bigdiff/internal/linehash"
	"bigdiff/internal/materialize"
	"bigdiff/internal/merge"
	"bigdiff/internal/record"
	"bigdiff/internal/recordsort"
	"bigdiff/internal/tempdir"
)

// sortFn performs C3 (record sort). It is a var, not a direct call to
// recordsort.Sort, so tests can substitute a faulty implementation to
// exercise the invariant checks in hashAndSort's wait function.
var sortFn = recordsort.Sort

// progressInterval bounds how often a given file's progress is reported;
// it is a reporting cadence, not a correctness requirement.
const progressInterval = 250 * time.Millisecond

// Options mirrors the comparison request's tunable behavior.
type Options struct {
	UseExternalSort   bool
	IgnoreOccurrences bool
	UseSingleThread   bool
	IgnoreLineNumber  bool
	PrimaryKeyRegex   string // forwarded, never interpreted by the engine

	// VerifyOnCollision re-reads candidate matched lines on a hash match and
	// only treats them as equal if their bytes match. Off by default.
	VerifyOnCollision bool

	ChunkSize    int64 // 0 uses linehash.DefaultChunkSize
	BatchRecords int   // 0 uses recordsort.DefaultBatchRecords
	Workers      int   // 0 uses runtime.GOMAXPROCS(0)
}

// Request names the two files to compare and how to compare them.
type Request struct {
	PathA, PathB string
	Options      Options
}

// StartComparison launches a comparison run on a background goroutine and
// returns immediately. sink receives every event up to and including
// exactly one OnComparisonFinished call. The returned cancel function
// requests early termination; calling it more than once is safe.
func StartComparison(ctx context.Context, req Request, sink events.Sink) func() {
	runCtx, cancel := context.WithCancel(ctx)
	go run(runCtx, req, sink)
	return cancel
}

func run(ctx context.Context, req Request, sink events.Sink) {
	defer sink.OnComparisonFinished(events.ComparisonFinished{})

	mfA, err := filemap.Open(req.PathA)
	if err != nil {
		sink.OnError(events.Error{Kind: classifyOpenErr(err), Message: err.Error()})
		return
	}
	defer mfA.Close()

	mfB, err := filemap.Open(req.PathB)
	if err != nil {
		sink.OnError(events.Error{Kind: classifyOpenErr(err), Message: err.Error()})
		return
	}
	defer mfB.Close()

	var dir *tempdir.Dir
	if req.Options.UseExternalSort {
		dir, err = tempdir.New()
		if err != nil {
			sink.OnError(events.Error{Kind: events.ErrKindSpill, Message: err.Error()})
			return
		}
		defer dir.Close()
	}

	errCtx, abort := context.WithCancel(ctx)
	defer abort()

	errs := &errOnce{}
	abortOnErr := func(err error) {
		if err != nil {
			errs.set(err)
			abort()
		}
	}

	var sortedA, sortedB <-chan record.Hash
	var wg sync.WaitGroup

	if req.Options.UseSingleThread {
		// Run A's hash+sort entirely, then B's, so at most one file's pages
		// are hot at a time. The compact 32-byte-per-line record buffer
		// this requires is a deliberate, bounded tradeoff against holding
		// both files' page cache working sets simultaneously.
		chA, waitA := hashAndSort(errCtx, mfA, record.SideA, req.Options, dir, sink)
		bufA, drainErrA := drain(errCtx, chA)
		abortOnErr(waitA())
		abortOnErr(drainErrA)
		sortedA = replay(errCtx, bufA)

		chB, waitB := hashAndSort(errCtx, mfB, record.SideB, req.Options, dir, sink)
		bufB, drainErrB := drain(errCtx, chB)
		abortOnErr(waitB())
		abortOnErr(drainErrB)
		sortedB = replay(errCtx, bufB)
	} else {
		var waitA, waitB func() error
		sortedA, waitA = hashAndSort(errCtx, mfA, record.SideA, req.Options, dir, sink)
		sortedB, waitB = hashAndSort(errCtx, mfB, record.SideB, req.Options, dir, sink)

		wg.Add(2)
		go func() { defer wg.Done(); abortOnErr(waitA()) }()
		go func() { defer wg.Done(); abortOnErr(waitB()) }()
	}

	mergeCfg := merge.Config{
		IgnoreOccurrences: req.Options.IgnoreOccurrences,
		VerifyOnCollision: req.Options.VerifyOnCollision,
	}
	if req.Options.VerifyOnCollision {
		mergeCfg.ReadLineA = func(off uint64) []byte { return lineBytesAt(mfA, off) }
		mergeCfg.ReadLineB = func(off uint64) []byte { return lineBytesAt(mfB, off) }
	}

	mergeStart := time.Now()
	uaCh, ubCh, mergeErrc := merge.Compare(errCtx, sortedA, sortedB, mergeCfg)

	eventsA, collectErrcA := materialize.Collect(errCtx, record.SideA, mfA, uaCh, !req.Options.IgnoreLineNumber)
	eventsB, collectErrcB := materialize.Collect(errCtx, record.SideB, mfB, ubCh, !req.Options.IgnoreLineNumber)

	wg.Add(3)
	go func() {
		defer wg.Done()
		abortOnErr(<-mergeErrc)
		sink.OnStepCompleted(events.StepCompleted{Step: "Merge", DurationMS: time.Since(mergeStart).Milliseconds()})
	}()
	go func() {
		defer wg.Done()
		start := time.Now()
		for ev := range eventsA {
			sink.OnUniqueLine(ev)
		}
		sink.OnStepCompleted(events.StepCompleted{Step: "Collect A", DurationMS: time.Since(start).Milliseconds()})
		abortOnErr(<-collectErrcA)
	}()
	go func() {
		defer wg.Done()
		start := time.Now()
		for ev := range eventsB {
			sink.OnUniqueLine(ev)
		}
		sink.OnStepCompleted(events.StepCompleted{Step: "Collect B", DurationMS: time.Since(start).Milliseconds()})
		abortOnErr(<-collectErrcB)
	}()

	wg.Wait()

	if err := errs.get(); err != nil {
		if errors.Is(err, context.Canceled) {
			sink.OnError(events.Error{Kind: events.ErrKindCancelled, Message: err.Error()})
		} else {
			sink.OnError(events.Error{Kind: classifyPipelineErr(err), Message: err.Error()})
		}
	}
}

// hashAndSort runs the hashing and sorting stages for one file, reporting
// progress and per-stage timing to sink. The returned wait function blocks
// until both stages have finished (successfully or not) and returns the
// first error encountered.
func hashAndSort(ctx context.Context, mf *filemap.File, side record.Side, opts Options, dir *tempdir.Dir, sink events.Sink) (<-chan record.Hash, func() error) {
	total := mf.Len()
	var mu sync.Mutex
	var processed int64
	var lastEmit time.Time

	onProgress := func(delta int64) {
		mu.Lock()
		processed += delta
		p := processed
		now := time.Now()
		shouldEmit := now.Sub(lastEmit) >= progressInterval || p >= total
		if shouldEmit {
			lastEmit = now
		}
		mu.Unlock()
		if !shouldEmit {
			return
		}
		pct := 0
		if total > 0 {
			pct = int(p * 100 / total)
		}
		if pct > 100 {
			pct = 100
		}
		sink.OnProgress(events.Progress{
			File:       side,
			Percentage: pct,
			Text:       fmt.Sprintf("%s / %s hashed", humanize.Bytes(uint64(p)), humanize.Bytes(uint64(total))),
		})
	}

	hashStart := time.Now()
	hashCh, hashErrc := linehash.Stream(ctx, mf, linehash.Options{
		ChunkSize:       opts.ChunkSize,
		Workers:         opts.Workers,
		SingleThread:    opts.UseSingleThread,
		WithLineNumbers: !opts.IgnoreLineNumber,
		StripCR:         true,
		OnProgress:      onProgress,
	})

	// Tap the stream on both sides of C3 so the invariant that sorting
	// neither drops, duplicates, nor misorders records can be checked once
	// both stages finish, without either tap ever blocking a stalled
	// consumer past ctx cancellation.
	countedHashCh, hashEmitCount := countPassthrough(ctx, hashCh)

	sortedCh, sortErrc := sortFn(ctx, countedHashCh, recordsort.Options{
		UseExternal:  opts.UseExternalSort,
		BatchRecords: opts.BatchRecords,
		Dir:          dir,
	})
	countedSortedCh, sortOutStats := instrumentedSortOutput(ctx, sortedCh)

	hashStep := "Hash " + side.String()
	sortStep := "Sort " + side.String()

	wait := func() error {
		herr := <-hashErrc
		sink.OnStepCompleted(events.StepCompleted{Step: hashStep, DurationMS: time.Since(hashStart).Milliseconds()})
		if herr == nil {
			sink.OnProgress(events.Progress{File: side, Percentage: 100, Text: "hashed"})
		}

		sortStart := time.Now()
		serr := <-sortErrc
		sink.OnStepCompleted(events.StepCompleted{Step: sortStep, DurationMS: time.Since(sortStart).Milliseconds()})

		if herr != nil {
			return herr
		}
		if serr != nil {
			return serr
		}

		inCount := hashEmitCount()
		outCount, sorted := sortOutStats()
		if err := checkSortInvariant(side, inCount, outCount, sorted); err != nil {
			log.Printf("INTERNAL: %v", err)
			return err
		}
		return nil
	}

	return countedSortedCh, wait
}

// countPassthrough forwards every record from in to the returned channel
// unchanged, counting them as they pass. The returned function blocks
// until in is fully drained and closed, then reports the count.
func countPassthrough(ctx context.Context, in <-chan record.Hash) (<-chan record.Hash, func() int64) {
	out := make(chan record.Hash, 1024)
	var n int64
	done := make(chan struct{})
	go func() {
		defer close(out)
		defer close(done)
		for rec := range in {
			n++
			select {
			case out <- rec:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, func() int64 {
		<-done
		return n
	}
}

// instrumentedSortOutput forwards every record from in unchanged, counting
// them and tracking whether H is non-decreasing across the whole stream.
// The returned function blocks until in is fully drained and closed.
func instrumentedSortOutput(ctx context.Context, in <-chan record.Hash) (<-chan record.Hash, func() (count int64, sorted bool)) {
	out := make(chan record.Hash, 1024)
	var n int64
	sorted := true
	var last uint64
	first := true
	done := make(chan struct{})
	go func() {
		defer close(out)
		defer close(done)
		for rec := range in {
			n++
			if !first && rec.H < last {
				sorted = false
			}
			last = rec.H
			first = false
			select {
			case out <- rec:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, func() (int64, bool) {
		<-done
		return n, sorted
	}
}

// invariantError marks a violated internal pipeline invariant (record
// counts or sort order), as opposed to an I/O, spill, or cancellation
// failure.
type invariantError struct{ msg string }

func (e *invariantError) Error() string { return e.msg }

// checkSortInvariant verifies that C3 (record sort) neither dropped nor
// duplicated records and left its output non-decreasing by hash.
func checkSortInvariant(side record.Side, inCount, outCount int64, sorted bool) error {
	if inCount != outCount {
		return &invariantError{msg: fmt.Sprintf(
			"%s: record-count invariant violated: %d records entered sort, %d emerged", side, inCount, outCount)}
	}
	if !sorted {
		return &invariantError{msg: fmt.Sprintf(
			"%s: sort-order invariant violated: sorted output is not non-decreasing by hash", side)}
	}
	return nil
}

func lineBytesAt(mf *filemap.File, off uint64) []byte {
	data := mf.Bytes()
	rest := data[off:]
	end := 0
	for end < len(rest) && rest[end] != '\n' {
		end++
	}
	line := rest[:end]
	if len(line) > 0 && line[len(line)-1] == '\r' {
		line = line[:len(line)-1]
	}
	return line
}

// drain collects ch into a slice, respecting cancellation.
func drain(ctx context.Context, ch <-chan record.Hash) ([]record.Hash, error) {
	var out []record.Hash
	for {
		select {
		case rec, ok := <-ch:
			if !ok {
				return out, nil
			}
			out = append(out, rec)
		case <-ctx.Done():
			return out, ctx.Err()
		}
	}
}

// replay re-delivers a slice through a closed-at-completion channel, used
// to feed an already-sorted, fully-buffered side into the merge stage under
// single-threaded scheduling. It stops early if ctx is cancelled, so an
// abort triggered elsewhere in the pipeline can't leave this goroutine
// blocked forever on a downstream consumer that has stopped reading.
func replay(ctx context.Context, recs []record.Hash) <-chan record.Hash {
	out := make(chan record.Hash, 1024)
	go func() {
		defer close(out)
		for _, r := range recs {
			select {
			case out <- r:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func classifyOpenErr(err error) events.ErrKind {
	var pe *filemap.PathError
	if errors.As(err, &pe) {
		return events.ErrKindPath
	}
	return events.ErrKindIO
}

func classifyPipelineErr(err error) events.ErrKind {
	var pe *filemap.PathError
	if errors.As(err, &pe) {
		return events.ErrKindPath
	}
	var ie *invariantError
	if errors.As(err, &ie) {
		return events.ErrKindInternal
	}
	// Check out-of-memory before the generic spill prefix: both error
	// strings start with "recordsort:", but OOM is more specific.
	if isOOMErr(err) {
		return events.ErrKindOutOfMemory
	}
	if isSpillErr(err) {
		return events.ErrKindSpill
	}
	return events.ErrKindIO
}

func isSpillErr(err error) bool {
	msg := err.Error()
	return len(msg) >= 11 && msg[:11] == "recordsort:"
}

func isOOMErr(err error) bool {
	msg := err.Error()
	return containsOOM(msg)
}

func containsOOM(s string) bool {
	const needle = "out of memory"
	for i := 0; i+len(needle) <= len(s); i++ {
		if s[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}

// errOnce records the first non-nil error it sees and ignores the rest.
type errOnce struct {
	mu  sync.Mutex
	err error
}

func (e *errOnce) set(err error) {
	if err == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err == nil {
		e.err = err
	}
}

func (e *errOnce) get() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}
