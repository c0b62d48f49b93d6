// Command bigdiff drives the line-comparison engine against two files on
// disk and prints, for each, the lines left unmatched by the other. Unless
// -ignore_occurrences is set, surplus repeats of a line that also appears
// in the other file count as unmatched.
//
// Quick start:
//
//	bigdiff -a left.txt -b right.txt
//	bigdiff -a left.txt -b right.txt -external_sort -workers 8
//	bigdiff -a left.txt -b right.txt -ignore_occurrences
//
// This binary exists to exercise internal/pipeline end to end; the file
// picker, result rendering, and options persistence that a desktop shell
// would normally provide are out of scope here.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"bigdiff/internal/config"
	"bigdiff/internal/events"
	"bigdiff/internal/pipeline"
)

func main() {
	cfg := config.Load()
	if cfg.PathA == "" || cfg.PathB == "" {
		fmt.Fprintln(os.Stderr, "bigdiff: -a and -b are required")
		flag.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sink := events.NewSerializingSink(&cliSink{})

	req := pipeline.Request{
		PathA: cfg.PathA,
		PathB: cfg.PathB,
		Options: pipeline.Options{
			UseExternalSort:   cfg.UseExternalSort,
			IgnoreOccurrences: cfg.IgnoreOccurrences,
			UseSingleThread:   cfg.UseSingleThread,
			IgnoreLineNumber:  cfg.IgnoreLineNumber,
			PrimaryKeyRegex:   cfg.PrimaryKeyRegex,
			ChunkSize:         int64(cfg.ChunkSizeBytes),
			BatchRecords:      cfg.BatchRecords,
			Workers:           cfg.Workers,
		},
	}

	done := make(chan struct{})
	var failed atomic.Bool
	finishSink := &finishTracker{inner: sink, done: done, failed: &failed}

	cancel := pipeline.StartComparison(ctx, req, finishSink)
	defer cancel()

	<-done
	if failed.Load() {
		os.Exit(1)
	}
}

// cliSink prints events to stdout/stderr. It does not need its own
// synchronization: main wraps it in events.NewSerializingSink.
type cliSink struct{}

func (cliSink) OnProgress(p events.Progress) {
	fmt.Fprintf(os.Stderr, "[%s] %3d%% %s\n", p.File, p.Percentage, p.Text)
}

func (cliSink) OnUniqueLine(u events.UniqueLine) {
	if u.LineNumber > 0 {
		fmt.Printf("%s\t%d\t%s\n", u.File, u.LineNumber, u.Text)
	} else {
		fmt.Printf("%s\t-\t%s\n", u.File, u.Text)
	}
}

func (cliSink) OnStepCompleted(s events.StepCompleted) {
	fmt.Fprintf(os.Stderr, "[step] %s took %dms\n", s.Step, s.DurationMS)
}

func (cliSink) OnError(e events.Error) {
	fmt.Fprintf(os.Stderr, "bigdiff: %s: %s\n", e.Kind, e.Message)
}

func (cliSink) OnComparisonFinished(events.ComparisonFinished) {}

// finishTracker wraps another sink purely to let main() block until
// OnComparisonFinished and learn whether the run ended in error.
type finishTracker struct {
	inner  events.Sink
	done   chan struct{}
	failed *atomic.Bool
}

func (t *finishTracker) OnProgress(p events.Progress)           { t.inner.OnProgress(p) }
func (t *finishTracker) OnUniqueLine(u events.UniqueLine)       { t.inner.OnUniqueLine(u) }
func (t *finishTracker) OnStepCompleted(s events.StepCompleted) { t.inner.OnStepCompleted(s) }
func (t *finishTracker) OnError(e events.Error) {
	t.failed.Store(true)
	t.inner.OnError(e)
}
func (t *finishTracker) OnComparisonFinished(c events.ComparisonFinished) {
	t.inner.OnComparisonFinished(c)
	close(t.done)
}
