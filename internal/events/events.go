// Package events defines the callback contract the comparison pipeline uses
// to stream results back to its caller. The pipeline itself never assumes a
// UI framework; a host adapts Sink to whatever transport it needs.
package events

import (
	"fmt"
	"sync"

	"bigdiff/internal/record"
)

// ErrKind classifies why a comparison run terminated abnormally.
type ErrKind string

const (
	ErrKindPath        ErrKind = "PathError"
	ErrKindIO          ErrKind = "IoError"
	ErrKindSpill       ErrKind = "SpillError"
	ErrKindOutOfMemory ErrKind = "OutOfMemory"
	ErrKindCancelled   ErrKind = "Cancelled"
	ErrKindInternal    ErrKind = "Internal"
)

// Progress reports how far one file's processing has advanced.
type Progress struct {
	File       record.Side
	Percentage int
	Text       string
}

// UniqueLine reports a line present in File but absent (per the active
// multiplicity policy) from the other file.
type UniqueLine struct {
	File       record.Side
	LineNumber uint64 // 0 when line numbers were suppressed
	Text       string
}

// StepCompleted reports the wall-clock duration of one named pipeline stage.
type StepCompleted struct {
	Step       string
	DurationMS int64
}

// Error reports the terminal failure of a comparison run, if any. It always
// precedes the matching ComparisonFinished event.
type Error struct {
	Kind    ErrKind
	Message string
}

func (e Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// ComparisonFinished marks the end of a run, successful or not.
type ComparisonFinished struct{}

// Sink receives pipeline events. Implementations must be safe for
// concurrent calls: events from the two files' hashing/sorting stages and
// from the merge stage can arrive on different goroutines.
type Sink interface {
	OnProgress(Progress)
	OnUniqueLine(UniqueLine)
	OnStepCompleted(StepCompleted)
	OnError(Error)
	OnComparisonFinished(ComparisonFinished)
}

// SerializingSink wraps a Sink with a mutex so callers that hand the
// pipeline a non-thread-safe sink (e.g. one writing directly to a
// non-buffered writer) don't have to reason about concurrent delivery
// themselves.
type SerializingSink struct {
	mu   sync.Mutex
	next Sink
}

// NewSerializingSink returns a Sink that forwards every call to next under a
// mutex, one at a time.
func NewSerializingSink(next Sink) *SerializingSink {
	return &SerializingSink{next: next}
}

func (s *SerializingSink) OnProgress(p Progress) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next.OnProgress(p)
}

func (s *SerializingSink) OnUniqueLine(u UniqueLine) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next.OnUniqueLine(u)
}

func (s *SerializingSink) OnStepCompleted(st StepCompleted) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next.OnStepCompleted(st)
}

func (s *SerializingSink) OnError(e Error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next.OnError(e)
}

func (s *SerializingSink) OnComparisonFinished(c ComparisonFinished) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next.OnComparisonFinished(c)
}
