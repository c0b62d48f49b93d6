// Package merge walks two sorted hash streams in lock-step, producing the
// records unique to each side. Equal-hash runs are grouped and resolved
// according to the active multiplicity policy before either stream
// advances past them.
package merge

import (
	"context"

	"bigdiff/internal/record"
)

// Config tunes how equal-hash groups are resolved.
type Config struct {
	// IgnoreOccurrences: when true, any hash present on both sides cancels
	// entirely regardless of how many times it repeats on either side.
	IgnoreOccurrences bool

	// VerifyOnCollision, when true, re-reads candidate matched lines and
	// only treats them as equal if their bytes match, splitting false
	// positives (distinct lines sharing a hash) back into surplus. Disabled
	// by default: the base algorithm treats hash equality as line equality.
	VerifyOnCollision bool
	ReadLineA         func(off uint64) []byte
	ReadLineB         func(off uint64) []byte
}

// Compare consumes sa and sb (each assumed sorted non-decreasing by H, with
// stable ties) to completion and delivers the records unique to each side
// on the two returned channels. At most one error is sent on the error
// channel; all three channels are closed once the merge finishes or fails.
func Compare(ctx context.Context, sa, sb <-chan record.Hash, cfg Config) (<-chan record.Hash, <-chan record.Hash, <-chan error) {
	ua := make(chan record.Hash, 256)
	ub := make(chan record.Hash, 256)
	errc := make(chan error, 1)

	go func() {
		defer close(ua)
		defer close(ub)
		defer close(errc)

		curA, okA, err := recv(ctx, sa)
		if err != nil {
			errc <- err
			return
		}
		curB, okB, err := recv(ctx, sb)
		if err != nil {
			errc <- err
			return
		}

		emit := func(ch chan<- record.Hash, rec record.Hash) bool {
			select {
			case ch <- rec:
				return true
			case <-ctx.Done():
				return false
			}
		}

		for okA && okB {
			switch {
			case curA.H < curB.H:
				if !emit(ua, curA) {
					errc <- ctx.Err()
					return
				}
				curA, okA, err = recv(ctx, sa)
			case curA.H > curB.H:
				if !emit(ub, curB) {
					errc <- ctx.Err()
					return
				}
				curB, okB, err = recv(ctx, sb)
			default:
				h := curA.H
				groupA := []record.Hash{curA}
				curA, okA, err = recv(ctx, sa)
				for err == nil && okA && curA.H == h {
					groupA = append(groupA, curA)
					curA, okA, err = recv(ctx, sa)
				}
				if err != nil {
					break
				}
				groupB := []record.Hash{curB}
				curB, okB, err = recv(ctx, sb)
				for err == nil && okB && curB.H == h {
					groupB = append(groupB, curB)
					curB, okB, err = recv(ctx, sb)
				}
				if err != nil {
					break
				}
				if !resolveGroup(ctx, groupA, groupB, cfg, ua, ub) {
					err = ctx.Err()
				}
			}
			if err != nil {
				errc <- err
				return
			}
		}

		for okA {
			if !emit(ua, curA) {
				errc <- ctx.Err()
				return
			}
			curA, okA, err = recv(ctx, sa)
			if err != nil {
				errc <- err
				return
			}
		}
		for okB {
			if !emit(ub, curB) {
				errc <- ctx.Err()
				return
			}
			curB, okB, err = recv(ctx, sb)
			if err != nil {
				errc <- err
				return
			}
		}
	}()

	return ua, ub, errc
}

// resolveGroup decides, for one equal-hash run on each side, which records
// (if any) are surplus. Returns false if ctx was cancelled mid-emission.
func resolveGroup(ctx context.Context, groupA, groupB []record.Hash, cfg Config, ua, ub chan<- record.Hash) bool {
	emit := func(ch chan<- record.Hash, rec record.Hash) bool {
		select {
		case ch <- rec:
			return true
		case <-ctx.Done():
			return false
		}
	}

	if cfg.IgnoreOccurrences {
		return true // both groups fully cancel; nothing to emit
	}

	if cfg.VerifyOnCollision && cfg.ReadLineA != nil && cfg.ReadLineB != nil {
		return resolveGroupVerified(groupA, groupB, cfg, emit, ua, ub)
	}

	n := min(len(groupA), len(groupB))
	for i := n; i < len(groupA); i++ {
		if !emit(ua, groupA[i]) {
			return false
		}
	}
	for i := n; i < len(groupB); i++ {
		if !emit(ub, groupB[i]) {
			return false
		}
	}
	return true
}

// resolveGroupVerified pairs records only when their actual line bytes
// match, rather than trusting the hash alone. It greedily pairs the first
// unconsumed A record with the first unconsumed B record whose bytes are
// equal; anything left over on either side is surplus.
func resolveGroupVerified(groupA, groupB []record.Hash, cfg Config, emit func(chan<- record.Hash, record.Hash) bool, ua, ub chan<- record.Hash) bool {
	usedB := make([]bool, len(groupB))
	for _, a := range groupA {
		matched := false
		lineA := cfg.ReadLineA(a.Off)
		for j, b := range groupB {
			if usedB[j] {
				continue
			}
			if string(lineA) == string(cfg.ReadLineB(b.Off)) {
				usedB[j] = true
				matched = true
				break
			}
		}
		if !matched {
			if !emit(ua, a) {
				return false
			}
		}
	}
	for j, b := range groupB {
		if !usedB[j] {
			if !emit(ub, b) {
				return false
			}
		}
	}
	return true
}

func recv(ctx context.Context, ch <-chan record.Hash) (record.Hash, bool, error) {
	select {
	case rec, ok := <-ch:
		return rec, ok, nil
	case <-ctx.Done():
		return record.Hash{}, false, ctx.Err()
	}
}
