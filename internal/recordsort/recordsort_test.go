package recordsort

import (
	"context"
	"testing"

	"bigdiff/internal/record"
	"bigdiff/internal/tempdir"
)

func feed(recs []record.Hash) <-chan record.Hash {
	ch := make(chan record.Hash, len(recs))
	for _, r := range recs {
		ch <- r
	}
	close(ch)
	return ch
}

func collect(t *testing.T, out <-chan record.Hash, errc <-chan error) []record.Hash {
	t.Helper()
	var got []record.Hash
	for r := range out {
		got = append(got, r)
	}
	if err := <-errc; err != nil {
		t.Fatalf("Sort error: %v", err)
	}
	return got
}

func assertSortedStable(t *testing.T, in, got []record.Hash) {
	t.Helper()
	if len(got) != len(in) {
		t.Fatalf("got %d records, want %d", len(got), len(in))
	}
	for i := 1; i < len(got); i++ {
		if got[i-1].H > got[i].H {
			t.Fatalf("not sorted at %d: %d > %d", i, got[i-1].H, got[i].H)
		}
	}
	// Stability: within each equal-H run, Off must appear in the same
	// relative order it had in the input.
	byOff := map[uint64][]uint64{}
	for _, r := range in {
		byOff[r.H] = append(byOff[r.H], r.Off)
	}
	gotByOff := map[uint64][]uint64{}
	for _, r := range got {
		gotByOff[r.H] = append(gotByOff[r.H], r.Off)
	}
	for h, want := range byOff {
		gotOffs := gotByOff[h]
		if len(gotOffs) != len(want) {
			t.Fatalf("hash %d: got %d offsets, want %d", h, len(gotOffs), len(want))
		}
		for i := range want {
			if gotOffs[i] != want[i] {
				t.Errorf("hash %d tie-order[%d] = %d, want %d", h, i, gotOffs[i], want[i])
			}
		}
	}
}

func sampleRecords() []record.Hash {
	return []record.Hash{
		{H: 5, Off: 0},
		{H: 3, Off: 1},
		{H: 5, Off: 2},
		{H: 1, Off: 3},
		{H: 3, Off: 4},
		{H: 5, Off: 5},
	}
}

func TestSortInMemory(t *testing.T) {
	in := sampleRecords()
	out, errc := Sort(context.Background(), feed(in), Options{UseExternal: false})
	got := collect(t, out, errc)
	assertSortedStable(t, in, got)
}

func TestSortExternalSingleBatch(t *testing.T) {
	dir, err := tempdir.New()
	if err != nil {
		t.Fatalf("tempdir.New: %v", err)
	}
	defer dir.Close()

	in := sampleRecords()
	out, errc := Sort(context.Background(), feed(in), Options{
		UseExternal:  true,
		BatchRecords: 100, // larger than input: exactly one run file
		Dir:          dir,
	})
	got := collect(t, out, errc)
	assertSortedStable(t, in, got)
}

func TestSortExternalMultipleRuns(t *testing.T) {
	dir, err := tempdir.New()
	if err != nil {
		t.Fatalf("tempdir.New: %v", err)
	}
	defer dir.Close()

	var in []record.Hash
	for i := 0; i < 97; i++ {
		in = append(in, record.Hash{H: uint64((97 - i) % 13), Off: uint64(i)})
	}

	out, errc := Sort(context.Background(), feed(in), Options{
		UseExternal:  true,
		BatchRecords: 10, // forces ~10 run files and a real k-way merge
		Dir:          dir,
	})
	got := collect(t, out, errc)
	assertSortedStable(t, in, got)
}

func TestSortExternalEmptyInput(t *testing.T) {
	dir, err := tempdir.New()
	if err != nil {
		t.Fatalf("tempdir.New: %v", err)
	}
	defer dir.Close()

	out, errc := Sort(context.Background(), feed(nil), Options{UseExternal: true, BatchRecords: 10, Dir: dir})
	got := collect(t, out, errc)
	if len(got) != 0 {
		t.Errorf("got %d records for empty input, want 0", len(got))
	}
}
