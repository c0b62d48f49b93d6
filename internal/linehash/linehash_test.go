package linehash

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/zeebo/xxh3"

	"bigdiff/internal/filemap"
	"bigdiff/internal/record"
)

func openTemp(t *testing.T, contents string) *filemap.File {
	t.Helper()
	path := filepath.Join(t.TempDir(), "input.txt")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	f, err := filemap.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { f.Close() })
	return f
}

func collect(t *testing.T, out <-chan record.Hash, errc <-chan error) []record.Hash {
	t.Helper()
	var got []record.Hash
	for rec := range out {
		got = append(got, rec)
	}
	if err := <-errc; err != nil {
		t.Fatalf("Stream error: %v", err)
	}
	return got
}

func TestStreamOrdersLinesAndHashesCorrectly(t *testing.T) {
	lines := []string{"alpha", "beta", "gamma", "delta"}
	content := ""
	for _, l := range lines {
		content += l + "\n"
	}
	f := openTemp(t, content)

	out, errc := Stream(context.Background(), f, Options{
		ChunkSize:       5, // force many small windows
		Workers:         4,
		WithLineNumbers: true,
	})
	got := collect(t, out, errc)

	if len(got) != len(lines) {
		t.Fatalf("got %d records, want %d", len(got), len(lines))
	}
	for i, l := range lines {
		want := xxh3.Hash([]byte(l))
		if got[i].H != want {
			t.Errorf("line %d: hash = %x, want %x", i, got[i].H, want)
		}
		if !got[i].HasLn || got[i].Ln != uint64(i+1) {
			t.Errorf("line %d: Ln = %d (HasLn=%v), want %d", i, got[i].Ln, got[i].HasLn, i+1)
		}
	}
}

func TestStreamWithoutLineNumbers(t *testing.T) {
	f := openTemp(t, "a\nb\nc\n")
	out, errc := Stream(context.Background(), f, Options{WithLineNumbers: false})
	got := collect(t, out, errc)

	for _, rec := range got {
		if rec.HasLn {
			t.Errorf("HasLn = true, want false when WithLineNumbers is off")
		}
	}
}

func TestStreamSingleThreadMatchesParallel(t *testing.T) {
	content := ""
	for i := 0; i < 500; i++ {
		content += "line-content-here\n"
	}
	f := openTemp(t, content)

	outP, errcP := Stream(context.Background(), f, Options{ChunkSize: 64, Workers: 8, WithLineNumbers: true})
	gotP := collect(t, outP, errcP)

	outS, errcS := Stream(context.Background(), f, Options{ChunkSize: 64, SingleThread: true, WithLineNumbers: true})
	gotS := collect(t, outS, errcS)

	if len(gotP) != len(gotS) {
		t.Fatalf("parallel produced %d records, single-thread produced %d", len(gotP), len(gotS))
	}
	for i := range gotP {
		if gotP[i] != gotS[i] {
			t.Errorf("record %d differs: parallel=%+v single=%+v", i, gotP[i], gotS[i])
		}
	}
}

func TestStreamEmptyFile(t *testing.T) {
	f := openTemp(t, "")
	out, errc := Stream(context.Background(), f, Options{})
	got := collect(t, out, errc)
	if len(got) != 0 {
		t.Errorf("got %d records for empty file, want 0", len(got))
	}
}

func TestStreamProgressReachesTotalBytes(t *testing.T) {
	f := openTemp(t, "aaaaaaaaaa\nbbbbbbbbbb\ncccccccccc\n")
	var total int64
	out, errc := Stream(context.Background(), f, Options{ChunkSize: 8, Workers: 2, OnProgress: func(delta int64) {
		total += delta
	}})
	collect(t, out, errc)

	if total != f.Len() {
		t.Errorf("accumulated progress = %d, want %d", total, f.Len())
	}
}

func TestWindowsSplitBoundaries(t *testing.T) {
	ws := windows(25, 10)
	want := []window{{0, 10}, {10, 20}, {20, 25}}
	if len(ws) != len(want) {
		t.Fatalf("got %v, want %v", ws, want)
	}
	for i := range want {
		if ws[i] != want[i] {
			t.Errorf("window %d = %v, want %v", i, ws[i], want[i])
		}
	}
}

func TestSortedByOffsetWithinOutput(t *testing.T) {
	f := openTemp(t, "x\ny\nz\nw\n")
	out, errc := Stream(context.Background(), f, Options{ChunkSize: 2, Workers: 3})
	got := collect(t, out, errc)

	offs := make([]uint64, len(got))
	for i, r := range got {
		offs[i] = r.Off
	}
	if !sort.SliceIsSorted(offs, func(i, j int) bool { return offs[i] < offs[j] }) {
		t.Errorf("offsets not in ascending order: %v", offs)
	}
}
