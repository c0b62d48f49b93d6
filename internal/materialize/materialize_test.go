package materialize

import (
	"context"
	"os"
	"path/filepath"
	"testing"

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

func feed(recs []record.Hash) <-chan record.Hash {
	ch := make(chan record.Hash, len(recs))
	for _, r := range recs {
		ch <- r
	}
	close(ch)
	return ch
}

func TestCollectOrdersByOffsetAndStripsCR(t *testing.T) {
	f := openTemp(t, "alpha\r\nbeta\r\ngamma\r\n")
	// alpha: off 0, beta: off 7, gamma: off 13 -- delivered out of order.
	in := feed([]record.Hash{
		{Off: 13, Ln: 3, HasLn: true},
		{Off: 0, Ln: 1, HasLn: true},
		{Off: 7, Ln: 2, HasLn: true},
	})

	out, errc := Collect(context.Background(), record.SideA, f, in, true)
	var got []string
	for ev := range out {
		got = append(got, ev.Text)
	}
	if err := <-errc; err != nil {
		t.Fatalf("Collect error: %v", err)
	}

	want := []string{"alpha", "beta", "gamma"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("line %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestCollectSuppressesLineNumberWhenDisabled(t *testing.T) {
	f := openTemp(t, "only\n")
	in := feed([]record.Hash{{Off: 0, Ln: 1, HasLn: true}})

	out, errc := Collect(context.Background(), record.SideB, f, in, false)
	var ln uint64 = 99
	for ev := range out {
		ln = ev.LineNumber
	}
	if err := <-errc; err != nil {
		t.Fatalf("Collect error: %v", err)
	}
	if ln != 0 {
		t.Errorf("LineNumber = %d, want 0 when withLineNumbers is false", ln)
	}
}

func TestLineAtHandlesFinalLineWithoutNewline(t *testing.T) {
	data := []byte("first\nsecond")
	if got := lineAt(data, 6); got != "second" {
		t.Errorf("lineAt = %q, want %q", got, "second")
	}
}

func TestLineAtReplacesInvalidUTF8(t *testing.T) {
	data := []byte("a\xffb\n")
	got := lineAt(data, 0)
	if got == "a\xffb" {
		t.Errorf("expected invalid UTF-8 to be substituted, got raw bytes back")
	}
}
