// Package materialize turns surplus hash records back into the actual line
// text the caller wants to see, reading through the same memory-mapped
// file the hasher used.
package materialize

import (
	"bytes"
	"context"
	"slices"
	"strings"

	"bigdiff/internal/events"
	"bigdiff/internal/filemap"
	"bigdiff/internal/record"
)

// Collect drains in, reading each record's line text from mf, and delivers
// one events.UniqueLine per record on the returned channel, ordered by
// ascending byte offset (not necessarily the order records arrived in,
// since C4 delivers them in merge order).
func Collect(ctx context.Context, side record.Side, mf *filemap.File, in <-chan record.Hash, withLineNumbers bool) (<-chan events.UniqueLine, <-chan error) {
	out := make(chan events.UniqueLine, 256)
	errc := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errc)

		var recs []record.Hash
	drain:
		for {
			select {
			case rec, ok := <-in:
				if !ok {
					break drain
				}
				recs = append(recs, rec)
			case <-ctx.Done():
				errc <- ctx.Err()
				return
			}
		}

		slices.SortFunc(recs, func(a, b record.Hash) int {
			switch {
			case a.Off < b.Off:
				return -1
			case a.Off > b.Off:
				return 1
			default:
				return 0
			}
		})

		data := mf.Bytes()
		for _, rec := range recs {
			text := lineAt(data, int64(rec.Off))
			var ln uint64
			if withLineNumbers && rec.HasLn {
				ln = rec.Ln
			}
			select {
			case out <- events.UniqueLine{File: side, LineNumber: ln, Text: text}:
			case <-ctx.Done():
				errc <- ctx.Err()
				return
			}
		}
	}()

	return out, errc
}

// lineAt extracts the line starting at off, up to (excluding) the next LF
// or EOF, strips a trailing CR, and lossily decodes it as UTF-8.
func lineAt(data []byte, off int64) string {
	rest := data[off:]
	end := bytes.IndexByte(rest, '\n')
	var line []byte
	if end < 0 {
		line = rest
	} else {
		line = rest[:end]
	}
	if len(line) > 0 && line[len(line)-1] == '\r' {
		line = line[:len(line)-1]
	}
	return strings.ToValidUTF8(string(line), "�")
}
