package index

import (
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/obsforge/calibra/internal/obs"
)

// Archive writes a gzip snapshot of the index in its on-disk format,
// rendered from the in-memory rows. Used when a per-run index is rolled
// up at the end of a reduction run.
func (ix *Index) Archive(w io.Writer) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if err := ix.reloadIfStale(); err != nil {
		return err
	}

	zw := gzip.NewWriter(w)
	if _, err := fmt.Fprintln(zw, strings.Join(append([]string{"KEY"}, ix.columns...), " ")); err != nil {
		zw.Close()
		return err
	}
	for _, e := range ix.entries {
		fields := make([]string, 0, len(ix.columns)+1)
		fields = append(fields, e.Key)
		for _, col := range ix.columns {
			fields = append(fields, obs.AsString(e.Values[col]))
		}
		if _, err := fmt.Fprintln(zw, strings.Join(fields, " ")); err != nil {
			zw.Close()
			return err
		}
	}
	return zw.Close()
}
