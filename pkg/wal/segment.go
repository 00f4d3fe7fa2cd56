package wal

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"ariesdb/internal/dberror"
	"ariesdb/pkg/primitives"
)

const segmentPrefix = "wal-"
const segmentSuffix = ".log"

func segmentName(seq uint64) string {
	return fmt.Sprintf("%s%020d%s", segmentPrefix, seq, segmentSuffix)
}

func segmentPath(dir string, seq uint64) string {
	return filepath.Join(dir, segmentName(seq))
}

// segmentMeta records one on-disk WAL segment's sequence number and path.
// listSegments does not fill in startLSN; truncation reads each
// segment's highest LSN (segmentMaxLSN) instead and drops whole segment
// files older than the boundary rather than rewriting a single log file.
type segmentMeta struct {
	seq      uint64
	path     string
	startLSN primitives.LSN
}

func listSegments(dir string) ([]segmentMeta, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, dberror.Wrap(err, dberror.KindPermanent, dberror.CodeIO, "listSegments", "WAL")
	}
	var segs []segmentMeta
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, segmentPrefix) || !strings.HasSuffix(name, segmentSuffix) {
			continue
		}
		numStr := strings.TrimSuffix(strings.TrimPrefix(name, segmentPrefix), segmentSuffix)
		seq, err := strconv.ParseUint(numStr, 10, 64)
		if err != nil {
			continue
		}
		segs = append(segs, segmentMeta{seq: seq, path: filepath.Join(dir, name)})
	}
	sort.Slice(segs, func(i, j int) bool { return segs[i].seq < segs[j].seq })
	return segs, nil
}
