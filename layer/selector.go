package layer

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/opencontainers/go-digest"
)

// selectorEntry is the canonical per-entry record hashed into a selector.
// Field names are part of the cache key format; changing them invalidates
// every existing selector.
type selectorEntry struct {
	ExtractionPath string `json:"path"`
	SourceDigest   string `json:"sourceDigest,omitempty"`
	Mode           int64  `json:"mode"`
	ModTime        int64  `json:"modTime"`
}

// Selector computes the cache key for an application layer from its inputs:
// the sorted sequence of (extraction path, source content digest,
// permissions, modification time) tuples. Identical inputs produce the same
// selector; a change to any field of any entry produces a different one.
func Selector(entries []Entry) (digest.Digest, error) {
	records := make([]selectorEntry, 0, len(entries))
	for _, entry := range entries {
		record := selectorEntry{
			ExtractionPath: entry.ExtractionPath,
			Mode:           entry.Mode,
			ModTime:        entry.ModTime.UTC().UnixNano(),
		}
		if entry.SourcePath != "" {
			dgst, err := fileDigest(entry.SourcePath)
			if err != nil {
				return "", err
			}
			record.SourceDigest = dgst.String()
		}
		records = append(records, record)
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].ExtractionPath < records[j].ExtractionPath
	})

	canonical, err := json.Marshal(records)
	if err != nil {
		return "", err
	}
	return digest.FromBytes(canonical), nil
}

func fileDigest(sourcePath string) (digest.Digest, error) {
	fi, err := os.Stat(sourcePath)
	if err != nil {
		return "", fmt.Errorf("stat layer entry source: %w", err)
	}
	if fi.IsDir() {
		return "", nil
	}

	f, err := os.Open(sourcePath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	digester := digest.Canonical.Digester()
	if _, err := io.Copy(digester.Hash(), f); err != nil {
		return "", err
	}
	return digester.Digest(), nil
}
