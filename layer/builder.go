package layer

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"
)

// WriteTar writes the entries as an uncompressed tar stream. The output is
// reproducible: entries are sorted by extraction path, missing parent
// directories are synthesized, ownership is a fixed numeric root, and no
// host-dependent metadata leaks into the headers.
func WriteTar(w io.Writer, entries []Entry) error {
	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].ExtractionPath < sorted[j].ExtractionPath
	})

	tw := tar.NewWriter(w)
	written := map[string]bool{}

	for _, entry := range sorted {
		if !path.IsAbs(entry.ExtractionPath) {
			return fmt.Errorf("extraction path %q is not absolute", entry.ExtractionPath)
		}
		if err := writeParents(tw, written, entry); err != nil {
			return err
		}
		if err := writeEntry(tw, written, entry); err != nil {
			return err
		}
	}

	return tw.Close()
}

// writeParents emits directory headers for every ancestor of the entry's
// extraction path that has not been written yet.
func writeParents(tw *tar.Writer, written map[string]bool, entry Entry) error {
	parent := path.Dir(entry.ExtractionPath)
	if parent == "/" || parent == "." {
		return nil
	}

	var ancestors []string
	for p := parent; p != "/" && p != "."; p = path.Dir(p) {
		ancestors = append(ancestors, p)
	}

	// Root-most first.
	for i := len(ancestors) - 1; i >= 0; i-- {
		name := tarName(ancestors[i]) + "/"
		if written[name] {
			continue
		}
		written[name] = true

		modTime := entry.ModTime
		if modTime.IsZero() {
			modTime = DefaultModTime
		}
		header := &tar.Header{
			Typeflag: tar.TypeDir,
			Name:     name,
			Mode:     DefaultDirMode,
			ModTime:  modTime.UTC(),
			Format:   tar.FormatPAX,
		}
		if err := tw.WriteHeader(header); err != nil {
			return err
		}
	}
	return nil
}

func writeEntry(tw *tar.Writer, written map[string]bool, entry Entry) error {
	modTime := entry.ModTime
	if modTime.IsZero() {
		modTime = DefaultModTime
	}

	// Entries with no source are directories. Directory entries do not
	// pull in their contents; each file needs its own entry.
	if entry.SourcePath == "" {
		name := tarName(entry.ExtractionPath) + "/"
		if written[name] {
			return nil
		}
		written[name] = true

		mode := entry.Mode
		if mode == 0 {
			mode = DefaultDirMode
		}
		return tw.WriteHeader(&tar.Header{
			Typeflag: tar.TypeDir,
			Name:     name,
			Mode:     mode,
			ModTime:  modTime.UTC(),
			Format:   tar.FormatPAX,
		})
	}

	fi, err := os.Stat(entry.SourcePath)
	if err != nil {
		return fmt.Errorf("stat layer entry source: %w", err)
	}
	if fi.IsDir() {
		dirEntry := entry
		dirEntry.SourcePath = ""
		return writeEntry(tw, written, dirEntry)
	}

	mode := entry.Mode
	if mode == 0 {
		mode = DefaultFileMode
	}

	name := tarName(entry.ExtractionPath)
	if written[name] {
		return fmt.Errorf("duplicate layer entry for %q", entry.ExtractionPath)
	}
	written[name] = true

	header := &tar.Header{
		Typeflag: tar.TypeReg,
		Name:     name,
		Mode:     mode,
		Size:     fi.Size(),
		ModTime:  modTime.UTC(),
		Format:   tar.FormatPAX,
	}
	if err := tw.WriteHeader(header); err != nil {
		return err
	}

	f, err := os.Open(entry.SourcePath)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := io.Copy(tw, f); err != nil {
		return fmt.Errorf("writing %q: %w", entry.ExtractionPath, err)
	}
	return nil
}

// tarName converts an absolute extraction path to the relative form used
// inside the archive.
func tarName(extractionPath string) string {
	return strings.TrimPrefix(path.Clean(extractionPath), "/")
}
