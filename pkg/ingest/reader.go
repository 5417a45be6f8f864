// Package ingest parses the raw source-format trees into canonical fills.
// Each raw file is an lz4-framed stream of newline-delimited JSON records laid
// out as <format dir>/hourly/<YYYYMMDD>/<HH>.lz4.
package ingest

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/pierrec/lz4/v4"
)

// maxLineBytes bounds a single raw record. Block-envelope records carry whole
// blocks of fills, so lines can get large.
const maxLineBytes = 64 << 20

// scanFile decompresses an lz4 JSONL file and invokes fn once per non-empty
// line. Line numbers are 1-based.
func scanFile(path string, fn func(line int, data []byte) error) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(lz4.NewReader(f))
	scanner.Buffer(make([]byte, 1<<20), maxLineBytes)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		data := scanner.Bytes()
		if len(data) == 0 {
			continue
		}
		if err := fn(lineNo, data); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan %s: %w", path, err)
	}
	return nil
}

// HourlyFiles lists the lz4 files of one date directory in lexical (hour)
// order. A missing directory is not an error: the declared range of a source
// may have holes in the actual tree.
func HourlyFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read dir %s: %w", dir, err)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".lz4" {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	sort.Strings(files)
	return files, nil
}
