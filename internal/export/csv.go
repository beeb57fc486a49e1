// Package export writes question/answer pairs to disk.
package export

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
)

const (
	CSVExt  = ".csv"
	XLSXExt = ".xlsx"

	maxCollisionSuffix = 10000
)

// Header is the first row of every export.
var Header = []string{"No.", "Question", "Answer"}

// UniquePath returns dir/base+ext, or the first free "base (n)+ext" when
// that path is taken.
func UniquePath(dir, base, ext string) (string, error) {
	for n := 0; n < maxCollisionSuffix; n++ {
		candidate := candidatePath(dir, base, ext, n)
		if _, err := os.Stat(candidate); errors.Is(err, fs.ErrNotExist) {
			return candidate, nil
		} else if err != nil {
			return "", fmt.Errorf("stat %s: %w", candidate, err)
		}
	}
	return "", fmt.Errorf("no free export path for %q in %s", base, dir)
}

func candidatePath(dir, base, ext string, n int) string {
	if n == 0 {
		return filepath.Join(dir, base+ext)
	}
	return filepath.Join(dir, fmt.Sprintf("%s (%d)%s", base, n, ext))
}

// createExclusive claims the first free collision-suffixed path with
// O_EXCL so concurrent jobs for the same document never share a file.
func createExclusive(dir, base, ext string) (*os.File, string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, "", fmt.Errorf("create export dir: %w", err)
	}
	for n := 0; n < maxCollisionSuffix; n++ {
		path := candidatePath(dir, base, ext, n)
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			return f, path, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, "", fmt.Errorf("create export file: %w", err)
		}
	}
	return nil, "", fmt.Errorf("no free export path for %q in %s", base, dir)
}

// CSVWriter appends numbered rows to a single export file. Every row is
// flushed before WriteRow returns so a partial file is always readable.
type CSVWriter struct {
	file   *os.File
	w      *csv.Writer
	path   string
	rows   int
	closed bool
}

// CreateCSV opens a new export under dir named base.csv (collision-suffixed
// when needed) and writes the header.
func CreateCSV(dir, base string) (*CSVWriter, error) {
	f, path, err := createExclusive(dir, base, CSVExt)
	if err != nil {
		return nil, err
	}

	cw := &CSVWriter{file: f, w: csv.NewWriter(f), path: path}
	if err := cw.write(Header); err != nil {
		_ = cw.Close()
		return nil, fmt.Errorf("write header: %w", err)
	}
	return cw, nil
}

func (c *CSVWriter) Path() string {
	return c.path
}

// Rows reports how many data rows were written.
func (c *CSVWriter) Rows() int {
	return c.rows
}

func (c *CSVWriter) WriteRow(index int, question, answer string) error {
	if c.closed {
		return errors.New("write to closed export")
	}
	if err := c.write([]string{strconv.Itoa(index), question, answer}); err != nil {
		return fmt.Errorf("write row %d: %w", index, err)
	}
	c.rows++
	return nil
}

func (c *CSVWriter) write(record []string) error {
	if err := c.w.Write(record); err != nil {
		return err
	}
	c.w.Flush()
	return c.w.Error()
}

// Close is safe to call more than once.
func (c *CSVWriter) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.w.Flush()
	flushErr := c.w.Error()
	closeErr := c.file.Close()
	return errors.Join(flushErr, closeErr)
}
