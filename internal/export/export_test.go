package export

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

const base = "Policy Brief - Interview Questions and Answers"

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return records
}

func TestCSVWriterRows(t *testing.T) {
	dir := t.TempDir()
	w, err := CreateCSV(dir, base)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, base+".csv"), w.Path())

	require.NoError(t, w.WriteRow(1, "What is the goal?", `Reduce "waste", fast`))
	require.NoError(t, w.WriteRow(2, "Multi-line?", "first\nsecond"))
	require.Equal(t, 2, w.Rows())

	// Rows are flushed as they are written.
	partial := readCSV(t, w.Path())
	require.Len(t, partial, 3)

	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
	require.Error(t, w.WriteRow(3, "late", "row"))

	records := readCSV(t, w.Path())
	require.Equal(t, [][]string{
		{"No.", "Question", "Answer"},
		{"1", "What is the goal?", `Reduce "waste", fast`},
		{"2", "Multi-line?", "first\nsecond"},
	}, records)
}

func TestCreateCSVCollisionSuffix(t *testing.T) {
	dir := t.TempDir()

	first, err := CreateCSV(dir, base)
	require.NoError(t, err)
	second, err := CreateCSV(dir, base)
	require.NoError(t, err)
	third, err := CreateCSV(dir, base)
	require.NoError(t, err)
	for _, w := range []*CSVWriter{first, second, third} {
		require.NoError(t, w.Close())
	}

	assert.Equal(t, filepath.Join(dir, base+".csv"), first.Path())
	assert.Equal(t, filepath.Join(dir, base+" (1).csv"), second.Path())
	assert.Equal(t, filepath.Join(dir, base+" (2).csv"), third.Path())

	next, err := UniquePath(dir, base, CSVExt)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, base+" (3).csv"), next)
}

func TestCreateCSVConcurrentClaimsDistinctPaths(t *testing.T) {
	dir := t.TempDir()
	const n = 8

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		paths = map[string]bool{}
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w, err := CreateCSV(dir, base)
			if !assert.NoError(t, err) {
				return
			}
			defer w.Close()
			mu.Lock()
			paths[w.Path()] = true
			mu.Unlock()
		}()
	}
	wg.Wait()
	require.Len(t, paths, n)
}

func TestUniquePathFreshDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "not-created-yet")
	path, err := UniquePath(dir, "Doc", CSVExt)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "Doc.csv"), path)
}

func TestWriteWorkbook(t *testing.T) {
	dir := t.TempDir()
	w, err := CreateCSV(dir, base)
	require.NoError(t, err)
	require.NoError(t, w.WriteRow(1, "What is the goal?", "Reduce waste."))
	require.NoError(t, w.WriteRow(2, "Who is responsible?", "Not found in context."))
	require.NoError(t, w.Close())

	xlsxPath := WorkbookPath(w.Path())
	require.Equal(t, filepath.Join(dir, base+".xlsx"), xlsxPath)

	rows, err := WriteWorkbook(w.Path(), xlsxPath)
	require.NoError(t, err)
	require.Equal(t, 2, rows)

	f, err := excelize.OpenFile(xlsxPath)
	require.NoError(t, err)
	defer f.Close()

	got, err := f.GetRows(workbookSheet)
	require.NoError(t, err)
	require.Equal(t, [][]string{
		{"No.", "Question", "Answer"},
		{"1", "What is the goal?", "Reduce waste."},
		{"2", "Who is responsible?", "Not found in context."},
	}, got)
}

func TestWriteWorkbookMissingCSV(t *testing.T) {
	dir := t.TempDir()
	_, err := WriteWorkbook(filepath.Join(dir, "missing.csv"), filepath.Join(dir, "out.xlsx"))
	require.Error(t, err)
}
