package export

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"
)

const workbookSheet = "Interview Q&A"

// WorkbookPath returns the companion path for a CSV export.
func WorkbookPath(csvPath string) string {
	return strings.TrimSuffix(csvPath, CSVExt) + XLSXExt
}

// WriteWorkbook renders an existing CSV export as an XLSX workbook with a
// bold header row and widened text columns. It returns the data row count.
func WriteWorkbook(csvPath, xlsxPath string) (int, error) {
	in, err := os.Open(csvPath)
	if err != nil {
		return 0, fmt.Errorf("open csv export: %w", err)
	}
	defer func() { _ = in.Close() }()

	records, err := csv.NewReader(in).ReadAll()
	if err != nil {
		return 0, fmt.Errorf("read csv export: %w", err)
	}

	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	if err := f.SetSheetName("Sheet1", workbookSheet); err != nil {
		return 0, fmt.Errorf("name sheet: %w", err)
	}

	for i, record := range records {
		row := make([]any, len(record))
		for j, field := range record {
			row[j] = field
			if i > 0 && j == 0 {
				if n, err := strconv.Atoi(field); err == nil {
					row[j] = n
				}
			}
		}
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return 0, err
		}
		if err := f.SetSheetRow(workbookSheet, cell, &row); err != nil {
			return 0, fmt.Errorf("write row %d: %w", i+1, err)
		}
	}

	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return 0, fmt.Errorf("create header style: %w", err)
	}
	wrap, err := f.NewStyle(&excelize.Style{Alignment: &excelize.Alignment{WrapText: true, Vertical: "top"}})
	if err != nil {
		return 0, fmt.Errorf("create body style: %w", err)
	}
	_ = f.SetCellStyle(workbookSheet, "A1", "C1", bold)
	if len(records) > 1 {
		_ = f.SetCellStyle(workbookSheet, "B2", fmt.Sprintf("C%d", len(records)), wrap)
	}
	_ = f.SetColWidth(workbookSheet, "A", "A", 6)
	_ = f.SetColWidth(workbookSheet, "B", "B", 60)
	_ = f.SetColWidth(workbookSheet, "C", "C", 90)

	if err := f.SaveAs(xlsxPath); err != nil {
		return 0, fmt.Errorf("save workbook: %w", err)
	}
	return max(0, len(records)-1), nil
}
