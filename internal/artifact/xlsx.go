package artifact

import (
	"fmt"

	"github.com/xuri/excelize/v2"

	"github.com/ctroy978/nighteval/internal/domain"
)

// WriteXLSX writes the same rollup as WriteCSV into a spreadsheet, with a
// frozen, bolded header row. Gradebook imports that choke on CSV quoting take
// this instead.
func (b *SummaryBuilder) WriteXLSX(path string) error {
	const sheet = "Summary"

	f := excelize.NewFile()
	defer f.Close()
	if err := f.SetSheetName(f.GetSheetName(0), sheet); err != nil {
		return fmt.Errorf("%w: %s: %v", domain.ErrArtifactWrite, path, err)
	}

	header := b.Header()
	cells := make([]any, len(header))
	for i, h := range header {
		cells[i] = h
	}
	if err := f.SetSheetRow(sheet, "A1", &cells); err != nil {
		return fmt.Errorf("%w: %s: %v", domain.ErrArtifactWrite, path, err)
	}

	for i, record := range b.Rows() {
		row := make([]any, len(record))
		for j, v := range record {
			row[j] = v
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", domain.ErrArtifactWrite, path, err)
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return fmt.Errorf("%w: %s: %v", domain.ErrArtifactWrite, path, err)
		}
	}

	styleID, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err == nil {
		last, _ := excelize.CoordinatesToCellName(len(header), 1)
		_ = f.SetCellStyle(sheet, "A1", last, styleID)
	}
	_ = f.SetPanes(sheet, &excelize.Panes{Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft"})

	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("%w: %s: %v", domain.ErrArtifactWrite, path, err)
	}
	return nil
}
