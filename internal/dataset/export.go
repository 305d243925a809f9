package dataset

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"
	"voicememo-go/internal/feishu"
	"voicememo-go/internal/types"
)

const exportSheet = "录音分析"

// ExportHeader is the header row written by Export.
var ExportHeader = append([]string{"ID", "标题", "创建时间", "时长(ms)", "状态"}, feishu.Columns...)

// Export writes recordings as an xlsx workbook, one row per recording,
// using the same column values that are synced to the bitable.
func Export(w io.Writer, recordings []types.Recording) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", exportSheet); err != nil {
		return fmt.Errorf("rename sheet: %w", err)
	}
	header := make([]any, len(ExportHeader))
	for i, h := range ExportHeader {
		header[i] = h
	}
	if err := f.SetSheetRow(exportSheet, "A1", &header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	for i := range recordings {
		rec := &recordings[i]
		fields := feishu.Fields(rec)
		row := []any{rec.ID, rec.Title, formatTime(rec.CreatedAt), rec.DurationMs, string(rec.Status)}
		for _, col := range feishu.Columns {
			switch v := fields[col].(type) {
			case []string:
				row = append(row, strings.Join(v, "｜"))
			default:
				row = append(row, v)
			}
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(exportSheet, cell, &row); err != nil {
			return fmt.Errorf("write row %d: %w", i+2, err)
		}
	}

	last, _ := excelize.ColumnNumberToName(len(ExportHeader))
	_ = f.SetColWidth(exportSheet, "A", last, 18)
	if err := f.Write(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}
