package export

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"vms-registry/internal/domain"
)

// RecordExportHeader 导出表头
var RecordExportHeader = []string{
	"ID",
	"Natural Key",
	"Secondary Key",
	"Status",
	"Last Seen",
	"Created At",
	"Attributes",
}

// RecordsXLSX 生成注册表记录导出 Excel 文件
func RecordsXLSX(kind string, records []*domain.Record) (*excelize.File, error) {
	f := excelize.NewFile()

	sheetName := strings.ToUpper(kind[:1]) + kind[1:] + " Records"
	index, err := f.NewSheet(sheetName)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to create sheet: %w", err)
	}
	f.DeleteSheet("Sheet1")
	f.SetActiveSheet(index)

	for col, header := range RecordExportHeader {
		cell, _ := excelize.CoordinatesToCellName(col+1, 1)
		if err := f.SetCellValue(sheetName, cell, header); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to write header: %w", err)
		}
	}

	for row, rec := range records {
		values := []any{
			rec.ID,
			rec.NaturalKey,
			rec.SecondaryKey,
			string(rec.Status),
			formatTime(rec.LastSeen),
			formatTime(rec.CreatedAt),
			flattenAttrs(rec.Attributes),
		}
		for col, v := range values {
			cell, _ := excelize.CoordinatesToCellName(col+1, row+2)
			if err := f.SetCellValue(sheetName, cell, v); err != nil {
				f.Close()
				return nil, fmt.Errorf("failed to write row %d: %w", row+2, err)
			}
		}
	}

	return f, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format("2006-01-02 15:04:05")
}

// flattenAttrs 将属性渲染为稳定排序的 k=v 列表
func flattenAttrs(attrs map[string]string) string {
	if len(attrs) == 0 {
		return ""
	}
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+attrs[k])
	}
	return strings.Join(parts, "; ")
}
