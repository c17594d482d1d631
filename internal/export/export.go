package export

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"ordersync/internal/models"

	"github.com/rs/zerolog"
	"github.com/xuri/excelize/v2"
)

const sheetName = "Failed mutations"

// Exporter writes failed mutations to an xlsx file for support handoff.
// Operators attach the report when a batch of writes cannot be replayed.
type Exporter struct {
	path   string
	logger *zerolog.Logger
}

func New(path string, logger *zerolog.Logger) *Exporter {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Exporter{path: path, logger: logger}
}

// FailedMutations creates an xlsx report and returns its path.
func (e *Exporter) FailedMutations(entries []models.QueueEntry) (string, error) {
	if err := os.MkdirAll(e.path, 0o755); err != nil {
		return "", fmt.Errorf("error creating export directory: %v", err)
	}

	f := excelize.NewFile()
	defer f.Close()

	index, err := f.NewSheet(sheetName)
	if err != nil {
		return "", fmt.Errorf("error creating sheet: %v", err)
	}
	f.SetActiveSheet(index)

	headers := []string{
		"Queue ID", "Resource", "Operation", "Target", "Attempts",
		"Last error", "Created", "Failed at", "Payload",
	}
	for i, header := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheetName, cell, header)
	}

	headerStyle, _ := f.NewStyle(&excelize.Style{
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#FFC7CE"}, Pattern: 1},
		Font: &excelize.Font{Bold: true},
	})
	lastHeader, _ := excelize.CoordinatesToCellName(len(headers), 1)
	_ = f.SetCellStyle(sheetName, "A1", lastHeader, headerStyle)

	for i, entry := range entries {
		row := i + 2
		_ = f.SetCellValue(sheetName, fmt.Sprintf("A%d", row), entry.ID)
		_ = f.SetCellValue(sheetName, fmt.Sprintf("B%d", row), entry.ResourceType)
		_ = f.SetCellValue(sheetName, fmt.Sprintf("C%d", row), string(entry.Operation))
		_ = f.SetCellValue(sheetName, fmt.Sprintf("D%d", row), entry.TargetID)
		_ = f.SetCellValue(sheetName, fmt.Sprintf("E%d", row), entry.Attempts)
		if entry.LastError != nil {
			_ = f.SetCellValue(sheetName, fmt.Sprintf("F%d", row), *entry.LastError)
		}
		_ = f.SetCellValue(sheetName, fmt.Sprintf("G%d", row), entry.CreatedAt.Format("02.01.2006 15:04:05"))
		if entry.ProcessedAt != nil {
			_ = f.SetCellValue(sheetName, fmt.Sprintf("H%d", row), entry.ProcessedAt.Format("02.01.2006 15:04:05"))
		}
		_ = f.SetCellValue(sheetName, fmt.Sprintf("I%d", row), string(entry.Payload))
	}

	_ = f.SetColWidth(sheetName, "A", "A", 38)
	_ = f.SetColWidth(sheetName, "B", "D", 16)
	_ = f.SetColWidth(sheetName, "E", "E", 10)
	_ = f.SetColWidth(sheetName, "F", "F", 40)
	_ = f.SetColWidth(sheetName, "G", "H", 20)
	_ = f.SetColWidth(sheetName, "I", "I", 50)

	_ = f.DeleteSheet("Sheet1")

	fileName := fmt.Sprintf("failed_mutations_%s.xlsx", time.Now().Format("2006-01-02_15-04-05"))
	filePath := filepath.Join(e.path, fileName)

	if err := f.SaveAs(filePath); err != nil {
		return "", fmt.Errorf("error saving file: %v", err)
	}

	e.logger.Info().Str("file_path", filePath).Int("entries", len(entries)).Msg("failed mutations exported")
	return filePath, nil
}
