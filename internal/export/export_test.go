package export

import (
	"encoding/json"
	"testing"
	"time"

	"ordersync/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func TestFailedMutationsExport(t *testing.T) {
	dir := t.TempDir()
	exporter := New(dir, nil)

	lastError := "order already completed"
	now := time.Now()
	entries := []models.QueueEntry{
		{
			ID:           "q-1",
			ResourceType: models.ResourceOrders,
			Operation:    models.OpUpdate,
			TargetID:     "order-1",
			Payload:      json.RawMessage(`{"status": "cancelled"}`),
			Status:       models.QueueFailed,
			Attempts:     5,
			LastError:    &lastError,
			CreatedAt:    now,
			ProcessedAt:  &now,
		},
		{
			ID:           "q-2",
			ResourceType: models.ResourceMenu,
			Operation:    models.OpCreate,
			TargetID:     "tmp-abc",
			Payload:      json.RawMessage(`{"name": "Margherita"}`),
			Status:       models.QueueFailed,
			CreatedAt:    now,
		},
	}

	path, err := exporter.FailedMutations(entries)
	require.NoError(t, err)

	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer f.Close()

	header, err := f.GetCellValue(sheetName, "A1")
	require.NoError(t, err)
	assert.Equal(t, "Queue ID", header)

	id, _ := f.GetCellValue(sheetName, "A2")
	assert.Equal(t, "q-1", id)
	errMsg, _ := f.GetCellValue(sheetName, "F2")
	assert.Equal(t, "order already completed", errMsg)

	resource, _ := f.GetCellValue(sheetName, "B3")
	assert.Equal(t, models.ResourceMenu, resource)
}

func TestFailedMutationsExportEmptyList(t *testing.T) {
	exporter := New(t.TempDir(), nil)

	path, err := exporter.FailedMutations(nil)
	require.NoError(t, err)
	assert.NotEmpty(t, path)
}
