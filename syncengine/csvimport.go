package syncengine

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/audience_backend/config"
	"bitbucket.org/mmdatafocus/audience_backend/models"
	"bitbucket.org/mmdatafocus/audience_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"
)

// csvImportRunner stages one planned chunk of a bulk upload per executor
// chunk. The plan is rebuilt from the object on each invocation (the object is
// immutable once uploaded), so a continuation or resumed run lands on the same
// chunk boundaries.
type csvImportRunner struct {
	run  *models.SyncRun
	plan *ChunkPlan
}

func (r *csvImportRunner) loadPlan(ctx context.Context, objectName string) (*ChunkPlan, error) {
	if r.plan != nil {
		return r.plan, nil
	}
	data, err := utils.ReadObjectFromGCS(ctx, objectName)
	if err != nil {
		return nil, err
	}
	if strings.HasSuffix(strings.ToLower(objectName), ".xlsx") {
		data, err = xlsxToCSV(data)
		if err != nil {
			return nil, RunFatal(fmt.Errorf("xlsx conversion failed: %w", err))
		}
	}
	plan, err := PlanChunks(data, config.CSVChunkBytes())
	if err != nil {
		return nil, RunFatal(err)
	}
	r.plan = &plan
	return r.plan, nil
}

func (r *csvImportRunner) RunChunk(ctx context.Context, cp Checkpoint) (ChunkResult, error) {
	if cp.Chunk == nil || cp.Chunk.ObjectName == "" {
		return ChunkResult{}, RunFatal(errors.New("missing object name"))
	}

	plan, err := r.loadPlan(ctx, cp.Chunk.ObjectName)
	if err != nil {
		return ChunkResult{}, err
	}

	index := cp.Chunk.ChunkIndex
	if index >= plan.TotalChunks() {
		next := NewChunkCheckpoint(index, plan.TotalChunks(), cp.Chunk.ObjectName)
		next.RunningTotal = cp.RunningTotal
		next.ChunkErrors = cp.ChunkErrors
		return ChunkResult{Checkpoint: next, HasMore: false}, nil
	}

	records, badRows, err := parseCustomerRows(plan.ChunkBytes(index))
	if err != nil {
		return ChunkResult{}, fmt.Errorf("chunk %d unparseable: %w", index, err)
	}

	// A dry run reports what would be staged; only the write is skipped.
	inserted := int64(len(records))
	if !r.run.DryRun && len(records) > 0 {
		if err := models.StageRecords(ctx, r.run, records); err != nil {
			return ChunkResult{}, err
		}
	}

	next := NewChunkCheckpoint(index+1, plan.TotalChunks(), cp.Chunk.ObjectName)
	next.RunningTotal = cp.RunningTotal + int64(len(records))
	next.ChunkErrors = cp.ChunkErrors + badRows
	return ChunkResult{
		Fetched:    int64(len(records)) + int64(badRows),
		Inserted:   inserted,
		ErrorDelta: badRows,
		Checkpoint: next,
		HasMore:    index+1 < plan.TotalChunks(),
	}, nil
}

// SkipChunk steps past a poisoned chunk; neighboring chunks are unaffected
// because every chunk carries its own header and whole rows.
func (r *csvImportRunner) SkipChunk(cp Checkpoint) (Checkpoint, bool) {
	if cp.Chunk == nil {
		return cp, false
	}
	next := NewChunkCheckpoint(cp.Chunk.ChunkIndex+1, cp.Chunk.TotalChunks, cp.Chunk.ObjectName)
	next.RunningTotal = cp.RunningTotal
	next.ChunkErrors = cp.ChunkErrors + 1
	return next, true
}

// parseCustomerRows reads one headered chunk. Rows missing an external id are
// counted as bad rather than failing the chunk.
func parseCustomerRows(chunk []byte) ([]models.StagedRecord, int, error) {
	reader := csv.NewReader(bytes.NewReader(chunk))
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	rows, err := reader.ReadAll()
	if err != nil {
		return nil, 0, err
	}
	if len(rows) < 2 {
		return nil, 0, nil
	}

	col := map[string]int{}
	for i, name := range rows[0] {
		col[strings.ToLower(strings.TrimSpace(name))] = i
	}
	field := func(row []string, names ...string) string {
		for _, name := range names {
			if i, ok := col[name]; ok && i < len(row) {
				return strings.TrimSpace(row[i])
			}
		}
		return ""
	}

	var records []models.StagedRecord
	badRows := 0
	for _, row := range rows[1:] {
		externalId := field(row, "external_id", "id", "customer_id")
		if externalId == "" {
			badRows++
			continue
		}
		spent := decimal.Zero
		if v := field(row, "total_spent", "lifetime_value", "revenue"); v != "" {
			if d, err := decimal.NewFromString(v); err == nil {
				spent = d
			}
		}
		var updatedAt *time.Time
		if v := field(row, "updated_at", "source_updated_at"); v != "" {
			if t, err := time.Parse(time.RFC3339, v); err == nil {
				updatedAt = &t
			}
		}
		records = append(records, models.StagedRecord{
			ExternalId:      externalId,
			Email:           strings.ToLower(field(row, "email")),
			Phone:           field(row, "phone", "mobile"),
			FullName:        field(row, "full_name", "name"),
			TotalSpent:      spent,
			SourceUpdatedAt: updatedAt,
		})
	}
	return records, badRows, nil
}

// xlsxToCSV flattens the first sheet of a workbook into CSV text so XLSX
// uploads flow through the same chunk planner as plain CSV.
func xlsxToCSV(data []byte) ([]byte, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, errors.New("workbook has no sheets")
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	for _, row := range rows {
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}
