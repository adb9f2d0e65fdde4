package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"

	"github.com/mind-engage/mindengage-results/internal/computation"
)

// SheetArchiver writes the master sheet projection of a summary to a blob
// store, one object per department, semester and purpose.
type SheetArchiver struct {
	blobs BlobStore
}

func NewSheetArchiver(blobs BlobStore) *SheetArchiver {
	return &SheetArchiver{blobs: blobs}
}

type sheetDocument struct {
	SummaryID           string                                `json:"summary_id"`
	MasterComputationID string                                `json:"master_computation_id"`
	DepartmentID        string                                `json:"department_id"`
	SemesterID          string                                `json:"semester_id"`
	Purpose             computation.Purpose                   `json:"purpose"`
	Status              computation.Status                    `json:"status"`
	Levels              map[int]*computation.MasterSheetLevel `json:"levels"`
}

func SheetKey(s computation.Summary) string {
	return path.Join("master-sheets", s.SemesterID, s.DepartmentID, string(s.Purpose)+".json")
}

func (a *SheetArchiver) Archive(ctx context.Context, s computation.Summary) (string, error) {
	body, err := json.Marshal(sheetDocument{
		SummaryID:           s.ID,
		MasterComputationID: s.MasterComputationID,
		DepartmentID:        s.DepartmentID,
		SemesterID:          s.SemesterID,
		Purpose:             s.Purpose,
		Status:              s.Status,
		Levels:              s.MasterSheetDataByLevel,
	})
	if err != nil {
		return "", fmt.Errorf("encode master sheet: %w", err)
	}
	return a.blobs.Put(ctx, SheetKey(s), bytes.NewReader(body), int64(len(body)), "application/json")
}
