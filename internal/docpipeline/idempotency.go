package docpipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	docrepo "github.com/yungbote/docforge-backend/internal/data/repos/docpipeline"
	types "github.com/yungbote/docforge-backend/internal/domain"
	"github.com/yungbote/docforge-backend/internal/pkg/dbctx"
)

// CheckResult is the outcome of IdempotencyChecker.Check.
type CheckResult struct {
	IsComplete bool
	StoredHash string
}

// IdempotencyChecker (C4) reads/writes completion markers and computes SHA-256 over
// canonicalized stage inputs.
type IdempotencyChecker struct {
	db      *gorm.DB
	markers docrepo.CompletionMarkerRepo
	docs    docrepo.DocumentRepo
}

func NewIdempotencyChecker(db *gorm.DB, markers docrepo.CompletionMarkerRepo, docs docrepo.DocumentRepo) *IdempotencyChecker {
	return &IdempotencyChecker{db: db, markers: markers, docs: docs}
}

// Check reads the CompletionMarker for (documentID, stageName).
func (c *IdempotencyChecker) Check(dbc dbctx.Context, documentID uuid.UUID, stageName string) (CheckResult, error) {
	marker, err := c.markers.Get(dbc, documentID, stageName)
	if err != nil {
		return CheckResult{}, err
	}
	if marker == nil {
		return CheckResult{IsComplete: false}, nil
	}
	return CheckResult{IsComplete: true, StoredHash: marker.DataHash}, nil
}

// ComputeHash canonicalizes the declared stage input and returns its SHA-256 hex digest.
func (c *IdempotencyChecker) ComputeHash(input CanonicalInput) (string, error) {
	return HashCanonical(input)
}

// Cleanup invokes the stage's own cleanup handle, then removes its CompletionMarker so a crash
// between cleanup and SetMarker leaves the document at not_started rather than a stale
// completed state (spec §4.4 transactional-boundary note: cleanup is itself idempotent).
func (c *IdempotencyChecker) Cleanup(dbc dbctx.Context, stage Stage, documentID uuid.UUID) error {
	if err := stage.Cleanup(dbc.Ctx, documentID.String()); err != nil {
		return fmt.Errorf("docpipeline: cleanup %s: %w", stage.Name(), err)
	}
	return c.markers.Delete(dbc, documentID, stage.Name())
}

// SetMarker upserts the CompletionMarker and updates StageStatus to completed in a single
// transaction, satisfying the invariant that a CompletionMarker exists iff StageStatus is
// completed.
func (c *IdempotencyChecker) SetMarker(ctx context.Context, documentID uuid.UUID, stageName, dataHash string, metadata map[string]any) error {
	return c.db.Transaction(func(tx *gorm.DB) error {
		dbc := dbctx.Context{Ctx: ctx, Tx: tx}

		var metaJSON datatypes.JSON
		if len(metadata) > 0 {
			raw, err := json.Marshal(metadata)
			if err != nil {
				return err
			}
			metaJSON = raw
		}

		marker := &types.CompletionMarker{
			DocumentID:  documentID,
			StageName:   stageName,
			DataHash:    dataHash,
			Metadata:    metaJSON,
			CompletedAt: time.Now(),
		}
		if _, err := c.markers.Upsert(dbc, marker); err != nil {
			return err
		}
		return c.docs.UpdateStageStatus(dbc, documentID, stageName, "completed")
	})
}
