package stages

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/yungbote/docforge-backend/internal/docpipeline"
)

// UploadStage copies the document's source bytes from the ingestion boundary's location into
// the pipeline's own namespace, so every later stage reads from a prefix the pipeline owns and
// the source pointer can move without invalidating downstream work mid-flight.
type UploadStage struct {
	deps Deps
}

func (s *UploadStage) Name() string       { return "upload" }
func (s *UploadStage) SchemaVersion() int { return 1 }

func (s *UploadStage) CanonicalInput(pctx *docpipeline.ProcessingContext) (docpipeline.CanonicalInput, error) {
	return canonicalInput(pctx, s.SchemaVersion(), map[string]any{
		"source_bucket": inputString(pctx, "source_bucket"),
		"source_key":    inputString(pctx, "source_key"),
	}), nil
}

func (s *UploadStage) Execute(ctx context.Context, pctx *docpipeline.ProcessingContext) (map[string]any, error) {
	bucket := inputString(pctx, "source_bucket")
	key := inputString(pctx, "source_key")
	if bucket == "" || key == "" {
		return nil, fmt.Errorf("upload: validation failed: document has no source pointer")
	}

	rc, err := s.deps.Objects.Get(ctx, bucket, key)
	if err != nil {
		return nil, fmt.Errorf("upload: fetch source: %w", err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("upload: read source: %w", err)
	}

	sum := sha256.Sum256(data)
	destKey := stagePrefix(pctx.DocumentID, s.Name()) + "source.pdf"
	if err := s.deps.putBytes(ctx, destKey, data, "application/pdf"); err != nil {
		return nil, fmt.Errorf("upload: stage source: %w", err)
	}

	return map[string]any{
		"source_key":    destKey,
		"size_bytes":    len(data),
		"source_sha256": hex.EncodeToString(sum[:]),
	}, nil
}

func (s *UploadStage) Cleanup(ctx context.Context, documentID string) error {
	return s.deps.cleanupStage(ctx, documentID, s.Name())
}

// stagedSourceKey is where UploadStage leaves the bytes every extraction stage reads.
func stagedSourceKey(documentID string) string {
	return stagePrefix(documentID, "upload") + "source.pdf"
}
