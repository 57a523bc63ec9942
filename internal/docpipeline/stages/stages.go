// Package stages binds the closed set of 15 pipeline stages to their implementations. Every
// stage follows the same shape: a declared canonical input (document fields plus the
// prerequisite marker hashes it chains over), an Execute that reaches external collaborators
// only through Deps, and an idempotent Cleanup that deletes the stage's object-store prefix.
package stages

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/yungbote/docforge-backend/internal/docpipeline"
	"github.com/yungbote/docforge-backend/internal/platform/logger"
)

// Deps bundles the external collaborators stages reach through: the S3-compatible object
// store, the AI service, and the PDF extraction toolchain (which owns its own scratch
// filesystem lease).
type Deps struct {
	Objects docpipeline.ObjectStore
	AI      docpipeline.AIService
	Extract Extractor
	Bucket  string
	Log     *logger.Logger
}

// RegisterAll binds all 15 stages into reg. Construction fails fast on a duplicate or unknown
// name rather than discovering the gap mid-run.
func RegisterAll(reg *docpipeline.Registry, deps Deps) error {
	all := []docpipeline.Stage{
		&UploadStage{deps: deps},
		&TextExtractionStage{deps: deps},
		&TableExtractionStage{deps: deps},
		&SVGProcessingStage{deps: deps},
		&ImageProcessingStage{deps: deps},
		&LinkExtractionStage{deps: deps},
		&ChunkPrepStage{deps: deps},
		&ClassificationStage{deps: deps},
		&MetadataExtractionStage{deps: deps},
		&PartsExtractionStage{deps: deps},
		&SeriesDetectionStage{deps: deps},
		&VisualEmbeddingStage{deps: deps},
		&EmbeddingStage{deps: deps},
		&StorageStage{deps: deps},
		&SearchIndexingStage{deps: deps},
	}
	for _, s := range all {
		if err := reg.Register(s); err != nil {
			return err
		}
	}
	return nil
}

// stagePrefix is the per-document, per-stage object namespace. Cleanup is a delete over this
// prefix, which keeps it intrinsically idempotent.
func stagePrefix(documentID, stageName string) string {
	return fmt.Sprintf("documents/%s/%s/", documentID, stageName)
}

func (d Deps) putJSON(ctx context.Context, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("stages: marshal %s: %w", key, err)
	}
	return d.Objects.Put(ctx, d.Bucket, key, bytes.NewReader(raw), int64(len(raw)), "application/json")
}

func (d Deps) getJSON(ctx context.Context, key string, out any) error {
	raw, err := d.getBytes(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("stages: decode %s: %w", key, err)
	}
	return nil
}

func (d Deps) putBytes(ctx context.Context, key string, data []byte, contentType string) error {
	return d.Objects.Put(ctx, d.Bucket, key, bytes.NewReader(data), int64(len(data)), contentType)
}

func (d Deps) getBytes(ctx context.Context, key string) ([]byte, error) {
	rc, err := d.Objects.Get(ctx, d.Bucket, key)
	if err != nil {
		return nil, fmt.Errorf("stages: get %s: %w", key, err)
	}
	defer rc.Close()
	raw, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("stages: read %s: %w", key, err)
	}
	return raw, nil
}

func (d Deps) cleanupStage(ctx context.Context, documentID, stageName string) error {
	return d.Objects.DeletePrefix(ctx, d.Bucket, stagePrefix(documentID, stageName))
}

// canonicalInput assembles the uniform declared-input envelope: the stage's schema version,
// the document key, the stage-specific fields, and the prerequisite marker hashes the
// orchestrator seeded into InputData. Chaining prerequisite hashes means a changed input
// upstream changes every dependent's hash transitively, which is what drives smart-mode
// cascade re-execution.
func canonicalInput(pctx *docpipeline.ProcessingContext, schemaVersion int, fields map[string]any) docpipeline.CanonicalInput {
	if fields == nil {
		fields = map[string]any{}
	}
	if ph, ok := pctx.InputData["prerequisite_hashes"]; ok {
		fields["prerequisite_hashes"] = ph
	}
	return docpipeline.CanonicalInput{
		SchemaVersion: schemaVersion,
		DocumentID:    pctx.DocumentID,
		Fields:        fields,
	}
}

func inputString(pctx *docpipeline.ProcessingContext, key string) string {
	if pctx == nil || pctx.InputData == nil {
		return ""
	}
	s, _ := pctx.InputData[key].(string)
	return s
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
