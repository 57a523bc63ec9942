package stages

import (
	"context"
	"fmt"
	"strings"

	"github.com/yungbote/docforge-backend/internal/docpipeline"
)

const (
	chunkSize    = 1800
	chunkOverlap = 200

	// classifierSampleChunks bounds how much text the structured-output stages send to the AI
	// service per call.
	classifierSampleChunks = 3
	classifierSampleChars  = 6000
)

// chunkRecord is the unit the enrichment group embeds; text rides along so dependents only
// read declared prerequisite outputs.
type chunkRecord struct {
	Index int    `json:"index"`
	Text  string `json:"text"`
}

// ChunkPrepStage splits the extracted text into overlapping chunks sized for embedding.
type ChunkPrepStage struct {
	deps Deps
}

func (s *ChunkPrepStage) Name() string       { return "chunk_prep" }
func (s *ChunkPrepStage) SchemaVersion() int { return 1 }

func (s *ChunkPrepStage) CanonicalInput(pctx *docpipeline.ProcessingContext) (docpipeline.CanonicalInput, error) {
	return canonicalInput(pctx, s.SchemaVersion(), map[string]any{
		"chunk_size":    chunkSize,
		"chunk_overlap": chunkOverlap,
	}), nil
}

func (s *ChunkPrepStage) Execute(ctx context.Context, pctx *docpipeline.ProcessingContext) (map[string]any, error) {
	raw, err := s.deps.getBytes(ctx, extractedTextKey(pctx.DocumentID))
	if err != nil {
		return nil, err
	}
	pieces := splitIntoChunks(string(raw), chunkSize, chunkOverlap)
	chunks := make([]chunkRecord, len(pieces))
	for i, p := range pieces {
		chunks[i] = chunkRecord{Index: i, Text: p}
	}
	chunksKey := stagePrefix(pctx.DocumentID, s.Name()) + "chunks.json"
	if err := s.deps.putJSON(ctx, chunksKey, chunks); err != nil {
		return nil, err
	}
	return map[string]any{"chunks_key": chunksKey, "chunk_count": len(chunks)}, nil
}

func (s *ChunkPrepStage) Cleanup(ctx context.Context, documentID string) error {
	return s.deps.cleanupStage(ctx, documentID, s.Name())
}

func chunksKeyFor(documentID string) string {
	return stagePrefix(documentID, "chunk_prep") + "chunks.json"
}

// splitIntoChunks splits long text into overlapping windows, stepping chunkSize-overlap at a
// time so no sentence straddling a boundary is lost to both sides.
func splitIntoChunks(text string, size int, overlap int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if size < 200 {
		size = 200
	}
	if overlap < 0 {
		overlap = 0
	}
	step := size - overlap
	if step <= 0 {
		step = size
	}
	var out []string
	for start := 0; start < len(text); start += step {
		end := start + size
		if end > len(text) {
			end = len(text)
		}
		out = append(out, text[start:end])
		if end == len(text) {
			break
		}
	}
	return out
}

// sampleChunks loads the chunk artifact and joins a bounded sample for prompt context.
func (d Deps) sampleChunks(ctx context.Context, documentID string) (string, int, error) {
	var chunks []chunkRecord
	if err := d.getJSON(ctx, chunksKeyFor(documentID), &chunks); err != nil {
		return "", 0, err
	}
	n := len(chunks)
	if n > classifierSampleChunks {
		chunks = chunks[:classifierSampleChunks]
	}
	var b strings.Builder
	for _, c := range chunks {
		b.WriteString(c.Text)
		b.WriteString("\n\n")
	}
	return truncate(b.String(), classifierSampleChars), n, nil
}

// ClassificationStage assigns a document type via the AI service's structured-output path.
type ClassificationStage struct {
	deps Deps
}

func (s *ClassificationStage) Name() string       { return "classification" }
func (s *ClassificationStage) SchemaVersion() int { return 1 }

func (s *ClassificationStage) CanonicalInput(pctx *docpipeline.ProcessingContext) (docpipeline.CanonicalInput, error) {
	return canonicalInput(pctx, s.SchemaVersion(), nil), nil
}

func (s *ClassificationStage) Execute(ctx context.Context, pctx *docpipeline.ProcessingContext) (map[string]any, error) {
	sample, _, err := s.deps.sampleChunks(ctx, pctx.DocumentID)
	if err != nil {
		return nil, err
	}
	result, err := s.deps.AI.GenerateJSON(ctx,
		"You classify technical documentation. Answer strictly in the requested schema.",
		"Classify the following document excerpt:\n\n"+sample,
		"document_classification",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"document_type": map[string]any{
					"type": "string",
					"enum": []string{"service_manual", "parts_catalog", "installation_guide", "datasheet", "bulletin", "other"},
				},
				"language":   map[string]any{"type": "string"},
				"confidence": map[string]any{"type": "number"},
			},
			"required":             []string{"document_type", "confidence"},
			"additionalProperties": false,
		})
	if err != nil {
		return nil, fmt.Errorf("classification: %w", err)
	}
	key := stagePrefix(pctx.DocumentID, s.Name()) + "classification.json"
	if err := s.deps.putJSON(ctx, key, result); err != nil {
		return nil, err
	}
	out := map[string]any{"classification_key": key}
	for k, v := range result {
		out[k] = v
	}
	return out, nil
}

func (s *ClassificationStage) Cleanup(ctx context.Context, documentID string) error {
	return s.deps.cleanupStage(ctx, documentID, s.Name())
}

func classificationKeyFor(documentID string) string {
	return stagePrefix(documentID, "classification") + "classification.json"
}

// MetadataExtractionStage extracts bibliographic metadata (title, revision, dates) from the
// chunked text.
type MetadataExtractionStage struct {
	deps Deps
}

func (s *MetadataExtractionStage) Name() string       { return "metadata_extraction" }
func (s *MetadataExtractionStage) SchemaVersion() int { return 1 }

func (s *MetadataExtractionStage) CanonicalInput(pctx *docpipeline.ProcessingContext) (docpipeline.CanonicalInput, error) {
	return canonicalInput(pctx, s.SchemaVersion(), nil), nil
}

func (s *MetadataExtractionStage) Execute(ctx context.Context, pctx *docpipeline.ProcessingContext) (map[string]any, error) {
	sample, _, err := s.deps.sampleChunks(ctx, pctx.DocumentID)
	if err != nil {
		return nil, err
	}
	result, err := s.deps.AI.GenerateJSON(ctx,
		"You extract bibliographic metadata from technical documentation. Use null when a field is absent.",
		"Extract metadata from the following document excerpt:\n\n"+sample,
		"document_metadata",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"title":            map[string]any{"type": []string{"string", "null"}},
				"manufacturer":     map[string]any{"type": []string{"string", "null"}},
				"revision":         map[string]any{"type": []string{"string", "null"}},
				"publication_date": map[string]any{"type": []string{"string", "null"}},
			},
			"required":             []string{"title"},
			"additionalProperties": false,
		})
	if err != nil {
		return nil, fmt.Errorf("metadata_extraction: %w", err)
	}
	key := stagePrefix(pctx.DocumentID, s.Name()) + "metadata.json"
	if err := s.deps.putJSON(ctx, key, result); err != nil {
		return nil, err
	}
	out := map[string]any{"metadata_key": key}
	for k, v := range result {
		out[k] = v
	}
	return out, nil
}

func (s *MetadataExtractionStage) Cleanup(ctx context.Context, documentID string) error {
	return s.deps.cleanupStage(ctx, documentID, s.Name())
}

// PartsExtractionStage pulls part numbers and their descriptions out of the chunked text,
// conditioned on the classified document type.
type PartsExtractionStage struct {
	deps Deps
}

func (s *PartsExtractionStage) Name() string       { return "parts_extraction" }
func (s *PartsExtractionStage) SchemaVersion() int { return 1 }

func (s *PartsExtractionStage) CanonicalInput(pctx *docpipeline.ProcessingContext) (docpipeline.CanonicalInput, error) {
	return canonicalInput(pctx, s.SchemaVersion(), nil), nil
}

func (s *PartsExtractionStage) Execute(ctx context.Context, pctx *docpipeline.ProcessingContext) (map[string]any, error) {
	var classification map[string]any
	if err := s.deps.getJSON(ctx, classificationKeyFor(pctx.DocumentID), &classification); err != nil {
		return nil, err
	}
	docType, _ := classification["document_type"].(string)

	sample, _, err := s.deps.sampleChunks(ctx, pctx.DocumentID)
	if err != nil {
		return nil, err
	}
	result, err := s.deps.AI.GenerateJSON(ctx,
		"You extract manufacturer part numbers from technical documentation.",
		fmt.Sprintf("Document type: %s.\nList every part number in the following excerpt:\n\n%s", docType, sample),
		"parts_extraction",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"parts": map[string]any{
					"type": "array",
					"items": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"part_number": map[string]any{"type": "string"},
							"description": map[string]any{"type": []string{"string", "null"}},
						},
						"required":             []string{"part_number"},
						"additionalProperties": false,
					},
				},
			},
			"required":             []string{"parts"},
			"additionalProperties": false,
		})
	if err != nil {
		return nil, fmt.Errorf("parts_extraction: %w", err)
	}
	key := stagePrefix(pctx.DocumentID, s.Name()) + "parts.json"
	if err := s.deps.putJSON(ctx, key, result); err != nil {
		return nil, err
	}
	parts, _ := result["parts"].([]any)
	return map[string]any{"parts_key": key, "part_count": len(parts)}, nil
}

func (s *PartsExtractionStage) Cleanup(ctx context.Context, documentID string) error {
	return s.deps.cleanupStage(ctx, documentID, s.Name())
}

func partsKeyFor(documentID string) string {
	return stagePrefix(documentID, "parts_extraction") + "parts.json"
}

// SeriesDetectionStage identifies the product series/family the document covers.
type SeriesDetectionStage struct {
	deps Deps
}

func (s *SeriesDetectionStage) Name() string       { return "series_detection" }
func (s *SeriesDetectionStage) SchemaVersion() int { return 1 }

func (s *SeriesDetectionStage) CanonicalInput(pctx *docpipeline.ProcessingContext) (docpipeline.CanonicalInput, error) {
	return canonicalInput(pctx, s.SchemaVersion(), nil), nil
}

func (s *SeriesDetectionStage) Execute(ctx context.Context, pctx *docpipeline.ProcessingContext) (map[string]any, error) {
	var classification map[string]any
	if err := s.deps.getJSON(ctx, classificationKeyFor(pctx.DocumentID), &classification); err != nil {
		return nil, err
	}
	docType, _ := classification["document_type"].(string)

	sample, _, err := s.deps.sampleChunks(ctx, pctx.DocumentID)
	if err != nil {
		return nil, err
	}
	result, err := s.deps.AI.GenerateJSON(ctx,
		"You identify product series and model families in technical documentation.",
		fmt.Sprintf("Document type: %s.\nName the product series this excerpt covers:\n\n%s", docType, sample),
		"series_detection",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"series":     map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				"confidence": map[string]any{"type": "number"},
			},
			"required":             []string{"series", "confidence"},
			"additionalProperties": false,
		})
	if err != nil {
		return nil, fmt.Errorf("series_detection: %w", err)
	}
	key := stagePrefix(pctx.DocumentID, s.Name()) + "series.json"
	if err := s.deps.putJSON(ctx, key, result); err != nil {
		return nil, err
	}
	series, _ := result["series"].([]any)
	return map[string]any{"series_key": key, "series_count": len(series)}, nil
}

func (s *SeriesDetectionStage) Cleanup(ctx context.Context, documentID string) error {
	return s.deps.cleanupStage(ctx, documentID, s.Name())
}

func seriesKeyFor(documentID string) string {
	return stagePrefix(documentID, "series_detection") + "series.json"
}
