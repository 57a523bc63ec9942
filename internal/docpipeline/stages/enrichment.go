package stages

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/yungbote/docforge-backend/internal/docpipeline"
)

// maxVisualPages bounds how many page renders the visual_embedding stage describes per
// document; vision calls dominate stage latency and early pages carry the diagrams.
const maxVisualPages = 8

// visualEmbeddingRecord pairs a page render with its vision description and the description's
// embedding vector.
type visualEmbeddingRecord struct {
	Page        int       `json:"page"`
	ImageKey    string    `json:"image_key"`
	Description string    `json:"description"`
	Vector      []float32 `json:"vector"`
}

// VisualEmbeddingStage describes each page render through the vision model and embeds the
// descriptions, producing vectors that sit alongside the text embeddings in the index.
type VisualEmbeddingStage struct {
	deps Deps
}

func (s *VisualEmbeddingStage) Name() string       { return "visual_embedding" }
func (s *VisualEmbeddingStage) SchemaVersion() int { return 1 }

func (s *VisualEmbeddingStage) CanonicalInput(pctx *docpipeline.ProcessingContext) (docpipeline.CanonicalInput, error) {
	return canonicalInput(pctx, s.SchemaVersion(), map[string]any{
		"max_visual_pages": maxVisualPages,
	}), nil
}

func (s *VisualEmbeddingStage) Execute(ctx context.Context, pctx *docpipeline.ProcessingContext) (map[string]any, error) {
	var manifest []imageManifestEntry
	if err := s.deps.getJSON(ctx, imageManifestKey(pctx.DocumentID), &manifest); err != nil {
		return nil, err
	}
	if len(manifest) > maxVisualPages {
		manifest = manifest[:maxVisualPages]
	}

	records := make([]visualEmbeddingRecord, 0, len(manifest))
	descriptions := make([]string, 0, len(manifest))
	for _, entry := range manifest {
		data, err := s.deps.getBytes(ctx, entry.Key)
		if err != nil {
			return nil, err
		}
		dataURI := fmt.Sprintf("data:image/%s;base64,%s", entry.Format, base64.StdEncoding.EncodeToString(data))
		desc, err := s.deps.AI.DescribeImage(ctx, dataURI,
			"Describe this technical-document page for retrieval: name the diagrams, callouts, and any part or model identifiers visible.")
		if err != nil {
			return nil, fmt.Errorf("visual_embedding: describe page %d: %w", entry.Page, err)
		}
		records = append(records, visualEmbeddingRecord{Page: entry.Page, ImageKey: entry.Key, Description: desc})
		descriptions = append(descriptions, desc)
	}

	if len(descriptions) > 0 {
		vectors, err := s.deps.AI.Embed(ctx, descriptions)
		if err != nil {
			return nil, fmt.Errorf("visual_embedding: embed descriptions: %w", err)
		}
		if len(vectors) != len(records) {
			return nil, fmt.Errorf("visual_embedding: embedding count mismatch: %d vectors for %d pages", len(vectors), len(records))
		}
		for i := range records {
			records[i].Vector = vectors[i]
		}
	}

	key := stagePrefix(pctx.DocumentID, s.Name()) + "visual_embeddings.json"
	if err := s.deps.putJSON(ctx, key, records); err != nil {
		return nil, err
	}
	return map[string]any{"visual_embeddings_key": key, "page_count": len(records)}, nil
}

func (s *VisualEmbeddingStage) Cleanup(ctx context.Context, documentID string) error {
	return s.deps.cleanupStage(ctx, documentID, s.Name())
}

// embeddingRecord carries the chunk text alongside its vector so search_indexing reads only
// its declared prerequisite outputs.
type embeddingRecord struct {
	ChunkIndex int       `json:"chunk_index"`
	Text       string    `json:"text"`
	Vector     []float32 `json:"vector"`
}

// embedBatchSize bounds inputs per embedding round trip.
const embedBatchSize = 64

// EmbeddingStage embeds every prepared chunk.
type EmbeddingStage struct {
	deps Deps
}

func (s *EmbeddingStage) Name() string       { return "embedding" }
func (s *EmbeddingStage) SchemaVersion() int { return 1 }

func (s *EmbeddingStage) CanonicalInput(pctx *docpipeline.ProcessingContext) (docpipeline.CanonicalInput, error) {
	return canonicalInput(pctx, s.SchemaVersion(), map[string]any{
		"batch_size": embedBatchSize,
	}), nil
}

func (s *EmbeddingStage) Execute(ctx context.Context, pctx *docpipeline.ProcessingContext) (map[string]any, error) {
	var chunks []chunkRecord
	if err := s.deps.getJSON(ctx, chunksKeyFor(pctx.DocumentID), &chunks); err != nil {
		return nil, err
	}

	records := make([]embeddingRecord, 0, len(chunks))
	for start := 0; start < len(chunks); start += embedBatchSize {
		end := start + embedBatchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		batch := chunks[start:end]
		inputs := make([]string, len(batch))
		for i, c := range batch {
			inputs[i] = c.Text
		}
		vectors, err := s.deps.AI.Embed(ctx, inputs)
		if err != nil {
			return nil, fmt.Errorf("embedding: %w", err)
		}
		if len(vectors) != len(batch) {
			return nil, fmt.Errorf("embedding: vector count mismatch: %d for %d chunks", len(vectors), len(batch))
		}
		for i, c := range batch {
			records = append(records, embeddingRecord{ChunkIndex: c.Index, Text: c.Text, Vector: vectors[i]})
		}
	}

	dims := 0
	if len(records) > 0 {
		dims = len(records[0].Vector)
	}
	key := stagePrefix(pctx.DocumentID, s.Name()) + "embeddings.json"
	if err := s.deps.putJSON(ctx, key, records); err != nil {
		return nil, err
	}
	return map[string]any{"embeddings_key": key, "embedding_count": len(records), "dimensions": dims}, nil
}

func (s *EmbeddingStage) Cleanup(ctx context.Context, documentID string) error {
	return s.deps.cleanupStage(ctx, documentID, s.Name())
}

func embeddingsKeyFor(documentID string) string {
	return stagePrefix(documentID, "embedding") + "embeddings.json"
}
