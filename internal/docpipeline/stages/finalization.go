package stages

import (
	"context"
	"fmt"

	"github.com/yungbote/docforge-backend/internal/docpipeline"
)

// assetRef is one persisted artifact in the consolidated storage manifest.
type assetRef struct {
	Stage string `json:"stage"`
	Page  int    `json:"page"`
	Key   string `json:"key"`
	Kind  string `json:"kind"`
}

// StorageStage consolidates the media artifacts the extraction group produced (tables, SVGs,
// page renders) into one asset manifest, the pipeline's durable record of what exists where.
type StorageStage struct {
	deps Deps
}

func (s *StorageStage) Name() string       { return "storage" }
func (s *StorageStage) SchemaVersion() int { return 1 }

func (s *StorageStage) CanonicalInput(pctx *docpipeline.ProcessingContext) (docpipeline.CanonicalInput, error) {
	return canonicalInput(pctx, s.SchemaVersion(), nil), nil
}

func (s *StorageStage) Execute(ctx context.Context, pctx *docpipeline.ProcessingContext) (map[string]any, error) {
	var assets []assetRef

	var tables []Table
	if err := s.deps.getJSON(ctx, stagePrefix(pctx.DocumentID, "table_extraction")+"tables.json", &tables); err != nil {
		return nil, err
	}
	for i, t := range tables {
		assets = append(assets, assetRef{
			Stage: "table_extraction",
			Page:  t.Page,
			Key:   stagePrefix(pctx.DocumentID, "table_extraction") + "tables.json",
			Kind:  fmt.Sprintf("table[%d]", i),
		})
	}

	var svgs []struct {
		Page int    `json:"page"`
		Key  string `json:"key"`
	}
	if err := s.deps.getJSON(ctx, stagePrefix(pctx.DocumentID, "svg_processing")+"manifest.json", &svgs); err != nil {
		return nil, err
	}
	for _, e := range svgs {
		assets = append(assets, assetRef{Stage: "svg_processing", Page: e.Page, Key: e.Key, Kind: "svg"})
	}

	var images []imageManifestEntry
	if err := s.deps.getJSON(ctx, imageManifestKey(pctx.DocumentID), &images); err != nil {
		return nil, err
	}
	for _, e := range images {
		assets = append(assets, assetRef{Stage: "image_processing", Page: e.Page, Key: e.Key, Kind: "page_image"})
	}

	manifestKey := stagePrefix(pctx.DocumentID, s.Name()) + "manifest.json"
	if err := s.deps.putJSON(ctx, manifestKey, assets); err != nil {
		return nil, err
	}
	return map[string]any{"manifest_key": manifestKey, "asset_count": len(assets)}, nil
}

func (s *StorageStage) Cleanup(ctx context.Context, documentID string) error {
	return s.deps.cleanupStage(ctx, documentID, s.Name())
}

func storageManifestKey(documentID string) string {
	return stagePrefix(documentID, "storage") + "manifest.json"
}

// searchDocument is one indexable unit: a chunk's text and vector decorated with the
// document-level extraction facets.
type searchDocument struct {
	ID     string    `json:"id"`
	Text   string    `json:"text"`
	Vector []float32 `json:"vector"`
	Parts  []string  `json:"parts,omitempty"`
	Series []string  `json:"series,omitempty"`
	Assets int       `json:"assets"`
}

// SearchIndexingStage joins the embedding vectors with the extracted facets (parts, series,
// asset manifest) into the final searchable index artifact.
type SearchIndexingStage struct {
	deps Deps
}

func (s *SearchIndexingStage) Name() string       { return "search_indexing" }
func (s *SearchIndexingStage) SchemaVersion() int { return 1 }

func (s *SearchIndexingStage) CanonicalInput(pctx *docpipeline.ProcessingContext) (docpipeline.CanonicalInput, error) {
	return canonicalInput(pctx, s.SchemaVersion(), nil), nil
}

func (s *SearchIndexingStage) Execute(ctx context.Context, pctx *docpipeline.ProcessingContext) (map[string]any, error) {
	var embeddings []embeddingRecord
	if err := s.deps.getJSON(ctx, embeddingsKeyFor(pctx.DocumentID), &embeddings); err != nil {
		return nil, err
	}

	var partsResult struct {
		Parts []struct {
			PartNumber string `json:"part_number"`
		} `json:"parts"`
	}
	if err := s.deps.getJSON(ctx, partsKeyFor(pctx.DocumentID), &partsResult); err != nil {
		return nil, err
	}
	parts := make([]string, 0, len(partsResult.Parts))
	for _, p := range partsResult.Parts {
		parts = append(parts, p.PartNumber)
	}

	var seriesResult struct {
		Series []string `json:"series"`
	}
	if err := s.deps.getJSON(ctx, seriesKeyFor(pctx.DocumentID), &seriesResult); err != nil {
		return nil, err
	}

	var assets []assetRef
	if err := s.deps.getJSON(ctx, storageManifestKey(pctx.DocumentID), &assets); err != nil {
		return nil, err
	}

	docs := make([]searchDocument, 0, len(embeddings))
	for _, e := range embeddings {
		docs = append(docs, searchDocument{
			ID:     fmt.Sprintf("%s#%d", pctx.DocumentID, e.ChunkIndex),
			Text:   e.Text,
			Vector: e.Vector,
			Parts:  parts,
			Series: seriesResult.Series,
			Assets: len(assets),
		})
	}

	indexKey := stagePrefix(pctx.DocumentID, s.Name()) + "search_index.json"
	if err := s.deps.putJSON(ctx, indexKey, docs); err != nil {
		return nil, err
	}
	return map[string]any{"index_key": indexKey, "indexed_count": len(docs)}, nil
}

func (s *SearchIndexingStage) Cleanup(ctx context.Context, documentID string) error {
	return s.deps.cleanupStage(ctx, documentID, s.Name())
}
