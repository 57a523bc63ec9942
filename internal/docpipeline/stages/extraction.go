package stages

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/yungbote/docforge-backend/internal/docpipeline"
)

// TextExtractionStage pulls the document's plain text from the staged source bytes and writes
// it as a single text artifact the processing group consumes.
type TextExtractionStage struct {
	deps Deps
}

func (s *TextExtractionStage) Name() string       { return "text_extraction" }
func (s *TextExtractionStage) SchemaVersion() int { return 1 }

func (s *TextExtractionStage) CanonicalInput(pctx *docpipeline.ProcessingContext) (docpipeline.CanonicalInput, error) {
	return canonicalInput(pctx, s.SchemaVersion(), nil), nil
}

func (s *TextExtractionStage) Execute(ctx context.Context, pctx *docpipeline.ProcessingContext) (map[string]any, error) {
	pdf, err := s.deps.getBytes(ctx, stagedSourceKey(pctx.DocumentID))
	if err != nil {
		return nil, err
	}
	text, err := s.deps.Extract.Text(ctx, pdf)
	if err != nil {
		return nil, fmt.Errorf("text_extraction: %w", err)
	}
	textKey := stagePrefix(pctx.DocumentID, s.Name()) + "text.txt"
	if err := s.deps.putBytes(ctx, textKey, []byte(text), "text/plain; charset=utf-8"); err != nil {
		return nil, err
	}
	return map[string]any{"text_key": textKey, "char_count": len(text)}, nil
}

func (s *TextExtractionStage) Cleanup(ctx context.Context, documentID string) error {
	return s.deps.cleanupStage(ctx, documentID, s.Name())
}

func extractedTextKey(documentID string) string {
	return stagePrefix(documentID, "text_extraction") + "text.txt"
}

// TableExtractionStage persists the extracted tabular regions as one JSON artifact.
type TableExtractionStage struct {
	deps Deps
}

func (s *TableExtractionStage) Name() string       { return "table_extraction" }
func (s *TableExtractionStage) SchemaVersion() int { return 1 }

func (s *TableExtractionStage) CanonicalInput(pctx *docpipeline.ProcessingContext) (docpipeline.CanonicalInput, error) {
	return canonicalInput(pctx, s.SchemaVersion(), nil), nil
}

func (s *TableExtractionStage) Execute(ctx context.Context, pctx *docpipeline.ProcessingContext) (map[string]any, error) {
	pdf, err := s.deps.getBytes(ctx, stagedSourceKey(pctx.DocumentID))
	if err != nil {
		return nil, err
	}
	tables, err := s.deps.Extract.Tables(ctx, pdf)
	if err != nil {
		return nil, fmt.Errorf("table_extraction: %w", err)
	}
	tablesKey := stagePrefix(pctx.DocumentID, s.Name()) + "tables.json"
	if err := s.deps.putJSON(ctx, tablesKey, tables); err != nil {
		return nil, err
	}
	return map[string]any{"tables_key": tablesKey, "table_count": len(tables)}, nil
}

func (s *TableExtractionStage) Cleanup(ctx context.Context, documentID string) error {
	return s.deps.cleanupStage(ctx, documentID, s.Name())
}

// SVGProcessingStage converts each page's vector content to standalone SVG objects plus a
// manifest listing their keys.
type SVGProcessingStage struct {
	deps Deps
}

func (s *SVGProcessingStage) Name() string       { return "svg_processing" }
func (s *SVGProcessingStage) SchemaVersion() int { return 1 }

func (s *SVGProcessingStage) CanonicalInput(pctx *docpipeline.ProcessingContext) (docpipeline.CanonicalInput, error) {
	return canonicalInput(pctx, s.SchemaVersion(), nil), nil
}

func (s *SVGProcessingStage) Execute(ctx context.Context, pctx *docpipeline.ProcessingContext) (map[string]any, error) {
	pdf, err := s.deps.getBytes(ctx, stagedSourceKey(pctx.DocumentID))
	if err != nil {
		return nil, err
	}
	graphics, err := s.deps.Extract.VectorGraphics(ctx, pdf)
	if err != nil {
		return nil, fmt.Errorf("svg_processing: %w", err)
	}

	prefix := stagePrefix(pctx.DocumentID, s.Name())
	type svgEntry struct {
		Page int    `json:"page"`
		Key  string `json:"key"`
	}
	entries := make([]svgEntry, 0, len(graphics))
	for _, g := range graphics {
		key := fmt.Sprintf("%spage-%03d.svg", prefix, g.Page)
		if err := s.deps.putBytes(ctx, key, g.SVG, "image/svg+xml"); err != nil {
			return nil, err
		}
		entries = append(entries, svgEntry{Page: g.Page, Key: key})
	}
	manifestKey := prefix + "manifest.json"
	if err := s.deps.putJSON(ctx, manifestKey, entries); err != nil {
		return nil, err
	}
	return map[string]any{"manifest_key": manifestKey, "svg_count": len(entries)}, nil
}

func (s *SVGProcessingStage) Cleanup(ctx context.Context, documentID string) error {
	return s.deps.cleanupStage(ctx, documentID, s.Name())
}

// ImageProcessingStage rasterizes each page and persists the renders plus a manifest.
type ImageProcessingStage struct {
	deps Deps
}

func (s *ImageProcessingStage) Name() string       { return "image_processing" }
func (s *ImageProcessingStage) SchemaVersion() int { return 1 }

func (s *ImageProcessingStage) CanonicalInput(pctx *docpipeline.ProcessingContext) (docpipeline.CanonicalInput, error) {
	return canonicalInput(pctx, s.SchemaVersion(), nil), nil
}

// imageManifestEntry is shared with the visual_embedding stage, which reads this manifest as a
// declared prerequisite output.
type imageManifestEntry struct {
	Page   int    `json:"page"`
	Key    string `json:"key"`
	Format string `json:"format"`
}

func (s *ImageProcessingStage) Execute(ctx context.Context, pctx *docpipeline.ProcessingContext) (map[string]any, error) {
	pdf, err := s.deps.getBytes(ctx, stagedSourceKey(pctx.DocumentID))
	if err != nil {
		return nil, err
	}
	images, err := s.deps.Extract.PageImages(ctx, pdf)
	if err != nil {
		return nil, fmt.Errorf("image_processing: %w", err)
	}

	prefix := stagePrefix(pctx.DocumentID, s.Name())
	entries := make([]imageManifestEntry, 0, len(images))
	for _, img := range images {
		key := fmt.Sprintf("%spage-%03d.%s", prefix, img.Page, img.Format)
		if err := s.deps.putBytes(ctx, key, img.Data, "image/"+img.Format); err != nil {
			return nil, err
		}
		entries = append(entries, imageManifestEntry{Page: img.Page, Key: key, Format: img.Format})
	}
	manifestKey := prefix + "manifest.json"
	if err := s.deps.putJSON(ctx, manifestKey, entries); err != nil {
		return nil, err
	}
	return map[string]any{"manifest_key": manifestKey, "image_count": len(entries)}, nil
}

func (s *ImageProcessingStage) Cleanup(ctx context.Context, documentID string) error {
	return s.deps.cleanupStage(ctx, documentID, s.Name())
}

func imageManifestKey(documentID string) string {
	return stagePrefix(documentID, "image_processing") + "manifest.json"
}

var linkPattern = regexp.MustCompile(`https?://[^\s<>"')\]]+`)

// LinkExtractionStage pulls hyperlinks out of the extracted text.
type LinkExtractionStage struct {
	deps Deps
}

func (s *LinkExtractionStage) Name() string       { return "link_extraction" }
func (s *LinkExtractionStage) SchemaVersion() int { return 1 }

func (s *LinkExtractionStage) CanonicalInput(pctx *docpipeline.ProcessingContext) (docpipeline.CanonicalInput, error) {
	return canonicalInput(pctx, s.SchemaVersion(), nil), nil
}

func (s *LinkExtractionStage) Execute(ctx context.Context, pctx *docpipeline.ProcessingContext) (map[string]any, error) {
	raw, err := s.deps.getBytes(ctx, extractedTextKey(pctx.DocumentID))
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	var links []string
	for _, l := range linkPattern.FindAllString(string(raw), -1) {
		l = strings.TrimRight(l, ".,;")
		if !seen[l] {
			seen[l] = true
			links = append(links, l)
		}
	}
	linksKey := stagePrefix(pctx.DocumentID, s.Name()) + "links.json"
	if err := s.deps.putJSON(ctx, linksKey, links); err != nil {
		return nil, err
	}
	return map[string]any{"links_key": linksKey, "link_count": len(links)}, nil
}

func (s *LinkExtractionStage) Cleanup(ctx context.Context, documentID string) error {
	return s.deps.cleanupStage(ctx, documentID, s.Name())
}
