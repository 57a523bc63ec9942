package stages

import "context"

// Extractor is the black-box PDF toolchain boundary. The extraction algorithms themselves live
// behind this interface; stages persist whatever comes back verbatim into their own object
// namespace.
type Extractor interface {
	// Text extracts the document's plain text in reading order.
	Text(ctx context.Context, pdf []byte) (string, error)
	// Tables extracts tabular regions as row/column string grids.
	Tables(ctx context.Context, pdf []byte) ([]Table, error)
	// PageImages rasterizes each page to an image.
	PageImages(ctx context.Context, pdf []byte) ([]PageImage, error)
	// VectorGraphics converts each page's vector content to standalone SVG documents.
	VectorGraphics(ctx context.Context, pdf []byte) ([]VectorGraphic, error)
}

// Table is one extracted tabular region.
type Table struct {
	Page int        `json:"page"`
	Rows [][]string `json:"rows"`
}

// PageImage is one rasterized page.
type PageImage struct {
	Page   int    `json:"page"`
	Format string `json:"format"`
	Data   []byte `json:"-"`
}

// VectorGraphic is one page's vector content as SVG.
type VectorGraphic struct {
	Page int    `json:"page"`
	SVG  []byte `json:"-"`
}
