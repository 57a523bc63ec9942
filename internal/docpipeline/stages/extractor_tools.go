package stages

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/docforge-backend/internal/docpipeline"
	"github.com/yungbote/docforge-backend/internal/platform/localmedia"
	"github.com/yungbote/docforge-backend/internal/platform/logger"
)

// ToolExtractor implements Extractor over the same poppler toolchain localmedia already shells
// for page rendering: pdftotext for text and table layout, pdftoppm (via localmedia) for page
// images, pdftocairo for per-page SVG conversion.
//
// REQUIRED BINARIES in worker runtime: pdftotext, pdftoppm, pdfinfo, pdftocairo.
type ToolExtractor struct {
	tools       localmedia.Tools
	scratch     docpipeline.Filesystem
	log         *logger.Logger
	timeout     time.Duration
	maxSVGPages int
}

func NewToolExtractor(tools localmedia.Tools, scratch docpipeline.Filesystem, baseLog *logger.Logger) *ToolExtractor {
	return &ToolExtractor{
		tools:       tools,
		scratch:     scratch,
		log:         baseLog.With("component", "ToolExtractor"),
		timeout:     5 * time.Minute,
		maxSVGPages: 50,
	}
}

// scratchDir leases a working directory from the filesystem adapter; the returned release
// removes it.
func (e *ToolExtractor) scratchDir() (string, func(), error) {
	id := uuid.New().String()
	dir, err := e.scratch.WorkingDir(id)
	if err != nil {
		return "", nil, err
	}
	return dir, func() { _ = e.scratch.Cleanup(id) }, nil
}

func (e *ToolExtractor) Text(ctx context.Context, pdf []byte) (string, error) {
	return e.pdftotext(ctx, pdf, false)
}

// Tables runs pdftotext in layout mode and picks out line runs whose columns are separated by
// wide space gutters. Heuristic on purpose: real table structure recovery is the toolchain's
// job, this only needs stable row/column grids for downstream indexing.
func (e *ToolExtractor) Tables(ctx context.Context, pdf []byte) ([]Table, error) {
	layout, err := e.pdftotext(ctx, pdf, true)
	if err != nil {
		return nil, err
	}

	var tables []Table
	var current [][]string
	page := 1
	flush := func() {
		if len(current) >= 2 {
			tables = append(tables, Table{Page: page, Rows: current})
		}
		current = nil
	}
	for _, line := range strings.Split(layout, "\n") {
		if strings.Contains(line, "\f") {
			flush()
			page++
			continue
		}
		cells := splitColumns(line)
		if len(cells) >= 2 {
			current = append(current, cells)
			continue
		}
		flush()
	}
	flush()
	return tables, nil
}

func (e *ToolExtractor) PageImages(ctx context.Context, pdf []byte) ([]PageImage, error) {
	pdfPath, cleanup, err := e.tools.WriteTempFile(ctx, pdf, ".pdf")
	if err != nil {
		return nil, err
	}
	defer cleanup()

	outDir, release, err := e.scratchDir()
	if err != nil {
		return nil, fmt.Errorf("page render dir: %w", err)
	}
	defer release()

	paths, err := e.tools.RenderPDFToImages(ctx, pdfPath, outDir, localmedia.PDFRenderOptions{DPI: 150, Format: "png"})
	if err != nil {
		return nil, fmt.Errorf("render pdf pages: %w", err)
	}
	sort.Strings(paths)

	out := make([]PageImage, 0, len(paths))
	for i, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read rendered page: %w", err)
		}
		out = append(out, PageImage{Page: i + 1, Format: "png", Data: data})
	}
	return out, nil
}

func (e *ToolExtractor) VectorGraphics(ctx context.Context, pdf []byte) ([]VectorGraphic, error) {
	pdfPath, cleanup, err := e.tools.WriteTempFile(ctx, pdf, ".pdf")
	if err != nil {
		return nil, err
	}
	defer cleanup()

	pages, err := e.tools.CountPDFPages(ctx, pdfPath)
	if err != nil {
		return nil, fmt.Errorf("count pdf pages: %w", err)
	}
	if pages > e.maxSVGPages {
		pages = e.maxSVGPages
	}

	outDir, release, err := e.scratchDir()
	if err != nil {
		return nil, fmt.Errorf("svg dir: %w", err)
	}
	defer release()

	var out []VectorGraphic
	for page := 1; page <= pages; page++ {
		svgPath := filepath.Join(outDir, fmt.Sprintf("page-%03d.svg", page))
		callCtx, cancel := context.WithTimeout(ctx, e.timeout)
		cmd := exec.CommandContext(callCtx, "pdftocairo",
			"-svg",
			"-f", fmt.Sprint(page),
			"-l", fmt.Sprint(page),
			pdfPath,
			svgPath,
		)
		var stderr bytes.Buffer
		cmd.Stderr = &stderr
		err := cmd.Run()
		cancel()
		if err != nil {
			return nil, fmt.Errorf("pdftocairo page %d: %w; stderr=%s", page, err, strings.TrimSpace(stderr.String()))
		}
		data, err := os.ReadFile(svgPath)
		if err != nil {
			return nil, fmt.Errorf("read svg page %d: %w", page, err)
		}
		out = append(out, VectorGraphic{Page: page, SVG: data})
	}
	return out, nil
}

func (e *ToolExtractor) pdftotext(ctx context.Context, pdf []byte, layout bool) (string, error) {
	if _, err := exec.LookPath("pdftotext"); err != nil {
		return "", fmt.Errorf("pdftotext not found in PATH: %w", err)
	}
	pdfPath, cleanup, err := e.tools.WriteTempFile(ctx, pdf, ".pdf")
	if err != nil {
		return "", err
	}
	defer cleanup()

	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	args := []string{"-enc", "UTF-8"}
	if layout {
		args = append(args, "-layout")
	}
	args = append(args, pdfPath, "-")

	cmd := exec.CommandContext(callCtx, "pdftotext", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if s := strings.TrimSpace(stderr.String()); s != "" {
			return "", fmt.Errorf("pdftotext: %w; stderr=%s", err, s)
		}
		return "", fmt.Errorf("pdftotext: %w", err)
	}
	return stdout.String(), nil
}

// splitColumns breaks a layout-mode line on gutters of 3+ spaces.
func splitColumns(line string) []string {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return nil
	}
	parts := strings.Split(trimmed, "   ")
	var cells []string
	for _, p := range parts {
		if c := strings.TrimSpace(p); c != "" {
			cells = append(cells, c)
		}
	}
	return cells
}
