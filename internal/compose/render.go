package compose

import (
	"github.com/jung-kurt/gofpdf"
	"github.com/jung-kurt/gofpdf/contrib/gofpdi"
)

// SheetBuilder draws pages from one source PDF onto custom-sized output
// sheets, importing each source page as a reusable template on first use
// and rotating it about its own center when requested.
type SheetBuilder struct {
	out        *gofpdf.Fpdf
	sourcePath string
	cache      *TemplateCache
}

// NewSheetBuilder constructs a SheetBuilder writing into out, reading pages
// lazily from sourcePath and caching imported templates in cache.
func NewSheetBuilder(out *gofpdf.Fpdf, sourcePath string, cache *TemplateCache) *SheetBuilder {
	return &SheetBuilder{out: out, sourcePath: sourcePath, cache: cache}
}

// NewSheet starts a new output page of the given sheet size.
func (b *SheetBuilder) NewSheet(width, height float64) {
	b.out.AddPageFormat("P", gofpdf.SizeType{Wd: width, Ht: height})
}

// templateFor returns the cached TemplateHandle for a 1-indexed source page,
// importing it into the output document on a cache miss.
func (b *SheetBuilder) templateFor(pageNo int, dim PageDim) TemplateHandle {
	if h, ok := b.cache.Get(pageNo); ok {
		return h
	}
	tplID := gofpdi.ImportPage(b.out, b.sourcePath, pageNo, "/MediaBox")
	h := TemplateHandle{TemplateID: tplID, Width: dim.Width, Height: dim.Height}
	b.cache.Put(pageNo, h)
	return h
}

// PlacePage draws source page pageNo (1-indexed) at (x, y) on the current
// sheet, rotated rotationDeg degrees about its own center when nonzero.
func (b *SheetBuilder) PlacePage(pageNo int, dim PageDim, x, y float64, rotationDeg int) {
	h := b.templateFor(pageNo, dim)

	if rotationDeg == 0 {
		b.out.UseImportedTemplate(h.TemplateID, x, y, dim.Width, dim.Height)
		return
	}

	cx := x + dim.Width/2
	cy := y + dim.Height/2
	b.out.TransformBegin()
	b.out.TransformRotate(float64(rotationDeg), cx, cy)
	b.out.UseImportedTemplate(h.TemplateID, x, y, dim.Width, dim.Height)
	b.out.TransformEnd()
}

// Close finalizes and writes the output document to destPath.
func (b *SheetBuilder) Close(destPath string) error {
	if err := b.out.Error(); err != nil {
		return err
	}
	return b.out.OutputFileAndClose(destPath)
}
