package compose

import (
	"fmt"

	"github.com/jung-kurt/gofpdf"
	"github.com/jung-kurt/gofpdf/contrib/gofpdi"
	"github.com/ledongthuc/pdf"
)

const (
	fallbackPageWidthPt  = 595.28 // A4 width, used when a page's MediaBox is unreadable
	fallbackPageHeightPt = 841.89
)

// ValidateAndCountPages opens path with a read-only parser and returns its
// page count, recovering from panics the same way a corrupt upload would
// otherwise crash the worker goroutine.
func ValidateAndCountPages(path string) (pageCount int, err error) {
	defer func() {
		if r := recover(); r != nil {
			pageCount = 0
			err = fmt.Errorf("panic while validating PDF: %v", r)
		}
	}()

	f, r, openErr := pdf.Open(path)
	if openErr != nil {
		return 0, fmt.Errorf("failed to open PDF: %w", openErr)
	}
	defer f.Close()

	n := r.NumPage()
	if n <= 0 {
		return 0, fmt.Errorf("PDF has no pages")
	}
	return n, nil
}

// ReadPageDims reads each page's declared MediaBox size (1-indexed pages,
// n total), recovering from panics on malformed page dictionaries. A page
// whose box cannot be parsed falls back to A4 dimensions rather than
// aborting the whole job over one bad page.
func ReadPageDims(path string, n int) (dims []PageDim, err error) {
	defer func() {
		if r := recover(); r != nil {
			dims = nil
			err = fmt.Errorf("panic while reading page dimensions: %v", r)
		}
	}()

	f, r, openErr := pdf.Open(path)
	if openErr != nil {
		return nil, fmt.Errorf("failed to open PDF: %w", openErr)
	}
	defer f.Close()

	dims = make([]PageDim, n)
	for i := 1; i <= n; i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			dims[i-1] = PageDim{Width: fallbackPageWidthPt, Height: fallbackPageHeightPt}
			continue
		}
		dims[i-1] = mediaBoxDims(page)
	}
	return dims, nil
}

func mediaBoxDims(page pdf.Page) PageDim {
	box := page.V.Key("MediaBox")
	if box.Len() != 4 {
		return PageDim{Width: fallbackPageWidthPt, Height: fallbackPageHeightPt}
	}
	llx, lly := box.Index(0).Float64(), box.Index(1).Float64()
	urx, ury := box.Index(2).Float64(), box.Index(3).Float64()
	w, h := urx-llx, ury-lly
	if w <= 0 || h <= 0 {
		return PageDim{Width: fallbackPageWidthPt, Height: fallbackPageHeightPt}
	}
	return PageDim{Width: w, Height: h}
}

// BuildReversedCopy writes a new PDF at destPath whose n pages are the
// pages of srcPath in reverse order (page N..1 of the source becomes pages
// 1..N of the copy), for order=REV jobs. Each output page keeps its
// source page's original size.
func BuildReversedCopy(srcPath, destPath string, n int) error {
	out := gofpdf.New("P", "pt", "A4", "")
	out.SetAutoPageBreak(false, 0)

	for i := n; i >= 1; i-- {
		tplID := gofpdi.ImportPage(out, srcPath, i, "/MediaBox")
		sizes := gofpdi.GetPageSizes()
		w, h := fallbackPageWidthPt, fallbackPageHeightPt
		if box, ok := sizes[i]["/MediaBox"]; ok {
			w, h = box["w"], box["h"]
		}
		out.AddPageFormat("P", gofpdf.SizeType{Wd: w, Ht: h})
		out.UseImportedTemplate(tplID, 0, 0, w, h)
	}

	if err := out.Error(); err != nil {
		return fmt.Errorf("failed to build reversed copy: %w", err)
	}
	return out.OutputFileAndClose(destPath)
}
