// Package compose implements the sheet composition worker: it packs a
// source PDF's pages onto fixed-width, variable-height output sheets,
// applying optional per-page rotation and whole-document reversal.
//
// The packing math in this file is pure — it operates on plain page
// dimensions and has no PDF library dependency, so it can be exercised
// directly by tests without constructing real documents.
package compose

import "fmt"

const (
	// SheetWidthPt is the fixed 317mm output sheet width in PDF points.
	SheetWidthPt = 317.0 / 25.4 * 72.0
	// MaxSheetHeightPt is the maximum 980mm output sheet height in PDF points.
	MaxSheetHeightPt = 980.0 / 25.4 * 72.0
	// Epsilon is the point-unit tolerance applied to height-sum comparisons.
	Epsilon = 0.01
)

// PageDim is a source page's declared width and height, in PDF points.
type PageDim struct {
	Width  float64
	Height float64
}

// Sheet is one packed group of consecutive source pages, identified by the
// half-open page range [Start, End) and their summed height.
type Sheet struct {
	Start int
	End   int
	Total float64
}

// fillSheet greedily accumulates consecutive pages starting at start while
// the running height sum stays within MaxSheetHeightPt+Epsilon, and returns
// the exclusive end index and the accumulated total. A page taller than the
// max on its own can never fit on any sheet, so that is reported as an
// error rather than silently placing it alone.
func fillSheet(dims []PageDim, start int) (end int, total float64, err error) {
	if dims[start].Height > MaxSheetHeightPt+Epsilon {
		return start, 0, fmt.Errorf("page %d height %.2fpt exceeds max sheet height %.2fpt", start, dims[start].Height, MaxSheetHeightPt)
	}
	idx := start
	for idx < len(dims) && total+dims[idx].Height <= MaxSheetHeightPt+Epsilon {
		total += dims[idx].Height
		idx++
	}
	return idx, total, nil
}

// PackSheets groups every page in dims into consecutive sheets using the
// same greedy bound as the simulation in StandardSheetHeight. Returns an
// error if any page is too tall to fit on a sheet by itself.
func PackSheets(dims []PageDim) ([]Sheet, error) {
	var sheets []Sheet
	for idx := 0; idx < len(dims); {
		end, total, err := fillSheet(dims, idx)
		if err != nil {
			return nil, err
		}
		sheets = append(sheets, Sheet{Start: idx, End: end, Total: total})
		idx = end
	}
	return sheets, nil
}

// StandardSheetHeight simulates packing the first K sheets (K = min(10,
// ceil(N/10))) and picks the canvas height every output sheet will use.
// It prefers the first simulated sheet's total unless that total is below
// half of MaxSheetHeightPt, in which case it uses the first simulated total
// that reaches at least half. Falls back to MaxSheetHeightPt when dims is
// empty.
func StandardSheetHeight(dims []PageDim) float64 {
	n := len(dims)
	if n == 0 {
		return MaxSheetHeightPt
	}

	k := n / 10
	if n%10 != 0 {
		k++
	}
	if k > 10 {
		k = 10
	}

	var totals []float64
	for idx := 0; len(totals) < k && idx < n; {
		end, total, err := fillSheet(dims, idx)
		if err != nil {
			// An oversized page fails composition later in PackSheets; this
			// simulation only picks a canvas height, so it stops here and
			// works with whatever totals it already gathered.
			break
		}
		totals = append(totals, total)
		idx = end
	}
	if len(totals) == 0 {
		return MaxSheetHeightPt
	}

	first := totals[0]
	if first < 0.5*MaxSheetHeightPt {
		for _, t := range totals {
			if t >= 0.5*MaxSheetHeightPt {
				return t
			}
		}
	}
	return first
}

// XOffset centers a page of the given width horizontally on the sheet.
func XOffset(pageWidth float64) float64 {
	return (SheetWidthPt - pageWidth) / 2
}
