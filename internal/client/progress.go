package client

import (
	"fmt"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/bobmcallan/sheetbuilder/internal/models"
)

const barUpdateInterval = 50 * time.Millisecond

// Bar renders a single job's ProgressEvent stream to the terminal. All
// methods are no-ops when disabled, so callers never need to branch on
// whether progress output was requested.
type Bar struct {
	bar *progressbar.ProgressBar
}

// NewBar creates a determinate progress bar over totalPages, or a disabled
// Bar if enabled is false.
func NewBar(enabled bool, totalPages int) *Bar {
	if !enabled {
		return &Bar{}
	}
	b := progressbar.NewOptions(totalPages,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionThrottle(barUpdateInterval),
		progressbar.OptionSetWidth(40),
		progressbar.OptionClearOnFinish(),
		progressbar.OptionShowCount(),
	)
	return &Bar{bar: b}
}

// Update renders one ProgressEvent. Safe to call on a disabled Bar.
func (b *Bar) Update(evt *models.ProgressEvent) {
	if b.bar == nil {
		return
	}
	if evt.TotalPages > 0 {
		_ = b.bar.ChangeMax(evt.TotalPages)
	}
	_ = b.bar.Set(evt.CurrentPage)
	b.bar.Describe(fmt.Sprintf("%s (%.0f%%)", evt.Operation, evt.PercentComplete))
}

// Finish completes the bar and prints a final message.
func (b *Bar) Finish(msg string) {
	if b.bar == nil {
		return
	}
	_ = b.bar.Finish()
	fmt.Fprintln(os.Stderr, "done: "+msg)
}
