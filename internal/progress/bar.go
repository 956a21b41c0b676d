package progress

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"
	"github.com/schollz/progressbar/v3"
)

// Bar renders one file's progress on a terminal.
type Bar struct {
	bar *progressbar.ProgressBar
}

// NewBar draws a byte-count bar for total bytes labelled with label.
func NewBar(w io.Writer, label string, total int64) *Bar {
	opts := []progressbar.Option{
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription(label),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetWidth(30),
		progressbar.OptionThrottle(100 * time.Millisecond),
		progressbar.OptionOnCompletion(func() { fmt.Fprintln(w) }),
	}
	if !IsTTY(w) {
		opts = append(opts, progressbar.OptionSetVisibility(false))
	}
	return &Bar{bar: progressbar.NewOptions64(total, opts...)}
}

// Set moves the bar to n bytes.
func (b *Bar) Set(n int64) {
	_ = b.bar.Set64(n)
}

// Finish fills the bar.
func (b *Bar) Finish() {
	_ = b.bar.Finish()
}

// Abort leaves the bar where it is and ends the line.
func (b *Bar) Abort() {
	_ = b.bar.Exit()
}

// IsTTY reports whether w is a terminal, or wraps one through a
// File() *os.File method.
func IsTTY(w io.Writer) bool {
	var f *os.File
	switch v := w.(type) {
	case *os.File:
		f = v
	case interface{ File() *os.File }:
		f = v.File()
	}
	if f == nil {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// FormatRate renders a byte rate such as "12 MB/s".
func FormatRate(bps float64) string {
	if bps <= 0 {
		return "0 B/s"
	}
	return humanize.IBytes(uint64(bps)) + "/s"
}

// FormatBytes renders a byte count such as "1.4 MiB".
func FormatBytes(n int64) string {
	if n < 0 {
		n = 0
	}
	return humanize.IBytes(uint64(n))
}
