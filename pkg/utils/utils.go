// pkg/utils/utils.go

package utils

import (
	"os"
	"syscall"

	"github.com/mattn/go-isatty"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
)

func Min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// NewScanProgressBar builds a byte-count progress bar for a scan run.
// The bar is silenced when stdout is not a terminal or quiet is set.
func NewScanProgressBar(title string, total int64, quiet bool) (*mpb.Progress, *mpb.Bar) {
	var progress *mpb.Progress
	if !quiet && isatty.IsTerminal(os.Stdout.Fd()) {
		progress = mpb.New(mpb.WithWidth(64))
	} else {
		progress = mpb.New(mpb.WithWidth(64), mpb.WithOutput(nil))
	}
	bar := progress.AddBar(total,
		mpb.PrependDecorators(
			decor.Name(title, decor.WCSyncWidth),
			decor.CountersKibiByte("% .1f / % .1f"),
		),
		mpb.AppendDecorators(
			decor.AverageSpeed(decor.SizeB1024(0), "% .1f"),
			decor.OnComplete(decor.Percentage(decor.WC{W: 6}), " done"),
		),
	)
	return progress, bar
}

type Rusage struct {
	syscall.Rusage
}

func (ru *Rusage) GetUtime() float64 {
	return float64(ru.Utime.Sec) + float64(ru.Utime.Usec)/1e6
}

func (ru *Rusage) GetStime() float64 {
	return float64(ru.Stime.Sec) + float64(ru.Stime.Usec)/1e6
}

func GetRusage() *Rusage {
	var ru syscall.Rusage
	_ = syscall.Getrusage(syscall.RUSAGE_SELF, &ru)
	return &Rusage{ru}
}
