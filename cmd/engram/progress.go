package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/schollz/progressbar/v3"
)

// newSpinner returns an indeterminate progress spinner with a settled-file
// count, or nil when progress is suppressed (--quiet, --json, or stderr not a
// TTY). Callers go through barAdd/barFinish, which treat nil as a no-op.
func newSpinner(description string, enabled bool) *progressbar.ProgressBar {
	if !enabled || !isatty.IsTerminal(os.Stderr.Fd()) {
		return nil
	}
	return progressbar.NewOptions(-1,
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
		progressbar.OptionEnableColorCodes(!color.NoColor),
	)
}

func barAdd(bar *progressbar.ProgressBar, n int) {
	if bar != nil {
		bar.Add(n)
	}
}

func barFinish(bar *progressbar.ProgressBar) {
	if bar != nil {
		bar.Finish()
		fmt.Fprintln(os.Stderr)
	}
}
