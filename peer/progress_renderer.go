package peer

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"tarun-kavipurapu/chunk-fabric/pkg/logger"
)

// ANSI color codes for terminal output
const (
	Reset  = "\033[0m"
	Red    = "\033[31m"
	Green  = "\033[32m"
	Yellow = "\033[33m"
	Blue   = "\033[34m"
	Cyan   = "\033[36m"
	Bold   = "\033[1m"
)

// ProgressRenderer redraws a one-line progress bar for a download on w.
// The final outcome is also written to the log.
type ProgressRenderer struct {
	tracker     *DownloadTracker
	out         io.Writer
	stopChan    chan struct{}
	stopped     chan struct{}
	once        sync.Once
	refreshRate time.Duration
	useColors   bool
	width       int
}

func NewProgressRenderer(tracker *DownloadTracker, out io.Writer, useColors bool) *ProgressRenderer {
	if out == nil {
		out = io.Discard
	}
	return &ProgressRenderer{
		tracker:     tracker,
		out:         out,
		stopChan:    make(chan struct{}),
		stopped:     make(chan struct{}),
		refreshRate: 200 * time.Millisecond,
		useColors:   useColors,
		width:       40,
	}
}

// Start runs the render loop until Stop or StopAndWait.
func (pr *ProgressRenderer) Start() {
	defer close(pr.stopped)
	pr.Render()

	ticker := time.NewTicker(pr.refreshRate)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			pr.tracker.UpdateSpeed()
			pr.Render()
		case <-pr.stopChan:
			return
		}
	}
}

// StopAndWait stops the loop and renders the final state, success or
// failure depending on err.
func (pr *ProgressRenderer) StopAndWait(err error) {
	pr.once.Do(func() { close(pr.stopChan) })
	<-pr.stopped

	if err == nil && pr.tracker.IsComplete() {
		pr.RenderFinal()
		return
	}
	pr.RenderError(err)
}

// Render draws the current progress line.
func (pr *ProgressRenderer) Render() {
	completed, total, speed, peerCount, failed := pr.tracker.GetProgress()

	var percent float64
	if total > 0 {
		percent = float64(completed) / float64(total) * 100
	}
	filled := int(float64(pr.width) * percent / 100)
	if filled > pr.width {
		filled = pr.width
	}
	bar := strings.Repeat("█", filled) + strings.Repeat("░", pr.width-filled)
	speedStr := formatBytes(speed)
	etaStr := formatETA(pr.tracker.GetETA())

	var line string
	if pr.useColors {
		line = fmt.Sprintf("\r%s[%s]%s [%s] %s%.1f%%%s (%d/%d chunks) | %s/s | %d peers | ETA: %s",
			Cyan, pr.tracker.FileName, Reset,
			Green+bar+Reset,
			Yellow, percent, Reset, completed, total,
			Blue+speedStr+Reset, peerCount, etaStr,
		)
	} else {
		line = fmt.Sprintf("\r[%s] [%s] %.1f%% (%d/%d chunks) | %s/s | %d peers | ETA: %s",
			pr.tracker.FileName, bar, percent, completed, total,
			speedStr, peerCount, etaStr,
		)
	}
	if failed > 0 {
		if pr.useColors {
			line += Red + fmt.Sprintf(" | %d failed", failed) + Reset
		} else {
			line += fmt.Sprintf(" | %d failed", failed)
		}
	}
	fmt.Fprint(pr.out, line)
}

// RenderFinal renders the final completed state
func (pr *ProgressRenderer) RenderFinal() {
	_, total, _, _, _ := pr.tracker.GetProgress()
	elapsed := formatDuration(pr.tracker.GetElapsedTime())
	size := formatBytes(float64(pr.tracker.GetBytesDownloaded()))

	fmt.Fprint(pr.out, "\r\033[K")
	if pr.useColors {
		fmt.Fprintf(pr.out, "%s[%s]%s [%s] %s100%% (%d/%d chunks)%s | %s in %s\n",
			Cyan, pr.tracker.FileName, Reset,
			Green+strings.Repeat("█", pr.width)+Reset,
			Green, total, total, Reset, size, elapsed)
	} else {
		fmt.Fprintf(pr.out, "[%s] [%s] 100%% (%d/%d chunks) | %s in %s\n",
			pr.tracker.FileName, strings.Repeat("█", pr.width), total, total, size, elapsed)
	}
	logger.Sugar.Infof("[Download] completed: file=%s chunks=%d bytes=%d elapsed=%s",
		pr.tracker.FileName, total, pr.tracker.GetBytesDownloaded(), elapsed)
}

// RenderError renders an error state
func (pr *ProgressRenderer) RenderError(err error) {
	completed, total, _, _, failed := pr.tracker.GetProgress()
	var percent float64
	if total > 0 {
		percent = float64(completed) / float64(total) * 100
	}

	fmt.Fprint(pr.out, "\r\033[K")
	if pr.useColors {
		fmt.Fprintf(pr.out, "%s[%s]%s [%s] %.1f%% | %s%sDownload failed%s: %d/%d completed, %d failed\n",
			Cyan, pr.tracker.FileName, Reset, Red+"✗"+Reset, percent,
			Red, Bold, Reset, completed, total, failed)
	} else {
		fmt.Fprintf(pr.out, "[%s] [✗] %.1f%% | Download failed: %d/%d completed, %d failed\n",
			pr.tracker.FileName, percent, completed, total, failed)
	}
	logger.Sugar.Errorf("[Download] failed: file=%s completed=%d/%d failed_chunks=%v err=%v",
		pr.tracker.FileName, completed, total, pr.tracker.GetFailedChunks(), err)
}

// formatBytes formats a byte count into a human-readable string
func formatBytes(bytes float64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%.1f B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", bytes/float64(div), "KMGTPE"[exp])
}

func formatETA(eta time.Duration) string {
	if eta <= 0 {
		return "∞"
	}
	return formatDuration(eta)
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return "<1s"
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", d/time.Second)
	}
	if d < time.Hour {
		mins := d / time.Minute
		secs := (d % time.Minute) / time.Second
		return fmt.Sprintf("%dm%ds", mins, secs)
	}
	hours := d / time.Hour
	mins := (d % time.Hour) / time.Minute
	return fmt.Sprintf("%dh%dm", hours, mins)
}
