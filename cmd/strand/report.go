package main

import (
	"fmt"
	"io"
	"runtime"
	"time"

	"github.com/samcharles93/strand/internal/inference"
)

// writeReport prints throughput and heap usage after a turn.
func writeReport(w io.Writer, stats inference.Stats) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	_, _ = fmt.Fprintf(w, "%d tokens generated (%.2f token/s), prefill %s, heap %s, sys %s\n",
		stats.TokensGenerated,
		stats.TPS,
		stats.PromptPrefill.Round(time.Millisecond),
		formatBytes(ms.HeapAlloc),
		formatBytes(ms.Sys),
	)
}

func formatBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
