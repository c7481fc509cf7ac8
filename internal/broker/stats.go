// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package broker

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
)

// Stats agrega contadores globais do broker. Trocados-e-zerados a cada
// intervalo pelo reporter.
type Stats struct {
	ActiveConns atomic.Int64
	TrafficIn   atomic.Int64 // bytes recebidos via chunks (pós-decode)
	DiskWrite   atomic.Int64 // bytes gravados em staging (uploads + downloads)
}

// StartStatsReporter loga métricas agregadas a cada intervalo: conexões
// ativas, sessões vivas, throughput e espaço livre no volume de staging.
// Bloqueia até o context ser cancelado; rode em uma goroutine.
func StartStatsReporter(ctx context.Context, stats *Stats, registry *Registry, stagingDir string, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			trafficIn := stats.TrafficIn.Swap(0)
			diskWrite := stats.DiskWrite.Swap(0)
			secs := interval.Seconds()

			attrs := []any{
				"activeConns", stats.ActiveConns.Load(),
				"sessions", registry.Len(),
				"trafficInMBps", float64(trafficIn) / secs / (1024 * 1024),
				"diskWriteMBps", float64(diskWrite) / secs / (1024 * 1024),
			}

			if usage, err := disk.Usage(stagingDir); err == nil {
				attrs = append(attrs,
					"stagingFreeGB", float64(usage.Free)/(1024*1024*1024),
					"stagingUsedPercent", usage.UsedPercent,
				)
			}

			logger.Info("broker stats", attrs...)
		}
	}
}
