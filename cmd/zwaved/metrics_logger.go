package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gozwave/zwaved/internal/metrics"
)

func startMetricsLogger(ctx context.Context, interval time.Duration, l *slog.Logger, wg *sync.WaitGroup) {
	if interval <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				snap := metrics.Snap()
				l.Info("metrics_snapshot",
					"rx_sof", snap.RxSOF,
					"rx_ack", snap.RxACK,
					"rx_nak", snap.RxNAK,
					"rx_can", snap.RxCAN,
					"rx_oof", snap.RxOOF,
					"tx_frames", snap.TxFrames,
					"timeouts", snap.Timeouts,
					"discarded", snap.Discarded,
					"invalid", snap.Invalid,
					"nodes_dead", snap.NodesDead,
					"errors", snap.Errors,
				)
			case <-ctx.Done():
				return
			}
		}
	}()
}
