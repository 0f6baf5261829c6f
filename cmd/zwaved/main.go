package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"

	"github.com/gozwave/zwaved/internal/controller"
	"github.com/gozwave/zwaved/internal/metrics"
)

func main() {
	cfg, showVersion := parseFlags()
	if showVersion {
		fmt.Printf("zwaved %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	if cfg == nil {
		os.Exit(1)
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	startMetricsLogger(ctx, cfg.logMetricsEvery, l, &wg)

	c := controller.New(controller.WithLogger(l))
	if err := c.Connect(cfg.port); err != nil {
		l.Error("connect_failed", "port", cfg.port, "error", err)
		os.Exit(1)
	}
	c.Initialize()

	metrics.SetReadinessFunc(c.IsConnected)

	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		srvHTTP := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = srvHTTP.Shutdown(context.Background()) }()
	}

	go func() {
		metricsPort := 0
		if cfg.metricsAddr != "" {
			if _, p, err := net.SplitHostPort(cfg.metricsAddr); err == nil {
				if pn, perr := strconv.Atoi(p); perr == nil {
					metricsPort = pn
				}
			}
		}
		cleanupMDNS, err := startMDNS(ctx, cfg, metricsPort)
		if err != nil {
			l.Warn("mdns_start_failed", "error", err)
			return
		}
		if cfg.mdnsEnable {
			l.Info("mdns_started", "service", mdnsServiceType, "name", cfg.mdnsName)
		}
		go func() { <-ctx.Done(); cleanupMDNS() }()
	}()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	s := <-sigCh
	l.Info("shutdown_signal", "signal", s.String())
	cancel()
	if err := c.Close(); err != nil {
		l.Warn("close_error", "error", err)
	}
	wg.Wait()
}
