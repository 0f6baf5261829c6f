package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/grandcat/zeroconf"
)

// mdnsServiceType advertises this driver instance on the LAN so automation
// tooling can discover which host is bridging a given Z-Wave network,
// without exposing any TCP surface of its own (spec.md's Non-goals exclude
// a presentation/transport layer; the metrics HTTP port, if enabled, is
// published in the TXT record purely as a discovery hint).
const mdnsServiceType = "_zwaved._tcp"

func startMDNS(ctx context.Context, cfg *appConfig, metricsPort int) (func(), error) {
	if !cfg.mdnsEnable {
		return func() {}, nil
	}
	instance := cfg.mdnsName
	if instance == "" {
		host, _ := os.Hostname()
		instance = fmt.Sprintf("zwaved-%s", host)
	}
	meta := []string{
		"port=" + cfg.port,
		"version=" + version,
		"commit=" + commit,
	}

	// zeroconf requires a nonzero port; fall back to a placeholder when no
	// metrics listener is running (there is no other TCP surface to bind).
	port := metricsPort
	if port == 0 {
		port = 1
	}
	svc, err := zeroconf.Register(instance, mdnsServiceType, "local.", port, meta, nil)
	if err != nil {
		return nil, fmt.Errorf("mdns register: %w", err)
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		svc.Shutdown()
	}()
	return func() { close(done); svc.Shutdown(); time.Sleep(50 * time.Millisecond) }, nil
}
