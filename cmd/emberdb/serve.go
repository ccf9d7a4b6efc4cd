package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/cuemby/emberdb/pkg/engine"
	"github.com/cuemby/emberdb/pkg/metrics"
	"github.com/cuemby/emberdb/pkg/wire"
)

// runServer attaches db to a real TCP listener on bindAddr, starts the
// metrics HTTP server on metricsAddr, and blocks until an interrupt or
// SIGTERM, then shuts everything down in reverse order. Shared by the
// bootstrap and join subcommands, which differ only in how db's roster is
// established.
func runServer(db *engine.Database, bindAddr, metricsAddr string) error {
	ln, err := wire.Listen(bindAddr, db.HandleFrame)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", bindAddr, err)
	}
	db.SetChannel(wire.NewNetChannel(bindAddr))

	collector := metrics.NewCollector(db)
	collector.Start()

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	metricsSrv := &http.Server{Addr: metricsAddr, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	fmt.Printf("emberdb listening on %s (metrics at http://%s/metrics)\n", bindAddr, metricsAddr)
	fmt.Println("Press Ctrl+C to stop.")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sigCh:
		fmt.Println("\nShutting down...")
	case err := <-errCh:
		fmt.Fprintf(os.Stderr, "\n%v\n", err)
	}

	collector.Stop()
	metricsSrv.Close()
	ln.Close()
	return db.Close()
}
