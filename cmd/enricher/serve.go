package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/alvmarrod/domain-enricher/internal/api"
	"github.com/alvmarrod/domain-enricher/internal/version"
)

const (
	progressInterval  = 10 * time.Second
	backgroundTimeout = 5 * time.Second
)

func newServeCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and background executions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(c)
		},
	}
}

func serve(c *cli) error {
	logrus.Infof("Domain Enricher v%s starting...", version.Version)

	a, err := newApp(c.cfg)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.scheduler.Start(); err != nil {
		return err
	}
	resumed, err := a.scheduler.Recover(context.Background())
	if err != nil {
		logrus.Errorf("Failed to recover executions: %v", err)
	} else if resumed > 0 {
		logrus.Infof("Recovered %d interrupted executions", resumed)
	}

	server := api.NewServer(c.cfg.ListenAddr, api.Deps{
		Scheduler: a.scheduler,
		Store:     a.store,
		Moderator: a.moderator,
		Learner:   a.learning,
		Gatherer:  a.registry,
	})

	// Setup signal handler for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	var terminationReason string
	var wg sync.WaitGroup

	serverErr := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		serverErr <- server.Start()
	}()

	// Handle force quit on second signal
	forceQuitChan := make(chan os.Signal, 1)
	signal.Notify(forceQuitChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-forceQuitChan        // First signal (consumed by main handler)
		sig := <-forceQuitChan // Second signal = force quit
		logrus.Warnf("Received second signal (%v) - forcing immediate exit!", sig)
		emergencySave(a)
		os.Exit(1)
	}()

	stopProgress := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		logProgress(a, stopProgress)
	}()

	select {
	case sig := <-sigChan:
		logrus.Infof("Received signal: %v", sig)
		terminationReason = "signal"
	case err := <-serverErr:
		if err != nil {
			logrus.Errorf("API server failed: %v", err)
		}
		terminationReason = "server_error"
	}
	close(stopProgress)

	logrus.Info("Initiating graceful shutdown...")
	logrus.Info("Step 1/5: Stopping HTTP API...")
	if err := server.Shutdown(context.Background()); err != nil {
		logrus.Errorf("API shutdown failed: %v", err)
	}

	logrus.Info("Step 2/5: Stopping executions...")
	// Domains in flight finish; interrupted runs stay queued/running and resume on next start
	a.scheduler.Stop()

	logrus.Info("Step 3/5: Waiting for background goroutines...")
	waitBackground(&wg)

	logrus.Info("Step 4/5: Writing final metrics...")
	writeMetrics(a, terminationReason)

	logrus.Info("Step 5/5: Closing browser and database...")
	// Closed via defer a.close()

	logrus.Info("Graceful shutdown complete. Goodbye!")
	return nil
}

// logProgress logs the tracker line periodically until stop is closed
func logProgress(a *app, stop <-chan struct{}) {
	ticker := time.NewTicker(progressInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			logrus.Info(a.tracker.LogProgress())
		case <-stop:
			return
		}
	}
}

// waitBackground waits for wg with a timeout
func waitBackground(wg *sync.WaitGroup) {
	bgDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(bgDone)
	}()

	select {
	case <-bgDone:
		logrus.Info("All background tasks completed")
	case <-time.After(backgroundTimeout):
		logrus.Warnf("Background tasks timeout (%s), continuing with shutdown", backgroundTimeout)
	}
}

func writeMetrics(a *app, reason string) {
	logrus.Info("Final stats: " + a.tracker.LogProgress())
	if err := a.tracker.WriteToFile(a.cfg.MetricsPath, reason); err != nil {
		logrus.Errorf("Failed to write metrics: %v", err)
		return
	}
	logrus.Infof("Metrics written to %s", a.cfg.MetricsPath)
}

// emergencySave persists execution progress and metrics before a forced exit
func emergencySave(a *app) {
	logrus.Warn("Attempting emergency save...")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := a.board.Flush(ctx, a.store); err != nil {
		logrus.Errorf("Emergency progress flush failed: %v", err)
	} else {
		logrus.Info("Emergency progress flush succeeded")
	}

	if err := a.tracker.WriteToFile(a.cfg.MetricsPath, "forced_exit"); err != nil {
		logrus.Errorf("Emergency metrics save failed: %v", err)
	}
}
