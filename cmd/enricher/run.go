package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/alvmarrod/domain-enricher/internal/report"
	"github.com/alvmarrod/domain-enricher/internal/scheduler"
)

func newRunCmd(c *cli) *cobra.Command {
	var (
		runID string
		file  string
		force bool
	)

	cmd := &cobra.Command{
		Use:   "run [domain...]",
		Short: "Enrich domains in the foreground and print the results",
		Example: `  enricher run --run-id batch-7 shop.ru https://www.brand.ru/
  enricher run --file domains.txt
  cat domains.txt | enricher run`,
		RunE: func(cmd *cobra.Command, args []string) error {
			domains := args
			if file != "" || len(args) == 0 {
				listed, err := readDomains(file, cmd.InOrStdin())
				if err != nil {
					return err
				}
				domains = append(domains, listed...)
			}
			if runID == "" {
				runID = uuid.NewString()
			}
			return runForeground(c, runID, domains, force)
		},
	}
	cmd.Flags().StringVar(&runID, "run-id", "", "run identifier (generated when empty)")
	cmd.Flags().StringVarP(&file, "file", "f", "", "file with one domain per line (\"-\" or no domains at all reads stdin)")
	cmd.Flags().BoolVar(&force, "force", false, "re-check domains on the moderation blacklist")
	return cmd
}

func runForeground(c *cli, runID string, domains []string, force bool) error {
	a, err := newApp(c.cfg)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.scheduler.Start(); err != nil {
		return err
	}

	ctx := context.Background()
	result, err := a.scheduler.Submit(ctx, scheduler.SubmitRequest{
		RunID:   runID,
		Domains: domains,
		Force:   force,
		Mode:    scheduler.ModeAuto,
	})
	if err != nil {
		a.scheduler.Stop()
		return err
	}
	logrus.Infof("Run %s accepted (execution %s, %d domains)", runID, result.ExecutionID, len(domains))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	done := make(chan struct{})
	go func() {
		a.scheduler.Wait()
		close(done)
	}()

	stopProgress := make(chan struct{})
	go logProgress(a, stopProgress)

	reason := "completed"
	select {
	case <-done:
	case sig := <-sigChan:
		logrus.Infof("Received signal: %v - finishing domains in flight", sig)
		reason = "signal"
	}
	close(stopProgress)
	a.scheduler.Stop()
	writeMetrics(a, reason)

	rows, err := a.store.ListRunDomains(ctx, runID)
	if err != nil {
		return err
	}
	report.RenderTable(os.Stdout, rows)
	return nil
}

// readDomains reads one domain per line from path, or from stdin when path is "" or "-",
// skipping blanks and # comments
func readDomains(path string, stdin io.Reader) ([]string, error) {
	if path == "" || path == "-" {
		return scanDomains(stdin)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open domain list: %w", err)
	}
	defer f.Close()
	return scanDomains(f)
}

func scanDomains(r io.Reader) ([]string, error) {
	var domains []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		domains = append(domains, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read domain list: %w", err)
	}
	return domains, nil
}
