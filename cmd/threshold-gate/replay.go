package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/hive-corporation/threshold-gate/internal/adapter/consumer"
	"github.com/hive-corporation/threshold-gate/internal/config"
	"github.com/hive-corporation/threshold-gate/internal/core/gate"
	"github.com/hive-corporation/threshold-gate/internal/logger"
)

// replay feeds a JSON lines file through the gate, one notification per
// line, and prints a summary
func replay(ctx context.Context, cfg config.Config, path string, dryRun bool) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open replay file: %w", err)
	}
	defer file.Close()

	c, err := wire(ctx, cfg, dryRun)
	if err != nil {
		return err
	}
	defer c.close()
	defer c.store.Close()
	defer c.deps.API.Close()

	g, err := gate.New(c.deps, cfg.Threshold, gate.WithLogger(logger.WithComponent("gate")))
	if err != nil {
		return err
	}

	lines := make(chan []byte)
	src := consumer.NewChanSource(lines)
	defer src.Close()

	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(file)
		scanner.Buffer(make([]byte, 64*1024), 10<<20)
		for scanner.Scan() {
			line := append([]byte(nil), scanner.Bytes()...)
			if len(line) == 0 {
				continue
			}
			select {
			case lines <- line:
			case <-ctx.Done():
				scanErr <- ctx.Err()
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	fmt.Printf("replaying %s...\n\n", path)

	var processed, triggered int
	for {
		n, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}

		out := g.ProcessNotification(ctx, n)
		processed++
		switch {
		case out.Triggered:
			triggered++
			fmt.Printf("TRIGGER  %-40s %s (trigger %s)\n", out.AlertUID, out.Reason, out.TriggerID)
		case out.Cancelled:
			fmt.Printf("ABANDON  %-40s %v\n", out.AlertUID, out.Err)
			return ctx.Err()
		case out.Err != nil:
			fmt.Printf("ERROR    %-40s %s: %v\n", out.AlertUID, out.Filtered, out.Err)
		default:
			fmt.Printf("SKIP     %-40s %s %s\n", out.AlertUID, out.Filtered, out.Reason)
		}
	}

	if err := <-scanErr; err != nil {
		return fmt.Errorf("failed to read replay file: %w", err)
	}

	fmt.Printf("\n%d notifications processed, %d triggers forwarded\n", processed, triggered)
	return nil
}
