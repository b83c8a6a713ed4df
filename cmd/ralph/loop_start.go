package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ralphloop/ralph/internal/agentbackend"
	"github.com/ralphloop/ralph/internal/agentbackend/testbackend"
	"github.com/ralphloop/ralph/internal/eventbus"
	"github.com/ralphloop/ralph/internal/gitservice"
	"github.com/ralphloop/ralph/internal/loopconfig"
	"github.com/ralphloop/ralph/internal/loopmanager"
	"github.com/ralphloop/ralph/internal/persistence/filestore"
)

func loopStart(args []string) {
	os.Exit(runLoopStart(args))
}

func runLoopStart(args []string) int {
	var configPath, stateDir string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--config requires a value")
				return 1
			}
			configPath = args[i]
		case "--state-dir":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--state-dir requires a value")
				return 1
			}
			stateDir = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			return 1
		}
	}
	if configPath == "" || stateDir == "" {
		fmt.Fprintln(os.Stderr, "--config and --state-dir are required")
		return 1
	}

	cfg, err := loopconfig.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	bus := eventbus.New(logger)

	store, err := filestore.New(stateDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	// No production agentbackend.Backend exists yet; the scriptable test
	// backend doubles as the harness driver this CLI is meant to exercise.
	factory := func() agentbackend.Backend { return testbackend.New() }

	m, err := loopmanager.New(store, filepath.Join(stateDir, "configs"), bus, gitservice.New(), factory, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if err := m.Restore(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	if _, ok := m.Get(cfg.ID); !ok {
		if _, err := m.CreateLoop(*cfg); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
	}

	unsubscribe := bus.Subscribe(func(ev eventbus.LoopEvent) {
		if ev.LoopID != cfg.ID {
			return
		}
		fmt.Printf("%s %s %s\n", ev.Timestamp.Format(time.RFC3339), ev.LoopID, ev.Type)
	})
	defer unsubscribe()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		if _, ok := <-sigCh; ok {
			_ = m.StopLoop(cfg.ID, "interrupted")
		}
	}()

	stopPolling := make(chan struct{})
	defer close(stopPolling)
	go pollControlRequests(m, stateDir, cfg.ID, stopPolling)

	ctx := context.Background()
	if err := m.StartLoop(ctx, cfg.ID); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if err := m.WaitForLoop(ctx, cfg.ID); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	state, _ := m.Get(cfg.ID)
	fmt.Printf("status=%s\n", state.Status)
	return 0
}

// pollControlRequests checks for a dropped controlRequest file roughly
// twice a second and applies it, until stop is closed. Grounded on the
// teacher's stop_request.json: a separate `ralph loop stop|inject`
// invocation writes the file, this loop picks it up and deletes it.
func pollControlRequests(m *loopmanager.Manager, stateDir, loopID string, stop <-chan struct{}) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			req, ok := popControlRequest(stateDir, loopID)
			if !ok {
				continue
			}
			applyControlRequest(m, loopID, *req)
		}
	}
}
