package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/me/taskfleet/internal/config"
	"github.com/me/taskfleet/internal/coordinator"
	"github.com/me/taskfleet/internal/events"
	"github.com/me/taskfleet/internal/executor"
	"github.com/me/taskfleet/internal/pool"
	"github.com/me/taskfleet/internal/resolver"
	"github.com/me/taskfleet/internal/store"
	"github.com/me/taskfleet/internal/tui"
)

func main() {
	headless := flag.Bool("headless", false, "run without the dashboard")
	projectID := flag.Int64("project", 1, "project whose tasks to run")
	dbPath := flag.String("db", "", "SQLite database path (overrides config)")
	flag.Parse()

	// Signal-aware context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadDefault()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if *dbPath != "" {
		cfg.Database = *dbPath
	}

	st, err := store.NewSQLiteStore(ctx, cfg.Database)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening task store: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	tasks, err := st.ListTasks(ctx, *projectID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error listing tasks: %v\n", err)
		os.Exit(1)
	}
	if len(tasks) == 0 {
		fmt.Fprintf(os.Stderr, "No tasks found for project %d\n", *projectID)
		os.Exit(1)
	}

	// Cycles and unknown dependency references are fatal before any
	// dispatch happens.
	graph, err := resolver.Build(tasks)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error building dependency graph: %v\n", err)
		os.Exit(1)
	}

	pm := executor.NewProcessManager()
	registry := executor.NewRegistry(pm)
	for capability, cc := range cfg.Capabilities {
		registry.RegisterCommand(capability, executor.Config{
			Command: cc.Command,
			Args:    cc.Args,
			Env:     cc.Env,
			WorkDir: cc.WorkDir,
		})
	}

	bus := events.NewBus()
	defer bus.Close()

	fleet := pool.New(cfg.Scheduler.MaxWorkers, *projectID, registry, bus, nil)

	coord := coordinator.New(graph, fleet, registry, st, bus, nil, coordinator.Options{
		ProjectID:      *projectID,
		MaxRetries:     cfg.Scheduler.MaxRetries,
		MaxConcurrency: cfg.Scheduler.MaxConcurrency,
		MaxIterations:  cfg.Scheduler.MaxIterations,
		Timeout:        time.Duration(cfg.Scheduler.TimeoutSeconds) * time.Second,
		PollInterval:   time.Duration(cfg.Scheduler.PollIntervalMS) * time.Millisecond,
	})

	if *headless {
		runHeadless(ctx, coord)
		return
	}

	model := tui.New(bus)
	prog := tea.NewProgram(model, tea.WithAltScreen())

	runDone := make(chan runResult, 1)
	go func() {
		summary, err := coord.Run(ctx)
		runDone <- runResult{summary, err}
	}()

	tuiDone := make(chan error, 1)
	go func() {
		_, err := prog.Run()
		tuiDone <- err
	}()

	select {
	case err := <-tuiDone:
		// User quit the dashboard; stop the run and the subprocess tree.
		stop()
		if killErr := pm.KillAll(); killErr != nil {
			log.Printf("Error killing subprocesses: %v", killErr)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		<-runDone

	case <-ctx.Done():
		// Signal received; restore default handling so a second Ctrl+C
		// force-exits.
		stop()
		log.Println("Shutdown signal received, cleaning up...")

		if err := pm.KillAll(); err != nil {
			log.Printf("Error killing subprocesses: %v", err)
		}
		prog.Quit()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		select {
		case err := <-tuiDone:
			if err != nil {
				log.Printf("Dashboard exit error: %v", err)
			}
		case <-shutdownCtx.Done():
			log.Println("Shutdown timeout exceeded, forcing exit")
		}

	case res := <-runDone:
		// Run finished while the dashboard is still up; leave it open so
		// the final state is visible, exit when the user quits.
		if res.err != nil {
			log.Printf("Run finished: %s (%v)", res.summary.State, res.err)
		}
		if err := <-tuiDone; err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}

	log.Println("Shutdown complete")
}

type runResult struct {
	summary coordinator.Summary
	err     error
}

func runHeadless(ctx context.Context, coord *coordinator.Coordinator) {
	summary, err := coord.Run(ctx)
	log.Printf("Run %s: %s (%d/%d completed, %d failed, %s)",
		summary.RunID, summary.State, summary.Completed, summary.Total,
		summary.Failed, summary.Elapsed.Round(time.Millisecond))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
