package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/ocrbridge/internal/api"
	"github.com/mattjoyce/ocrbridge/internal/config"
	"github.com/mattjoyce/ocrbridge/internal/doctor"
	"github.com/mattjoyce/ocrbridge/internal/journal"
	"github.com/mattjoyce/ocrbridge/internal/lock"
	"github.com/mattjoyce/ocrbridge/internal/log"
	"github.com/mattjoyce/ocrbridge/internal/scheduler"
	"github.com/mattjoyce/ocrbridge/internal/storage"
	"github.com/mattjoyce/ocrbridge/internal/tui/watch"
	"github.com/mattjoyce/ocrbridge/internal/workspace"
)

func runJobs(args []string) int {
	fs := flag.NewFlagSet("jobs", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to config file or directory")
	workerID := fs.String("worker", "", "Only jobs of this worker")
	action := fs.String("action", "", "Only jobs with this action")
	status := fs.String("status", "", "Only jobs with this status (running, succeeded, failed, canceled)")
	limit := fs.Int("limit", 50, "Maximum number of jobs")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg, _, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	log.SetupWithWriter(cfg.Service.LogLevel, os.Stderr)
	if !cfg.Journal.Enabled {
		fmt.Fprintln(os.Stderr, "The job journal is disabled (journal.enabled: false)")
		return 1
	}

	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, cfg.Journal.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open journal: %v\n", err)
		return 1
	}
	defer func() { _ = db.Close() }()

	entries, err := journal.New(db).List(ctx, journal.Filter{
		WorkerID: *workerID,
		Action:   *action,
		Status:   journal.Status(*status),
		Limit:    *limit,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to list jobs: %v\n", err)
		return 1
	}

	if *jsonOut {
		return printJSON(api.JobEntries(entries))
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
	fmt.Fprintln(tw, "STARTED\tWORKER\tJOB\tACTION\tSTATUS\tELAPSED\tERROR")
	for _, e := range entries {
		lastErr := ""
		if e.LastError != nil {
			lastErr = *e.LastError
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			e.StartedAt.Local().Format(time.DateTime), e.WorkerID, e.JobID, e.Action, e.Status,
			e.Elapsed.Round(time.Millisecond), lastErr)
	}
	_ = tw.Flush()
	return 0
}

func runCacheNoun(args []string) int {
	if len(args) == 0 || isHelpToken(args[0]) {
		fmt.Fprintln(os.Stderr, "Usage: ocrbridge cache prune [-config PATH] [-older-than DURATION]")
		return 1
	}
	switch args[0] {
	case "prune":
		return runCachePrune(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown cache action: %s\n", args[0])
		return 1
	}
}

func runCachePrune(args []string) int {
	fs := flag.NewFlagSet("cache prune", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to config file or directory")
	olderThan := fs.Duration("older-than", 30*24*time.Hour, "Remove cached data not written within this long")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg, _, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	log.SetupWithWriter(cfg.Service.LogLevel, os.Stderr)

	// A running worker owns the sandbox directory.
	dirLock, err := lock.Acquire(cfg.Sandbox.Dir)
	if err != nil {
		if errors.Is(err, lock.ErrLocked) {
			fmt.Fprintf(os.Stderr, "Sandbox directory is in use: %v\n", err)
		} else {
			fmt.Fprintf(os.Stderr, "Failed to lock sandbox directory: %v\n", err)
		}
		return 1
	}
	defer func() { _ = dirLock.Release() }()

	ctx := context.Background()
	var pruner scheduler.Pruner
	switch cfg.Sandbox.Backend {
	case config.BackendSQLite:
		db, err := storage.OpenSQLite(ctx, cfg.Sandbox.SQLitePath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open blob store: %v\n", err)
			return 1
		}
		defer func() { _ = db.Close() }()
		pruner = blobPruner(storage.NewBlobStore(db))
	default:
		mgr, err := workspace.NewFSManager(cfg.Sandbox.Dir)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open sandbox directory: %v\n", err)
			return 1
		}
		pruner = fsPruner(mgr)
	}

	report, err := pruner.Prune(ctx, *olderThan)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Prune failed: %v\n", err)
		return 1
	}
	fmt.Printf("removed %d cached entries (%d bytes)\n", report.Removed, report.FreedBytes)
	return 0
}

func runConfigNoun(args []string) int {
	if len(args) == 0 || isHelpToken(args[0]) {
		fmt.Fprintln(os.Stderr, "Usage: ocrbridge config <lock|check> [-config PATH]")
		return 1
	}
	action, rest := args[0], args[1:]

	fs := flag.NewFlagSet("config "+action, flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to config file or directory")
	jsonOut := fs.Bool("json", false, "Output the check result as JSON")
	if err := fs.Parse(rest); err != nil {
		return 1
	}
	path := *configPath
	if path == "" {
		discovered, err := config.Discover()
		if err != nil {
			fmt.Fprintf(os.Stderr, "No config found: %v\n", err)
			return 1
		}
		path = discovered
	}

	switch action {
	case "lock":
		written, err := config.Lock(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to lock config: %v\n", err)
			return 1
		}
		for _, f := range written {
			fmt.Printf("hashed %s\n", f)
		}
		return 0
	case "check":
		cfg, err := config.Load(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Config invalid: %v\n", err)
			return 1
		}
		result := doctor.New(cfg).Validate()
		if *jsonOut {
			if code := printJSON(result); code != 0 {
				return code
			}
		} else {
			fmt.Printf("Config: %s\n", path)
			printValidationSummary(result)
		}
		if !result.Valid {
			return 1
		}
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", action)
		return 1
	}
}

func printValidationSummary(result *doctor.Result) {
	printIssues := func(label string, issues []doctor.Issue) {
		for _, issue := range issues {
			if issue.Field != "" {
				fmt.Printf("  %s [%s] %s: %s\n", label, issue.Category, issue.Field, issue.Message)
			} else {
				fmt.Printf("  %s [%s] %s\n", label, issue.Category, issue.Message)
			}
		}
	}

	if !result.Valid {
		fmt.Printf("Validation: failed (%d error(s), %d warning(s))\n", len(result.Errors), len(result.Warnings))
		printIssues("ERROR", result.Errors)
		printIssues("WARN ", result.Warnings)
		return
	}
	if len(result.Warnings) == 0 {
		fmt.Println("Validation: ✓ All checks passed")
		return
	}
	fmt.Printf("Validation: ✓ passed with %d warning(s)\n", len(result.Warnings))
	printIssues("WARN ", result.Warnings)
}

func runWatch(args []string) int {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to config file or directory")
	apiURL := fs.String("api-url", "", "Server URL (defaults to http://<api.listen>)")
	apiKey := fs.String("api-key", "", "API key (defaults to api.auth.api_key)")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg, _, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	url := *apiURL
	if url == "" {
		url = "http://" + cfg.API.Listen
	}
	key := *apiKey
	if key == "" {
		key = cfg.API.Auth.APIKey
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if _, err := tea.NewProgram(watch.NewRemote(ctx, url, key), tea.WithAltScreen(), tea.WithContext(ctx)).Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		fmt.Fprintf(os.Stderr, "Watch failed: %v\n", err)
		return 1
	}
	return 0
}
