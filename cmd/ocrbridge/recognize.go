package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/ocrbridge/internal/dispatch"
	"github.com/mattjoyce/ocrbridge/internal/engine"
	"github.com/mattjoyce/ocrbridge/internal/log"
	"github.com/mattjoyce/ocrbridge/internal/tui/watch"
	"github.com/mattjoyce/ocrbridge/internal/worker"
)

// jobFlags are shared by the one-shot job commands.
type jobFlags struct {
	configPath string
	worker     workerFlags
	jobID      string
	progress   bool
	jsonOut    bool
}

func (f *jobFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&f.configPath, "config", "", "Path to config file or directory")
	fs.StringVar(&f.worker.langs, "langs", "", "Languages to load, '+'-joined (e.g. eng+fra)")
	fs.StringVar(&f.worker.mode, "mode", "", "Engine mode: tesseract_only, lstm_only, combined, default or 0-3")
	fs.StringVar(&f.jobID, "job-id", "", "Id carried by progress reports")
	fs.BoolVar(&f.progress, "progress", false, "Show a progress view while the job runs")
	fs.BoolVar(&f.jsonOut, "json", false, "Print the full result as JSON")
}

func readImage(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

// parseOutput turns "text,hocr" into an output spec.
func parseOutput(s string) engine.OutputSpec {
	out := engine.OutputSpec{}
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out[p] = true
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func runRecognize(args []string) int {
	fs := flag.NewFlagSet("recognize", flag.ContinueOnError)
	var jf jobFlags
	jf.register(fs)
	output := fs.String("output", "text", "Comma-separated outputs: text, hocr, tsv")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: ocrbridge recognize [flags] <image|->")
		return 1
	}

	image, err := readImage(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read image: %v\n", err)
		return 1
	}

	var res *engine.RecognizeResult
	code := runJob(jf, func(ctx context.Context, w *worker.Worker) error {
		opts := []dispatch.SubmitOption{}
		if jf.jobID != "" {
			opts = append(opts, dispatch.WithUserJobID(jf.jobID))
		}
		var err error
		res, err = w.Recognize(ctx, image, nil, parseOutput(*output), opts...)
		return err
	})
	if code != 0 {
		return code
	}

	if jf.jsonOut {
		return printJSON(res)
	}
	switch {
	case res.Text != "":
		fmt.Print(res.Text)
		if !strings.HasSuffix(res.Text, "\n") {
			fmt.Println()
		}
	case res.HOCR != "":
		fmt.Println(res.HOCR)
	case res.TSV != "":
		fmt.Print(res.TSV)
	}
	return 0
}

func runDetect(args []string) int {
	fs := flag.NewFlagSet("detect", flag.ContinueOnError)
	var jf jobFlags
	jf.register(fs)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: ocrbridge detect [flags] <image|->")
		return 1
	}

	image, err := readImage(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read image: %v\n", err)
		return 1
	}

	var res *engine.DetectResult
	code := runJob(jf, func(ctx context.Context, w *worker.Worker) error {
		var opts []dispatch.SubmitOption
		if jf.jobID != "" {
			opts = append(opts, dispatch.WithUserJobID(jf.jobID))
		}
		var err error
		res, err = w.Detect(ctx, image, opts...)
		return err
	})
	if code != 0 {
		return code
	}

	if jf.jsonOut {
		return printJSON(res)
	}
	fmt.Printf("script: %s (confidence %.2f)\n", res.Script, res.ScriptConfidence)
	fmt.Printf("orientation: %d degrees (confidence %.2f)\n", res.OrientationDegrees, res.OrientationConfidence)
	return 0
}

// runJob brings up a worker, runs fn against it and tears it down. With
// progress enabled the worker's events drive a terminal view until fn
// returns.
func runJob(jf jobFlags, fn func(context.Context, *worker.Worker) error) int {
	cfg, path, err := loadConfig(jf.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	if err := jf.worker.apply(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid flags: %v\n", err)
		return 1
	}

	if jf.progress {
		log.SetupWithWriter(cfg.Service.LogLevel, io.Discard)
	} else {
		log.SetupWithWriter(cfg.Service.LogLevel, os.Stderr)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := startRuntime(ctx, cfg, path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start worker: %v\n", err)
		return 1
	}
	defer func() { _ = rt.Close() }()

	if !jf.progress {
		return reportJobError(fn(ctx, rt.worker))
	}

	feed, unsubscribe := rt.hub.Subscribe()
	errCh := make(chan error, 1)
	go func() {
		errCh <- fn(ctx, rt.worker)
		unsubscribe()
	}()

	if _, err := tea.NewProgram(watch.NewLocal(feed)).Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Progress view failed: %v\n", err)
	}
	return reportJobError(<-errCh)
}

func reportJobError(err error) int {
	if err == nil {
		return 0
	}
	var jobErr *dispatch.JobError
	if errors.As(err, &jobErr) {
		fmt.Fprintf(os.Stderr, "Job %s failed: %s\n", jobErr.JobID, jobErr.Message)
		return 1
	}
	fmt.Fprintf(os.Stderr, "Job failed: %v\n", err)
	return 1
}

func printJSON(v any) int {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render JSON: %v\n", err)
		return 1
	}
	fmt.Println(string(data))
	return 0
}
