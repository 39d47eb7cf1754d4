// Package doctor checks an ocrbridge configuration for problems the loader
// accepts but a worker would trip over at run time.
package doctor

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"

	"github.com/mattjoyce/ocrbridge/internal/config"
	"github.com/mattjoyce/ocrbridge/internal/engine"
	"github.com/mattjoyce/ocrbridge/internal/lock"
	"github.com/mattjoyce/ocrbridge/internal/storage"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates a loaded configuration.
type Doctor struct {
	cfg *config.Config
}

// New creates a Doctor for cfg, which should come from config.Load.
func New(cfg *config.Config) *Doctor {
	return &Doctor{cfg: cfg}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateSandbox(r)
	d.validateSpawn(r)
	d.validateEngine(r)
	d.validateNetwork(r)
	d.validateAPI(r)
	d.validateJournal(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) validateSandbox(r *Result) {
	dir := d.cfg.Sandbox.Dir
	if dir == "" {
		d.addError(r, "sandbox", "sandbox.dir", "sandbox.dir is required")
		return
	}
	info, err := os.Stat(dir)
	switch {
	case os.IsNotExist(err):
		// Created on first start.
	case err != nil:
		d.addError(r, "sandbox", "sandbox.dir", fmt.Sprintf("cannot stat %s: %v", dir, err))
	case !info.IsDir():
		d.addError(r, "sandbox", "sandbox.dir", fmt.Sprintf("%s is not a directory", dir))
	default:
		if err := storage.RequireLocalFilesystem(dir, "sandbox.dir"); err != nil {
			d.addError(r, "sandbox", "sandbox.dir", err.Error())
			return
		}
		l, err := lock.Acquire(dir)
		if err != nil {
			d.addWarning(r, "sandbox", "sandbox.dir",
				fmt.Sprintf("in use, a worker started here will fail: %v", err))
			return
		}
		_ = l.Release()
	}
}

func (d *Doctor) validateSpawn(r *Result) {
	w := d.cfg.Worker
	if w.Spawn != config.SpawnSubprocess {
		if w.WorkerPath != "" {
			d.addWarning(r, "worker", "worker.worker_path", "ignored unless worker.spawn is subprocess")
		}
		return
	}
	if w.WorkerPath == "" {
		return
	}
	info, err := os.Stat(w.WorkerPath)
	if err != nil {
		d.addError(r, "worker", "worker.worker_path", fmt.Sprintf("sandbox binary not usable: %v", err))
		return
	}
	if info.IsDir() || info.Mode().Perm()&0o111 == 0 {
		d.addError(r, "worker", "worker.worker_path", fmt.Sprintf("%s is not an executable file", w.WorkerPath))
	}
}

func (d *Doctor) validateEngine(r *Result) {
	w := d.cfg.Worker
	if len(w.Languages) == 0 {
		d.addError(r, "worker", "worker.languages", "at least one language is required")
	}
	mode, err := w.EngineMode()
	if err != nil {
		d.addError(r, "worker", "worker.mode", err.Error())
		return
	}
	// The default mode is lstm-only as well; only an explicit choice is worth a note.
	if mode == engine.ModeLSTMOnly && !w.LegacyCore {
		d.addWarning(r, "worker", "worker.mode",
			"lstm_only without legacy_core loads a core without the legacy recognizer; detect will be rejected")
	}
	if _, ok := w.EngineConfig["tessedit_ocr_engine_mode"]; ok {
		d.addError(r, "worker", "worker.engine_config.tessedit_ocr_engine_mode",
			"the engine mode is set by worker.mode")
	}
	if w.CacheMethod == engine.CacheNone {
		d.addWarning(r, "worker", "worker.cache_method",
			"language data is downloaded again on every start")
	}
	if w.LangPath != "" && !isHTTPURL(w.LangPath) {
		d.addWarning(r, "worker", "worker.lang_path",
			"not a URL; language data is read from the sandbox store under this path")
	}
}

func (d *Doctor) validateNetwork(r *Result) {
	n := d.cfg.Network
	for i, m := range n.Mirrors {
		field := fmt.Sprintf("network.mirrors[%d]", i)
		if !isHTTPURL(m.From) {
			d.addError(r, "network", field+".from", fmt.Sprintf("%q is not an http(s) URL prefix", m.From))
		}
		if !isHTTPURL(m.To) {
			d.addError(r, "network", field+".to", fmt.Sprintf("%q is not an http(s) URL prefix", m.To))
		}
	}
	if n.MaxBytes > 0 && n.MaxBytes < 1<<20 {
		d.addWarning(r, "network", "network.max_bytes",
			fmt.Sprintf("%d bytes is smaller than most trained data files", n.MaxBytes))
	}
}

func (d *Doctor) validateAPI(r *Result) {
	api := d.cfg.API
	if !api.Enabled {
		return
	}
	host, _, err := net.SplitHostPort(api.Listen)
	if err != nil {
		d.addError(r, "api", "api.listen", fmt.Sprintf("invalid listen address %q: %v", api.Listen, err))
		return
	}
	if api.Auth.APIKey == "" && !isLoopback(host) {
		d.addWarning(r, "api", "api.auth.api_key",
			fmt.Sprintf("API listens on %s without authentication", api.Listen))
	}
}

func (d *Doctor) validateJournal(r *Result) {
	j := d.cfg.Journal
	if !j.Enabled {
		return
	}
	if j.Path == "" {
		d.addError(r, "journal", "journal.path", "journal.path is required when the journal is enabled")
		return
	}
	if info, err := os.Stat(filepath.Dir(j.Path)); err == nil && !info.IsDir() {
		d.addError(r, "journal", "journal.path", fmt.Sprintf("parent of %s is not a directory", j.Path))
		return
	}
	if err := storage.RequireLocalFilesystem(j.Path, "journal.path"); err != nil {
		d.addError(r, "journal", "journal.path", err.Error())
	}
}

func isHTTPURL(s string) bool {
	u, err := url.Parse(s)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
