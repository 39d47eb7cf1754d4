package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"runtime/debug"
	"strings"
	"time"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage()
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	switch cmd {
	case "recognize":
		return runRecognize(args)
	case "detect":
		return runDetect(args)
	case "serve":
		return runServe(args)
	case "sandbox":
		return runSandbox(args)
	case "jobs":
		return runJobs(args)
	case "cache":
		return runCacheNoun(args)
	case "config":
		return runConfigNoun(args)
	case "watch":
		return runWatch(args)
	case "version", "--version":
		return runVersion(args)
	case "help", "-h", "--help":
		printUsage()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return 1
	}
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "Usage: ocrbridge version [--json]")
		return 1
	}

	info := currentVersionInfo()
	if *jsonOut {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render version JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	fmt.Printf("ocrbridge %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return 0
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}
	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	commit := strings.TrimSpace(gitCommit)
	if commit == "" || commit == "unknown" {
		commit = strings.TrimSpace(readBuildSetting("vcs.revision"))
	}
	if commit != "" {
		info.Commit = shortenCommit(commit)
	}

	built := strings.TrimSpace(buildDate)
	if built == "" || built == "unknown" {
		built = strings.TrimSpace(readBuildSetting("vcs.time"))
	}
	if normalized, ok := normalizeBuildTimeUTC(built); ok {
		info.BuildTime = normalized
	}
	return info
}

func shortenCommit(commit string) string {
	if len(commit) <= 12 {
		return commit
	}
	return commit[:12]
}

func normalizeBuildTimeUTC(raw string) (string, bool) {
	if raw == "" || raw == "unknown" {
		return "", false
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return "", false
	}
	return t.UTC().Format(time.RFC3339), true
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, s := range info.Settings {
		if s.Key == key {
			return s.Value
		}
	}
	return ""
}

func printUsage() {
	fmt.Fprint(os.Stderr, `Usage: ocrbridge <command> [flags]

Commands:
  recognize <image>   Recognize text in an image file ("-" reads stdin)
  detect <image>      Report orientation and script of an image
  serve               Run a worker behind the HTTP API
  sandbox             Serve one sandbox over stdin/stdout (spawned by the host)
  jobs                List journaled jobs
  cache prune         Remove stale cached language data
  config lock|check   Write or verify config checksums
  watch               Follow a running server's worker in the terminal
  version             Show version information

Run 'ocrbridge <command> -h' for command flags.
`)
}

func isHelpToken(token string) bool {
	return token == "help" || token == "-h" || token == "--help"
}
