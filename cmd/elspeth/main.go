// Command elspeth runs auditable data pipelines: run executes a settings
// document, resume continues a cut-off run, export streams a run's audit
// trail, introspect answers lineage queries, and purge expires payloads.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
)

// Exit codes. Wrappers distinguish a refused resume (the pipeline or its
// outputs drifted since the checkpoint) from an ordinary failure.
const (
	exitOK            = 0
	exitFailure       = 1
	exitUsage         = 2
	exitResumeRefused = 3
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return exitUsage
	}
	switch args[1] {
	case "run":
		return runCmd(args[2:], stdout, stderr)
	case "resume":
		return resumeCmd(args[2:], stdout, stderr)
	case "export":
		return exportCmd(args[2:], stdout, stderr)
	case "introspect":
		return introspectCmd(args[2:], stdout, stderr)
	case "purge":
		return purgeCmd(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return exitOK
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return exitUsage
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: elspeth <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  run         execute a pipeline from a settings document")
	fmt.Fprintln(w, "  resume      continue a cut-off run from its last checkpoint")
	fmt.Fprintln(w, "  export      stream a run's audit trail as JSON lines")
	fmt.Fprintln(w, "  introspect  summarize a run or reconstruct a token's lineage")
	fmt.Fprintln(w, "  purge       delete expired payloads from the payload store")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Run 'elspeth <command> -h' for command flags.")
}

func newLogger(w io.Writer, level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: l}))
}
