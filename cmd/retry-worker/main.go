// Command retry-worker claims one batch of due retry jobs, runs them and
// prints a JSON summary. It exits 2 when any job was dead-lettered.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/pflag"

	"github.com/goliatone/go-helpdesk-bridge/adapters/gocommand"
	"github.com/goliatone/go-helpdesk-bridge/bootstrap"
	"github.com/goliatone/go-helpdesk-bridge/config"
	"github.com/goliatone/go-helpdesk-bridge/core"
)

type flags struct {
	configPath string
	envFile    string
	limit      int
	help       bool
}

func main() {
	ctx := context.Background()
	parsed, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(core.ExitCodeFailure)
	}
	if parsed.help {
		return
	}

	cfg, err := config.Load(ctx, parsed.configPath, parsed.envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(core.ExitCodeFailure)
	}
	code, err := run(ctx, cfg, parsed.limit, bootstrap.Options{}, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
	}
	os.Exit(code)
}

func parseFlags(args []string) (flags, error) {
	var parsed flags
	flagSet := pflag.NewFlagSet("retry-worker", pflag.ContinueOnError)
	flagSet.StringVar(&parsed.configPath, "config", "", "path to a YAML config file")
	flagSet.StringVar(&parsed.envFile, "env-file", ".env", "dotenv file read before the process environment")
	flagSet.IntVar(&parsed.limit, "limit", 0, "maximum jobs to claim (default: retry.batch_size)")
	flagSet.BoolVarP(&parsed.help, "help", "h", false, "show help")

	if err := flagSet.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			printHelp(flagSet)
			return flags{help: true}, nil
		}
		return flags{}, err
	}
	if parsed.help {
		printHelp(flagSet)
		return parsed, nil
	}
	if rest := flagSet.Args(); len(rest) > 0 {
		return flags{}, fmt.Errorf("unexpected argument: %s", rest[0])
	}
	if parsed.limit < 0 {
		return flags{}, fmt.Errorf("--limit must be >= 0")
	}
	return parsed, nil
}

// run dispatches one batch and writes the summary. The returned code is what
// the process should exit with.
func run(ctx context.Context, cfg core.Config, limit int, opts bootstrap.Options, stdout io.Writer) (int, error) {
	opts.Role = bootstrap.RoleWorker
	opts.RegisterCommands = true
	rt, err := bootstrap.Open(ctx, cfg, opts)
	if err != nil {
		return core.ExitCodeFailure, err
	}
	defer rt.Close()

	summary, err := gocommand.RunRetryBatch(ctx, limit)
	if writeErr := writeJSON(stdout, summary); writeErr != nil && err == nil {
		err = writeErr
	}
	if err != nil {
		return core.ExitCodeFailure, err
	}
	return summary.ExitCode(), nil
}

func writeJSON(w io.Writer, value any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `retry-worker runs one batch of due retry jobs.

Jobs that succeed are marked done, transient failures are rescheduled with
backoff, and jobs that fail terminally or exhaust their attempts are
dead-lettered and alerted on.

Exit codes:
  0  batch finished with no dead letters
  1  configuration, store or worker error
  2  at least one job was dead-lettered

Usage:
  retry-worker [flags]

Flags:
`)
	flagSet.PrintDefaults()
}
