// Command subscription-lifecycle reports on or converges the mailbox change
// notification subscription.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/pflag"

	"github.com/goliatone/go-helpdesk-bridge/adapters/gocommand"
	"github.com/goliatone/go-helpdesk-bridge/bootstrap"
	"github.com/goliatone/go-helpdesk-bridge/config"
	"github.com/goliatone/go-helpdesk-bridge/core"
)

const (
	modeStatus = "status"
	modeEnsure = "ensure"
)

type flags struct {
	configPath string
	envFile    string
	mode       string
	help       bool
}

type ensureFailure struct {
	Action string `json:"action"`
	Error  string `json:"error"`
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
	code, err := run(ctx, cfg, parsed.mode, bootstrap.Options{}, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
	}
	os.Exit(code)
}

func parseFlags(args []string) (flags, error) {
	var parsed flags
	flagSet := pflag.NewFlagSet("subscription-lifecycle", pflag.ContinueOnError)
	flagSet.StringVar(&parsed.configPath, "config", "", "path to a YAML config file")
	flagSet.StringVar(&parsed.envFile, "env-file", ".env", "dotenv file read before the process environment")
	flagSet.StringVar(&parsed.mode, "mode", modeStatus, "status or ensure")
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
	parsed.mode = strings.ToLower(strings.TrimSpace(parsed.mode))
	if parsed.mode != modeStatus && parsed.mode != modeEnsure {
		return flags{}, fmt.Errorf("--mode must be %q or %q, got %q", modeStatus, modeEnsure, parsed.mode)
	}
	return parsed, nil
}

func run(ctx context.Context, cfg core.Config, mode string, opts bootstrap.Options, stdout io.Writer) (int, error) {
	opts.Role = bootstrap.RoleLifecycle
	opts.RegisterCommands = true
	rt, err := bootstrap.Open(ctx, cfg, opts)
	if err != nil {
		return core.ExitCodeFailure, err
	}
	defer rt.Close()

	if mode == modeEnsure {
		return ensure(ctx, rt, stdout)
	}
	return status(ctx, rt, stdout)
}

// status exits non-zero for every state but healthy, alerting as it does.
func status(ctx context.Context, rt *bootstrap.Runtime, stdout io.Writer) (int, error) {
	current, err := gocommand.SubscriptionStatus(ctx)
	if err != nil {
		return core.ExitCodeFailure, err
	}
	if err := writeJSON(stdout, current); err != nil {
		return core.ExitCodeFailure, err
	}
	if rt.Subscriptions.AlertIfUnhealthy(ctx, current) {
		return core.ExitCodeFailure, nil
	}
	return core.ExitCodeClean, nil
}

func ensure(ctx context.Context, rt *bootstrap.Runtime, stdout io.Writer) (int, error) {
	result, err := gocommand.EnsureSubscription(ctx)
	if err != nil {
		rt.Notify(ctx, core.Alert{
			Type:    core.AlertSubscriptionEnsureFailed,
			Summary: fmt.Sprintf("Mailbox subscription ensure failed for %s", rt.Config.Graph.SubscriptionResource),
			Context: map[string]any{"resource": rt.Config.Graph.SubscriptionResource},
			Err:     err,
		})
		if writeErr := writeJSON(stdout, ensureFailure{Action: "failed", Error: err.Error()}); writeErr != nil {
			return core.ExitCodeFailure, writeErr
		}
		return core.ExitCodeFailure, err
	}
	if err := writeJSON(stdout, result); err != nil {
		return core.ExitCodeFailure, err
	}
	return core.ExitCodeClean, nil
}

func writeJSON(w io.Writer, value any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `subscription-lifecycle manages the mailbox change notification subscription.

Modes:
  status  print the subscription state; exits 1 and alerts unless healthy
  ensure  create or renew the subscription; exits 1 and alerts on failure

Usage:
  subscription-lifecycle --mode status|ensure [flags]

Flags:
`)
	flagSet.PrintDefaults()
}
