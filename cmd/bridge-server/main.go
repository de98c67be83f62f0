// Command bridge-server receives the GitHub and Microsoft Graph webhooks.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/pflag"

	"github.com/goliatone/go-helpdesk-bridge/bootstrap"
	"github.com/goliatone/go-helpdesk-bridge/config"
)

type flags struct {
	configPath string
	envFile    string
	address    string
	help       bool
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	parsed, err := parseFlags(args)
	if err != nil || parsed.help {
		return err
	}

	ctx := context.Background()
	cfg, err := config.Load(ctx, parsed.configPath, parsed.envFile)
	if err != nil {
		return err
	}
	if parsed.address != "" {
		cfg.App.Address = parsed.address
	}
	if !cfg.IsDev() {
		gin.SetMode(gin.ReleaseMode)
	}

	rt, err := bootstrap.Open(ctx, cfg, bootstrap.Options{Role: bootstrap.RoleServer})
	if err != nil {
		return err
	}
	defer rt.Close()

	router, err := rt.Router()
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:              cfg.App.Address,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		rt.Logger.Info("webhook receiver listening", "address", cfg.App.Address)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		rt.Logger.Info("shutting down webhook receiver", "signal", sig.String())
	case err, ok := <-serveErr:
		if ok && err != nil {
			return fmt.Errorf("serve: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	rt.Logger.Info("webhook receiver stopped")
	return nil
}

func parseFlags(args []string) (flags, error) {
	var parsed flags
	flagSet := pflag.NewFlagSet("bridge-server", pflag.ContinueOnError)
	flagSet.StringVar(&parsed.configPath, "config", "", "path to a YAML config file")
	flagSet.StringVar(&parsed.envFile, "env-file", ".env", "dotenv file read before the process environment")
	flagSet.StringVar(&parsed.address, "address", "", "listen address (default: app.address)")
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
	return parsed, nil
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `bridge-server serves the helpdesk bridge webhooks.

Routes:
  GET  /health
  POST /webhooks/github
  POST /webhooks/graph   (also answers the Graph validationToken handshake)

Usage:
  bridge-server [flags]

Flags:
`)
	flagSet.PrintDefaults()
}
