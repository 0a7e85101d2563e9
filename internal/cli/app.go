// Package cli defines the tierstore command-line tool on urfave/cli/v2.
package cli

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/tierstore/tierstore/internal/config"
	"github.com/tierstore/tierstore/pkg/errors"
	"github.com/tierstore/tierstore/pkg/tierstore"
	"github.com/tierstore/tierstore/pkg/utils"
)

// Build information, set via ldflags.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

const serviceKey = "service"

// App creates the CLI application.
func App() *cli.App {
	return &cli.App{
		Name:    "tierstore",
		Usage:   "Tiered key-value storage with capacity management",
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, BuildTime),
		// Exit codes are applied by main so commands stay testable.
		ExitErrHandler: func(*cli.Context, error) {},
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to a YAML configuration file",
				EnvVars: []string{"TIERSTORE_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "DEBUG, INFO, WARN or ERROR (overrides the config file)",
			},
			&cli.StringFlag{
				Name:    "output",
				Aliases: []string{"o"},
				Usage:   "Output format: text, json",
				Value:   "text",
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "put",
				Usage:     "Store a value; '-' reads it from stdin",
				ArgsUsage: "KEY VALUE|-",
				Before:    open,
				After:     closeService,
				Action:    putAction,
			},
			{
				Name:      "get",
				Usage:     "Print a stored value",
				ArgsUsage: "KEY",
				Before:    open,
				After:     closeService,
				Action:    getAction,
			},
			{
				Name:      "delete",
				Usage:     "Remove a key from every tier",
				ArgsUsage: "KEY",
				Before:    open,
				After:     closeService,
				Action:    deleteAction,
			},
			{
				Name:   "usage",
				Usage:  "Show bulk tier usage",
				Before: open,
				After:  closeService,
				Action: usageAction,
			},
			{
				Name:   "check",
				Usage:  "Probe the tiers and clean up if needed",
				Before: open,
				After:  closeService,
				Action: checkAction,
			},
			{
				Name:      "config",
				Usage:     "Write the effective configuration (file, environment and flags) to PATH",
				ArgsUsage: "PATH",
				Action:    configAction,
			},
			{
				Name:  "monitor",
				Usage: "Run the background usage monitor and metrics endpoint until interrupted",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "metrics-addr",
						Usage: "serve Prometheus metrics on this address",
					},
					&cli.StringFlag{
						Name:  "api-addr",
						Usage: "serve health, readiness and usage endpoints on this address",
					},
				},
				Before: open,
				After:  closeService,
				Action: monitorAction,
			},
		},
	}
}

// loadConfig reads defaults, then the config file, then TIERSTORE_* overrides.
func loadConfig(c *cli.Context) (*config.Configuration, error) {
	cfg := config.NewDefault()
	if path := c.String("config"); path != "" {
		if err := cfg.LoadFromFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}
	if level := c.String("log-level"); level != "" {
		cfg.Global.LogLevel = strings.ToUpper(level)
	}
	if c.IsSet("metrics-addr") {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Address = c.String("metrics-addr")
	}
	if c.IsSet("api-addr") {
		cfg.API.Enabled = true
		cfg.API.Address = c.String("api-addr")
	}
	return cfg, nil
}

func open(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	logger, closer, err := utils.NewLogger(utils.LoggerConfig{
		Level:  cfg.Global.LogLevel,
		Format: cfg.Global.LogFormat,
		File:   cfg.Global.LogFile,
	})
	if err != nil {
		return err
	}
	c.App.Metadata["logCloser"] = closer

	svc, err := tierstore.New(cfg, tierstore.WithLogger(logger))
	if err != nil {
		return err
	}
	if err := svc.Init(c.Context); err != nil {
		return err
	}
	c.App.Metadata[serviceKey] = svc
	return nil
}

func closeService(c *cli.Context) error {
	var err error
	if svc, ok := c.App.Metadata[serviceKey].(*tierstore.Service); ok {
		err = svc.Close()
		delete(c.App.Metadata, serviceKey)
	}
	if closer, ok := c.App.Metadata["logCloser"].(io.Closer); ok {
		_ = closer.Close()
		delete(c.App.Metadata, "logCloser")
	}
	return err
}

func service(c *cli.Context) *tierstore.Service {
	return c.App.Metadata[serviceKey].(*tierstore.Service)
}

func putAction(c *cli.Context) error {
	if c.NArg() != 2 {
		return cli.Exit("usage: put KEY VALUE|-", 2)
	}
	key, value := c.Args().Get(0), c.Args().Get(1)
	if value == "-" {
		data, err := io.ReadAll(c.App.Reader)
		if err != nil {
			return fmt.Errorf("failed to read stdin: %w", err)
		}
		value = string(data)
	}
	return service(c).Put(c.Context, key, value)
}

func getAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("usage: get KEY", 2)
	}
	key := c.Args().First()
	value, ok := service(c).Get(c.Context, key)
	if !ok {
		return cli.Exit(fmt.Sprintf("key %q not found", key), 1)
	}
	if c.String("output") == "json" {
		return writeJSON(c.App.Writer, map[string]string{"key": key, "value": value})
	}
	_, err := fmt.Fprintln(c.App.Writer, value)
	return err
}

func deleteAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("usage: delete KEY", 2)
	}
	service(c).Delete(c.Context, c.Args().First())
	return nil
}

func usageAction(c *cli.Context) error {
	snap, err := service(c).Usage(c.Context)
	if err != nil {
		return err
	}
	if c.String("output") == "json" {
		return writeJSON(c.App.Writer, map[string]interface{}{
			"total_capacity": snap.TotalCapacity,
			"used_size":      snap.UsedSize,
			"ratio":          snap.Ratio(),
			"items":          len(snap.Items),
			"largest":        snap.Largest(5),
		})
	}

	w := c.App.Writer
	fmt.Fprintf(w, "Used:     %s of %s (%.1f%%)\n",
		utils.FormatBytes(snap.UsedSize), utils.FormatBytes(snap.TotalCapacity), snap.Ratio()*100)
	fmt.Fprintf(w, "Items:    %d\n", len(snap.Items))
	for _, item := range snap.Largest(5) {
		fmt.Fprintf(w, "  %-32s %s\n", item.Key, utils.FormatBytes(item.Size))
	}
	return nil
}

func checkAction(c *cli.Context) error {
	svc := service(c)
	results, err := svc.Probe(c.Context)
	if err != nil {
		return err
	}
	writable := svc.CheckAndCleanupIfNeeded(c.Context)

	states := svc.Health()
	names := make([]string, 0, len(states))
	for name := range states {
		names = append(names, name)
	}
	sort.Strings(names)

	if c.String("output") == "json" {
		tiers := make(map[string]interface{}, len(results))
		for _, r := range results {
			tiers[r.Tier.String()] = map[string]interface{}{
				"healthy":    r.Healthy,
				"code":       string(r.Code),
				"latency_ms": r.Latency.Milliseconds(),
				"state":      states[r.Tier.String()].String(),
			}
		}
		if err := writeJSON(c.App.Writer, map[string]interface{}{"writable": writable, "tiers": tiers}); err != nil {
			return err
		}
	} else {
		w := c.App.Writer
		for _, r := range results {
			status := "ok"
			if !r.Healthy {
				status = string(r.Code)
			}
			fmt.Fprintf(w, "%-8s %-20s %-12s %s\n", r.Tier, status, states[r.Tier.String()], r.Latency.Round(time.Microsecond))
		}
		fmt.Fprintf(w, "writable: %t\n", writable)
	}

	if !writable {
		return cli.Exit("bulk tier is not writable", 1)
	}
	return nil
}

func configAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("usage: config PATH", 2)
	}
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(errors.ErrCodeInvalidConfig, "invalid configuration", err).
			WithComponent("cli").WithOperation("config")
	}
	if err := cfg.SaveToFile(c.Args().First()); err != nil {
		return errors.Wrap(errors.ErrCodeConfigSave, "failed to write configuration", err).
			WithComponent("cli").WithOperation("config")
	}
	_, err = fmt.Fprintf(c.App.Writer, "wrote %s\n", c.Args().First())
	return err
}

func monitorAction(c *cli.Context) error {
	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Monitoring storage, press Ctrl-C to stop")
	return service(c).Run(ctx)
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// FormatError renders err for the terminal. Storage errors are reduced to
// their user-facing message plus an operator hint.
func FormatError(err error) string {
	var se *errors.StorageError
	if !stderrors.As(err, &se) {
		return "error: " + err.Error()
	}
	msg := se.Message
	if se.UserFacing {
		msg = se.UserFacingMessage()
	}
	return fmt.Sprintf("error: %s [%s]\nhint: %s", msg, se.Code, se.GetRecommendation())
}

// Run runs the app with args and a background context.
func Run(args []string) error {
	return App().RunContext(context.Background(), args)
}
