package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/glimte/mmate-netbridge/internal/config"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type globalFlags struct {
	configPath  string
	logLevel    string
	logFormat   string
	metricsAddr string
}

func newRootCmd() *cobra.Command {
	var flags globalFlags
	root := &cobra.Command{
		Use:   "netbridge",
		Short: "Forward messages between brokers on demand",
		Long: `netbridge runs an embedded broker and keeps network bridges to its peers.
Messages are forwarded to a remote broker only while that broker has consumers for them.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "netbridge.yaml", "Path to the configuration file")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "Log level (debug, info, warn, error); overrides the file")
	root.PersistentFlags().StringVar(&flags.logFormat, "log-format", "", "Log format (text or json); overrides the file")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the broker and its network connectors",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := loadConfig(flags)
			if err != nil {
				return err
			}
			logger, err := newLogger(cmd.ErrOrStderr(), f.Log)
			if err != nil {
				return err
			}
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			a, err := newApp(f, logger)
			if err != nil {
				return err
			}
			return a.run(ctx)
		},
	}
	runCmd.Flags().StringVar(&flags.metricsAddr, "metrics-addr", "", "Address to serve Prometheus metrics on; overrides the file")

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the configuration",
	}
	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := loadConfig(flags)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%d listeners, %d connectors)\n",
				flags.configPath, len(f.Listeners), len(f.Connectors))
			return nil
		},
	}
	printCmd := &cobra.Command{
		Use:   "print",
		Short: "Print the effective configuration and the properties each connector advertises",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := loadConfig(flags)
			if err != nil {
				return err
			}
			return printConfig(cmd.OutOrStdout(), f)
		},
	}
	configCmd.AddCommand(validateCmd, printCmd)
	root.AddCommand(runCmd, configCmd)
	root.SetContext(context.Background())
	return root
}

func loadConfig(flags globalFlags) (*config.File, error) {
	f, err := config.Load(flags.configPath)
	if err != nil {
		return nil, err
	}
	if flags.logLevel != "" {
		f.Log.Level = flags.logLevel
	}
	if flags.logFormat != "" {
		f.Log.Format = flags.logFormat
	}
	if flags.metricsAddr != "" {
		f.Metrics.Addr = flags.metricsAddr
	}
	return f, nil
}

func newLogger(w io.Writer, c config.Log) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Level)); err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(c.Format) {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text", "":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("log format must be text or json, got %q", c.Format)
	}
}

type effectiveConfig struct {
	config.File       `yaml:",inline"`
	NetworkProperties map[string]string `yaml:"networkProperties,omitempty"`
}

func printConfig(w io.Writer, f *config.File) error {
	out := effectiveConfig{File: f.Redacted()}
	for _, c := range f.Connectors {
		cfg, err := c.BridgeConfig(f.Broker)
		if err != nil {
			return err
		}
		if out.NetworkProperties == nil {
			out.NetworkProperties = make(map[string]string)
		}
		out.NetworkProperties[c.Name] = cfg.NetworkProperties()
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(out); err != nil {
		return err
	}
	return enc.Close()
}
