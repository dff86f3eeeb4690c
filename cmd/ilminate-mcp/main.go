// ilminate-mcp exposes email, domain and image threat detection, MITRE
// ATT&CK mapping and threat-feed subscriptions as MCP tools.
//
// Add to an MCP host (e.g. claude_desktop_config.json):
//
//	{
//	  "mcpServers": {
//	    "ilminate": {
//	      "command": "/path/to/ilminate-mcp",
//	      "args": ["--backend-url", "http://localhost:8888"]
//	    }
//	  }
//	}
//
// Run `ilminate-mcp serve` for the HTTP transport, REST API, metrics and
// gRPC health service.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/jmerrifield20/ilminate-mcp/internal/config"
	"github.com/jmerrifield20/ilminate-mcp/internal/mcpbridge"
)

var (
	v          = config.New()
	configFile string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ilminate-mcp",
	Short: "MCP server for threat detection and threat-feed subscriptions",
	Long: `ilminate-mcp is a stdio MCP server that exposes detection tools to any
MCP-compatible AI host:

  analyze_email_threat, check_domain_reputation, scan_image_for_threats,
  map_to_mitre_attack, get_detection_engine_status,
  subscribe_to_threat_feed, unsubscribe_from_threat_feed,
  get_threat_feed_status, update_detection_rules, get_rule_update_history

When the detection backend is unreachable the detection tools answer from
local heuristics and mark the result degraded.

All logging goes to stderr so it does not interfere with the protocol.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		if configFile != "" {
			v.SetConfigFile(configFile)
		}
		return nil
	},
	RunE: runStdio,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configFile, "config", "", "config file (default: configs/ilminate.yaml or ./ilminate.yaml)")
	pf.String("backend-url", "", "detection backend base URL")
	pf.String("database-url", "", "Postgres URL for the rule ledger (default: in-memory)")
	pf.Bool("tracing", false, "export OpenTelemetry spans to stderr")
	pf.Bool("dev", false, "human-readable development logging")

	bindFlags(rootCmd, map[string]string{
		"backend.url":         "backend-url",
		"ledger.database_url": "database-url",
		"telemetry.tracing":   "tracing",
		"log.development":     "dev",
	})

	rootCmd.AddCommand(serveCmd)
}

func bindFlags(cmd *cobra.Command, keys map[string]string) {
	for key, flag := range keys {
		f := cmd.PersistentFlags().Lookup(flag)
		if f == nil {
			f = cmd.Flags().Lookup(flag)
		}
		if err := v.BindPFlag(key, f); err != nil {
			panic(fmt.Sprintf("bind flag %s: %v", flag, err))
		}
	}
}

func newLogger(vp *viper.Viper) (*zap.Logger, error) {
	if vp.GetBool("log.development") {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func runStdio(cmd *cobra.Command, _ []string) error {
	logger, err := newLogger(v)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, v, logger)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	go a.monitor.Start(ctx)

	server := mcpbridge.NewServer(os.Stdout, a.tools, logger)
	logger.Info("ilminate MCP server ready on stdio",
		zap.String("backend", a.cfg.Backend.URL),
		zap.Int("tools", len(a.tools.Definitions())),
	)
	return server.Serve(ctx, os.Stdin)
}
