// Command policyauthctl is a CLI front-end for the policy authorization
// engine, structured the way the teacher's cmd/agentwarden CLI is: a
// cobra root command with flag-carrying subcommands.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/polyauthz/engine/internal/audit"
	"github.com/polyauthz/engine/internal/authz"
	"github.com/polyauthz/engine/internal/config"
	"github.com/polyauthz/engine/internal/engine"
	"github.com/polyauthz/engine/internal/metrics"
	"github.com/polyauthz/engine/internal/provider"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "policyauthctl",
		Short: "Policy authorization engine CLI",
		Long:  "policyauthctl — evaluate, validate, and serve metrics for a policy authorization engine.",
	}

	var configFile string

	evaluateCmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Evaluate a single context against the configured policies",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEvaluate(cmd, configFile)
		},
	}
	evaluateCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to engine config file")
	evaluateCmd.Flags().String("client-id", "", "Context clientId")
	evaluateCmd.Flags().String("action", "", "Context action")
	evaluateCmd.Flags().String("resource", "", "Context resource")
	evaluateCmd.Flags().String("agent-id", "", "Context agentId")
	evaluateCmd.Flags().String("platform", "", "Context platform")

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Load the configured policy directory and report any invalid documents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(configFile)
		},
	}
	validateCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to engine config file")

	var metricsPort int
	var metricsConfigFile string
	serveMetricsCmd := &cobra.Command{
		Use:   "serve-metrics",
		Short: "Serve the Prometheus /metrics endpoint and the websocket audit-stream listener",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServeMetrics(metricsConfigFile, metricsPort)
		},
	}
	serveMetricsCmd.Flags().IntVarP(&metricsPort, "port", "p", 9090, "Port to serve /metrics and /stream on")
	serveMetricsCmd.Flags().StringVarP(&metricsConfigFile, "config", "c", "", "Path to engine config file")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("policyauthctl %s (%s)\n", version, commit)
		},
	}

	rootCmd.AddCommand(evaluateCmd, validateCmd, serveMetricsCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(configFile string) *config.EngineConfig {
	if configFile == "" {
		return config.DefaultConfig()
	}
	cfg, err := config.Load(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: %v, falling back to defaults\n", err)
		return config.DefaultConfig()
	}
	return cfg
}

// buildEngine wires an Engine from cfg. exporter, if non-nil, is attached as
// the engine's additive Prometheus exporter. It returns the stream sink
// buildEngine created for cfg.AuditStreamEnable (nil if that's off), so a
// caller that wants to serve the websocket audit stream over HTTP can mount
// its ServeHTTP.
func buildEngine(cfg *config.EngineConfig, exporter *metrics.Exporter) (*engine.Engine, *audit.StreamSink, error) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{}))

	engCfg := engine.DefaultConfig()
	engCfg.FailClosed = cfg.FailClosed
	engCfg.DefaultEffect = authz.Effect(cfg.DefaultEffect)
	engCfg.EnableKillSwitch = cfg.EnableKillSwitch
	engCfg.EnableRateLimit = cfg.EnableRateLimit
	engCfg.EnableApprovalGates = cfg.EnableApprovalGates
	engCfg.Cache.Enabled = cfg.Cache.Enabled
	engCfg.Cache.TTL = cfg.Cache.TTL
	engCfg.Cache.MaxSize = cfg.Cache.MaxSize
	engCfg.EvaluationTimeout = cfg.EvaluationTimeout

	var opts []engine.Option
	if exporter != nil {
		opts = append(opts, engine.WithMetricsExporter(exporter))
	}

	var handlers []audit.Handler
	if cfg.AuditSQLitePath != "" {
		sink, err := audit.NewSQLiteSink(cfg.AuditSQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open audit sqlite sink: %w", err)
		}
		handlers = append(handlers, sink)
	}
	var streamSink *audit.StreamSink
	if cfg.AuditStreamEnable {
		streamSink = audit.NewStreamSink(logger, false)
		handlers = append(handlers, streamSink)
	}
	if len(handlers) > 0 {
		opts = append(opts, engine.WithAuditHandlers(logger, handlers...))
	}

	eng, err := engine.New(engCfg, logger, opts...)
	if err != nil {
		return nil, nil, err
	}

	if cfg.PoliciesDir != "" {
		if _, err := os.Stat(cfg.PoliciesDir); err == nil {
			p, err := provider.NewStaticProvider(cfg.PoliciesDir, logger, eng.InvalidateAll)
			if err != nil {
				return nil, nil, fmt.Errorf("load policy directory: %w", err)
			}
			eng.SetProvider(p)
			if err := p.Watch(); err != nil {
				logger.Warn("policy directory watch not started", "dir", cfg.PoliciesDir, "error", err)
			}
		}
	}

	return eng, streamSink, nil
}

func runEvaluate(cmd *cobra.Command, configFile string) error {
	cfg := loadConfig(configFile)
	eng, _, err := buildEngine(cfg, nil)
	if err != nil {
		return err
	}

	clientID, _ := cmd.Flags().GetString("client-id")
	action, _ := cmd.Flags().GetString("action")
	resource, _ := cmd.Flags().GetString("resource")
	agentID, _ := cmd.Flags().GetString("agent-id")
	platform, _ := cmd.Flags().GetString("platform")

	actx := authz.Context{
		ClientID: clientID,
		Action:   action,
		Resource: resource,
		AgentID:  agentID,
		Platform: platform,
	}

	decision := eng.Evaluate(context.Background(), actx)
	out, err := json.MarshalIndent(decision, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func runValidate(configFile string) error {
	cfg := loadConfig(configFile)
	if cfg.PoliciesDir == "" {
		return fmt.Errorf("no policies_dir configured")
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{}))
	if _, err := provider.NewStaticProvider(cfg.PoliciesDir, logger, nil); err != nil {
		return fmt.Errorf("policy directory failed to load: %w", err)
	}

	fmt.Println("policy documents are valid")
	return nil
}

func runServeMetrics(configFile string, port int) error {
	cfg := loadConfig(configFile)
	cfg.AuditStreamEnable = true

	registry := prometheus.NewRegistry()
	exporter := metrics.NewExporter("policyauthz", registry)

	// eng is held alive only to keep the exporter and stream sink wired to a
	// running pipeline (policy hot-reload, future evaluate calls against the
	// same process); this command itself never calls Evaluate.
	eng, streamSink, err := buildEngine(cfg, exporter)
	if err != nil {
		return err
	}
	_ = eng

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.Handle("/stream", streamSink)

	addr := fmt.Sprintf(":%d", port)
	fmt.Printf("serving /metrics and /stream on %s\n", addr)
	return http.ListenAndServe(addr, mux)
}
