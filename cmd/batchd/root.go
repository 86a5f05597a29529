package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"batchd/internal/config"
	"batchd/internal/registry"
	"batchd/pkg/types"
)

// flagValues holds command-line overrides; empty or zero values keep the
// configuration file (or default) setting.
type flagValues struct {
	configPath   string
	addr         string
	modelsDir    string
	defaultModel string
	runtime      string
	logLevel     string
	logFormat    string
	memoryBytes  int64
	corsOrigins  string
}

func newRootCmd() *cobra.Command {
	fv := &flagValues{}
	root := &cobra.Command{
		Use:           "batchd",
		Short:         "Batching inference scheduler for local models",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), fv)
		},
	}
	pf := root.PersistentFlags()
	pf.StringVarP(&fv.configPath, "config", "c", os.Getenv("BATCHD_CONFIG"), "Path to a YAML, JSON or TOML config file")
	pf.StringVar(&fv.modelsDir, "models-dir", "", "Directory to scan for *.gguf model files")
	pf.StringVar(&fv.logLevel, "log-level", "", "Log level: debug|info|warn|error")
	pf.StringVar(&fv.logFormat, "log-format", "", "Log format: json|console")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), fv)
		},
	}
	f := serve.Flags()
	f.StringVar(&fv.addr, "addr", os.Getenv("BATCHD_ADDR"), "HTTP listen address, e.g. :8080")
	f.StringVar(&fv.defaultModel, "default-model", "", "Default model id when request omits model")
	f.StringVar(&fv.runtime, "runtime", "", "Executor runtime: llama|sim")
	f.Int64Var(&fv.memoryBytes, "memory-capacity-bytes", 0, "Memory budget for resident models (0 keeps the configured value)")
	f.StringVar(&fv.corsOrigins, "cors-origins", "", "Comma-separated CORS origins; enables CORS when set")
	root.Flags().AddFlagSet(f)

	models := &cobra.Command{
		Use:   "models",
		Short: "List the models found in the models directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(fv)
			if err != nil {
				return err
			}
			reg, err := registry.LoadDir(cfg.ModelsDir)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(types.ModelsResponse{Models: reg})
		},
	}

	root.AddCommand(serve, models)
	return root
}

// loadConfig reads the config file if one was given, then applies flag
// overrides and validates the result.
func loadConfig(fv *flagValues) (config.Config, error) {
	cfg := config.Defaults()
	if fv.configPath != "" {
		var err error
		if cfg, err = config.Load(fv.configPath); err != nil {
			return cfg, err
		}
	}
	applyFlags(&cfg, fv)
	return cfg, cfg.Validate()
}

func applyFlags(cfg *config.Config, fv *flagValues) {
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&cfg.Addr, fv.addr)
	set(&cfg.ModelsDir, fv.modelsDir)
	set(&cfg.DefaultModel, fv.defaultModel)
	set(&cfg.Runtime, fv.runtime)
	set(&cfg.LogLevel, fv.logLevel)
	set(&cfg.LogFormat, fv.logFormat)
	if fv.memoryBytes > 0 {
		cfg.Residency.MemoryCapacityBytes = fv.memoryBytes
	}
	if origins := splitCSV(fv.corsOrigins); len(origins) > 0 {
		cfg.HTTP.CORS.Enabled = true
		cfg.HTTP.CORS.Origins = origins
	}
}

func runServe(parent context.Context, fv *flagValues) error {
	cfg, err := loadConfig(fv)
	if err != nil {
		return err
	}
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return serve(ctx, cfg, newLogger(cfg.LogLevel, cfg.LogFormat))
}

// splitCSV splits a comma-separated list, dropping blanks.
func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
