package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"prefetchd/internal/config"
	"prefetchd/internal/logger"
	"prefetchd/internal/service"
)

var (
	version = "dev"

	configPath string
	addr       string
)

var rootCmd = &cobra.Command{
	Use:   "prefetchd",
	Short: "Speculative prefetch daemon",
	Long: `prefetchd fetches content ahead of use when battery, network, memory and
the daily data budget allow, and serves it back from a local cache.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the daemon",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := logger.Init(logger.Config{
			Level:  cfg.Logging.Level,
			Format: cfg.Logging.Format,
			Output: cfg.Logging.Output,
		}); err != nil {
			return err
		}

		svc, err := service.New(cfg)
		if err != nil {
			return fmt.Errorf("init service: %w", err)
		}
		defer svc.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		logger.Info("prefetchd starting", "version", version, "config", configPath,
			"storage", cfg.Storage.Backend, "cache_dir", cfg.Cache.Dir)
		return svc.Run(ctx)
	},
}

var checkConfigCmd = &cobra.Command{
	Use:   "check-config",
	Short: "Validate the configuration file",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (listen %s, cache %s max %s, budget %s/day)\n",
			configPath, cfg.Server.Listen, cfg.Cache.Dir, cfg.Cache.Max, cfg.Resources.DailyBudget)
		return nil
	},
}

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Print the running daemon's report",
	RunE: func(cmd *cobra.Command, _ []string) error {
		body, err := callDaemon(cmd.Context(), http.MethodGet, "/v1/report")
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(body)
		return err
	},
}

var clearCacheCmd = &cobra.Command{
	Use:   "clear-cache",
	Short: "Remove every cached entry, including permanent ones",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if _, err := callDaemon(cmd.Context(), http.MethodDelete, "/v1/cache"); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "cache cleared")
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "prefetchd %s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", getenvDefault("PREFETCHD_CONFIG", "/etc/prefetchd.yaml"), "path to prefetchd.yaml")
	for _, c := range []*cobra.Command{reportCmd, clearCacheCmd} {
		c.Flags().StringVar(&addr, "addr", "", "daemon address (default: server.listen from the config)")
	}
	rootCmd.AddCommand(serveCmd, checkConfigCmd, reportCmd, clearCacheCmd, versionCmd)
	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (config.Config, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// callDaemon issues a request against the control API of a running daemon.
func callDaemon(ctx context.Context, method, path string) ([]byte, error) {
	base, err := daemonURL()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, base+path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("contact daemon at %s: %w", base, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}

func daemonURL() (string, error) {
	a := addr
	if a == "" {
		cfg, err := loadConfig()
		if err != nil {
			return "", err
		}
		a = cfg.Server.Listen
	}
	if strings.HasPrefix(a, "http://") || strings.HasPrefix(a, "https://") {
		return strings.TrimRight(a, "/"), nil
	}
	host, port, err := net.SplitHostPort(a)
	if err != nil {
		return "", fmt.Errorf("daemon address %q: %w", a, err)
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port), nil
}

func getenvDefault(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}
