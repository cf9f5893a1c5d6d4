// Package main is the CLI entry point for arenabridge — a reverse
// proxy that speaks the OpenAI chat-completions wire format on one
// side and a single browser agent's duplex evaluation protocol on the
// other.
//
// Architecture overview:
//
//	OpenAI-compatible client --> arenabridge (:9080) --> browser agent (ws)
//	                              |                         |
//	                              +-- translate request -----+
//	                              |-- dispatch + admit
//	                              |-- demultiplex frames
//	                              +-- coalesce + stream response back
//
// CLI commands (cobra):
//
//	arenabridge           - Interactive first-run setup
//	arenabridge start [-d] - Start the bridge (foreground or daemon)
//	arenabridge stop       - Stop the bridge
//	arenabridge status     - Show bridge status
//	arenabridge config     - View/edit configuration
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/arenabridge/arenabridge/internal/agentlink"
	"github.com/arenabridge/arenabridge/internal/config"
	"github.com/arenabridge/arenabridge/internal/lifecycle"
	"github.com/arenabridge/arenabridge/internal/models"
	"github.com/arenabridge/arenabridge/internal/obslog"
	"github.com/arenabridge/arenabridge/internal/registry"
	"github.com/arenabridge/arenabridge/internal/telemetry"
)

// Build-time variables injected via ldflags.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func defaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".arenabridge"
	}
	return filepath.Join(home, ".arenabridge")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var configDir string

var rootCmd = &cobra.Command{
	Use:   "arenabridge",
	Short: "arenabridge — OpenAI-compatible bridge for a browser evaluation agent",
	Long: `arenabridge exposes an OpenAI-compatible chat-completions API and
bridges each request to a single connected browser agent over a
duplex socket, translating between the two wire formats in both
directions.

Run 'arenabridge start' to start the bridge, or run 'arenabridge' with
no arguments for interactive first-run setup.`,
	Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runFirstTimeSetup(cmd, args)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", defaultConfigDir(), "Path to arenabridge config and state directory")
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(configCmd)
}

// ============================================================================
// arenabridge start
// ============================================================================

var daemonMode bool

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the arenabridge server",
	Long: `Start the arenabridge server. It exposes an OpenAI-compatible
chat-completions API and accepts one browser agent connection at a
time on the agent-link path.

By default runs in the foreground. Use -d for daemon/background mode.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStart(cmd, args)
	},
}

func init() {
	startCmd.Flags().BoolVarP(&daemonMode, "daemon", "d", false, "Run in daemon/background mode")
}

// runStart wires every component together and blocks until shutdown.
//
//  1. Handle daemon mode (re-exec as background process if -d)
//  2. Load config from ~/.arenabridge/config.yaml
//  3. Set up structured logging (rotating file sink)
//  4. Construct the Model Registry and Request Registry
//  5. Construct the telemetry recorder + lifecycle feed (if enabled)
//  6. Construct the Agent Link and Lifecycle Coordinator
//  7. Mount HTTP routes and start listening
//  8. Start the config watcher (logs config.yaml changes; they take
//     effect on the next restart, not live)
//  9. Block until signal, HTTP shutdown, or server error
func runStart(cmd *cobra.Command, args []string) error {
	if daemonMode && os.Getenv("ARENABRIDGE_DAEMONIZED") != "1" {
		return spawnDaemon()
	}

	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", configDir, err)
	}

	cfg, err := config.Load(filepath.Join(configDir, "config.yaml"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := obslog.New(obslog.Options{
		FilePath: filepath.Join(configDir, "arenabridge.log"),
		JSON:     true,
	})
	slog.SetDefault(logger)

	modelReg := models.New()
	reqReg := registry.New(cfg.Concurrency.MaxActiveRequests)

	var recorder *telemetry.Recorder
	var feed *telemetry.Feed
	var sink agentlink.EventSink = agentlink.NoopSink{}
	if cfg.Telemetry.Enabled {
		recorder = telemetry.NewRecorder(prometheus.DefaultRegisterer)
		feed = telemetry.NewFeed(logger)
		sink = recorder
	}

	link := agentlink.New(cfg.AgentLink, reqReg, modelReg, sink, logger)
	coordinator := lifecycle.New(reqReg, modelReg, link, cfg.AgentLink, logger, recorder, feed)

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/chat/completions", coordinator.ChatCompletions)
	mux.HandleFunc("/v1/models", coordinator.Models)
	mux.HandleFunc("/v1/refresh-models", coordinator.RefreshModels)
	mux.HandleFunc("/health", coordinator.Health)
	mux.Handle(cfg.AgentLink.Path, link.Handler())
	if cfg.Telemetry.Enabled {
		mux.Handle("/metrics", promhttp.Handler())
		mux.Handle("/feed", feed.Handler())
	}

	shutdownCh := make(chan struct{}, 1)
	mux.HandleFunc("/shutdown", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST only", http.StatusMethodNotAllowed)
			return
		}
		if !isLoopback(r.RemoteAddr) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, `{"status":"shutting_down"}`)
		select {
		case shutdownCh <- struct{}{}:
		default:
		}
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		// No WriteTimeout/ReadTimeout: streaming responses can run for
		// minutes and the Agent Link socket is long-lived.
	}

	pidFile := filepath.Join(configDir, "arenabridge.pid")
	if err := writePIDFile(pidFile); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	defer removePIDFile(pidFile)

	watcher, err := config.NewWatcher(configDir, config.WatchTargets{
		OnConfigChange: func() {
			logger.Info("config.yaml changed; restart required to apply agentLink/server/concurrency changes")
		},
	})
	if err != nil {
		return fmt.Errorf("failed to start config watcher: %w", err)
	}
	defer watcher.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("arenabridge listening", "addr", addr, "agent_link_path", cfg.AgentLink.Path)
		if !daemonMode {
			fmt.Printf("[arenabridge] Listening on http://%s\n", addr)
			fmt.Println("[arenabridge] Press Ctrl+C to stop")
		}
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down (signal received)")
	case <-shutdownCh:
		logger.Info("shutting down (stop command received)")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
	}

	link.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
		logger.Warn("shutdown error", "error", shutdownErr)
	}

	logger.Info("stopped")
	return nil
}

func spawnDaemon() error {
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	exePath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to find executable path: %w", err)
	}

	logPath := filepath.Join(configDir, "arenabridge.out.log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file %s: %w", logPath, err)
	}

	daemonArgs := []string{"start"}
	if configDir != defaultConfigDir() {
		daemonArgs = append(daemonArgs, "--config-dir", configDir)
	}

	child := exec.Command(exePath, daemonArgs...)
	child.Stdout = logFile
	child.Stderr = logFile
	child.Env = append(os.Environ(), "ARENABRIDGE_DAEMONIZED=1")

	if err := child.Start(); err != nil {
		logFile.Close()
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	fmt.Printf("[arenabridge] Started in background (PID %d)\n", child.Process.Pid)
	fmt.Printf("[arenabridge] Log file: %s\n", logPath)
	fmt.Println("[arenabridge] Use 'arenabridge stop' to stop it")

	if err := child.Process.Release(); err != nil {
		fmt.Fprintf(os.Stderr, "[arenabridge] Warning: failed to release child process: %v\n", err)
	}

	logFile.Close()
	return nil
}

func writePIDFile(path string) error {
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func removePIDFile(path string) {
	os.Remove(path)
}

func isLoopback(remoteAddr string) bool {
	host := remoteAddr
	if idx := strings.LastIndex(remoteAddr, ":"); idx != -1 {
		host = remoteAddr[:idx]
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	return host == "127.0.0.1" || host == "::1" || strings.HasPrefix(host, "127.")
}

// ============================================================================
// arenabridge stop
// ============================================================================

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running arenabridge server",
	Long: `Stop a running arenabridge server. Tries HTTP shutdown first
(cross-platform), then falls back to PID file + SIGTERM on Unix.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStop(cmd, args)
	},
}

func runStop(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(filepath.Join(configDir, "config.yaml"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	addr := fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port)

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Post(addr+"/shutdown", "application/json", nil)
	if err == nil {
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			fmt.Println("[arenabridge] Stop signal sent")
			os.Remove(filepath.Join(configDir, "arenabridge.pid"))
			return nil
		}
	}

	if runtime.GOOS == "windows" {
		return fmt.Errorf("server is not responding at %s — cannot stop", addr)
	}

	pidFile := filepath.Join(configDir, "arenabridge.pid")
	pidBytes, err := os.ReadFile(pidFile)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("arenabridge is not running (no PID file and HTTP unreachable)")
		}
		return fmt.Errorf("failed to read PID file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(pidBytes)))
	if err != nil {
		return fmt.Errorf("invalid PID in %s: %w", pidFile, err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("failed to find process %d: %w", pid, err)
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		os.Remove(pidFile)
		return fmt.Errorf("failed to stop arenabridge (PID %d): %w", pid, err)
	}

	os.Remove(pidFile)
	fmt.Printf("[arenabridge] Sent stop signal (PID %d)\n", pid)
	return nil
}

// ============================================================================
// arenabridge status
// ============================================================================

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show arenabridge status",
	Long:  `Display whether arenabridge is running, its listen address, and agent-link state.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStatus(cmd, args)
	},
}

type healthPayload struct {
	Status         string `json:"status"`
	AgentConnected bool   `json:"agent_connected"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(filepath.Join(configDir, "config.yaml"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	addr := fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(addr + "/health")
	if err != nil {
		fmt.Println("[arenabridge] Status: NOT RUNNING")
		fmt.Printf("[arenabridge] Expected at: %s\n", addr)
		return nil
	}
	defer resp.Body.Close()

	var health healthPayload
	json.NewDecoder(resp.Body).Decode(&health)

	fmt.Println("[arenabridge] Status: RUNNING")
	fmt.Printf("[arenabridge] Listening on: %s\n", addr)
	if health.AgentConnected {
		fmt.Println("[arenabridge] Agent: CONNECTED")
	} else {
		fmt.Println("[arenabridge] Agent: disconnected")
	}
	return nil
}

// ============================================================================
// arenabridge config
// ============================================================================

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View and edit arenabridge configuration",
	Long: `Manage the arenabridge configuration. The config file lives at
~/.arenabridge/config.yaml and defines the server bind address,
agent-link timing, admission concurrency, and telemetry toggle.`,
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configEditCmd)
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath := filepath.Join(configDir, "config.yaml")
		data, err := os.ReadFile(configPath)
		if err != nil {
			if os.IsNotExist(err) {
				fmt.Printf("No config file found at %s\n", configPath)
				fmt.Println("Run 'arenabridge' for interactive setup.")
				return nil
			}
			return fmt.Errorf("failed to read config: %w", err)
		}
		fmt.Println(string(data))
		return nil
	},
}

var configEditCmd = &cobra.Command{
	Use:   "edit",
	Short: "Open config in editor",
	Long:  `Open the arenabridge config file in your default editor ($EDITOR or $VISUAL).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath := filepath.Join(configDir, "config.yaml")

		editor := os.Getenv("EDITOR")
		if editor == "" {
			editor = os.Getenv("VISUAL")
		}
		if editor == "" {
			if runtime.GOOS == "windows" {
				editor = "notepad"
			} else {
				editor = "vi"
			}
		}

		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			if err := config.WriteDefault(configPath); err != nil {
				return fmt.Errorf("failed to create default config: %w", err)
			}
		}

		fmt.Printf("[arenabridge] Opening %s in %s...\n", configPath, editor)
		editorCmd := exec.Command(editor, configPath)
		editorCmd.Stdin = os.Stdin
		editorCmd.Stdout = os.Stdout
		editorCmd.Stderr = os.Stderr
		return editorCmd.Run()
	},
}

// ============================================================================
// First-run interactive setup
// ============================================================================

func runFirstTimeSetup(cmd *cobra.Command, args []string) error {
	fmt.Println("=== arenabridge — First-Time Setup ===")
	fmt.Println()

	configPath := filepath.Join(configDir, "config.yaml")
	if _, err := os.Stat(configPath); err == nil {
		fmt.Printf("Config already exists at %s\n", configPath)
		fmt.Println("Use 'arenabridge start' to start the server.")
		fmt.Println("Use 'arenabridge config edit' to modify the configuration.")
		return nil
	}

	fmt.Printf("Creating config directory: %s\n", configDir)
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	fmt.Println("Writing default config.yaml...")
	if err := config.WriteDefault(configPath); err != nil {
		return fmt.Errorf("failed to write default config: %w", err)
	}

	fmt.Println()
	fmt.Println("Setup complete! Next steps:")
	fmt.Println()
	fmt.Println("  1. Start the server:")
	fmt.Println("     arenabridge start")
	fmt.Println()
	fmt.Println("  2. Point your browser agent extension at:")
	fmt.Println("     ws://127.0.0.1:9080/ws")
	fmt.Println()
	fmt.Println("  3. Call the OpenAI-compatible API at:")
	fmt.Println("     http://127.0.0.1:9080/v1/chat/completions")
	fmt.Println()
	return nil
}
