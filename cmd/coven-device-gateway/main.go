// ABOUTME: Entry point for the coven device gateway server.
// ABOUTME: Bridges device clients to an agent runtime with push fallback.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/coven-device-gateway/internal/config"
	"github.com/2389/coven-device-gateway/internal/dispatch"
	"github.com/2389/coven-device-gateway/internal/gateway"
)

// Version is set by goreleaser at build time.
var version = "dev"

// getConfigPath returns the path to the gateway config file.
// Priority: COVEN_DEVICE_CONFIG env var > XDG_CONFIG_HOME > ~/.config.
func getConfigPath() string {
	if envPath := os.Getenv("COVEN_DEVICE_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "device-gateway.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "coven", "device-gateway.yaml")
}

// getDataPath returns the path to the data directory.
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "coven-device-gateway")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: coven-device-gateway <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve     Start the device gateway server")
		fmt.Println("  init      Write a starter config file")
		fmt.Println("  health    Check gateway health")
		fmt.Println("  devices   List known devices")
		fmt.Println("  version   Print version")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "health":
		err = runHealth(ctx)
	case "devices":
		err = runDevices(ctx)
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
}

// setupLogger builds the process logger from config.
func setupLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Logging.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func runServe(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("starting device gateway", "version", version)

	// The dispatch runtime is an external collaborator; without one wired
	// in, serve runs against the echo dispatcher for development.
	gw, err := gateway.New(cfg, &dispatch.Echo{Delay: 100 * time.Millisecond}, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

func runInit() error {
	configPath := getConfigPath()
	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("config already exists: %s", configPath)
	}

	dataPath := getDataPath()
	dbPath := filepath.Join(dataPath, "device-gateway.db")

	content := fmt.Sprintf(`# coven-device-gateway configuration
# Generated by coven-device-gateway init

server:
  http_addr: "0.0.0.0:8787"

auth:
  token: "${COVEN_DEVICE_TOKEN}"

database:
  path: "%s"

timing:
  auth_window: "5s"
  ping_interval: "30s"
  pong_timeout: "10s"
  tick_interval: "55s"

logging:
  level: "info"
  format: "text"
`, dbPath)

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Printf("  ✓ Created config: %s\n", configPath)
	fmt.Println()
	fmt.Println("Set COVEN_DEVICE_TOKEN and start the server:")
	fmt.Println("  coven-device-gateway serve")
	return nil
}

// apiBaseURL resolves the gateway address for CLI commands.
func apiBaseURL() (string, error) {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return "", fmt.Errorf("loading config: %w", err)
	}
	if cfg.Tailscale.Enabled {
		scheme := "http"
		if cfg.Tailscale.HTTPS {
			scheme = "https"
		}
		return scheme + "://" + cfg.Tailscale.Hostname, nil
	}
	return "http://" + cfg.Server.HTTPAddr, nil
}

func runHealth(ctx context.Context) error {
	base, err := apiBaseURL()
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/health/ready", nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("gateway unreachable: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode == http.StatusOK {
		color.Green("✓ %s", string(body))
	} else {
		color.Yellow("✗ %s", string(body))
	}
	return nil
}

func runDevices(ctx context.Context) error {
	base, err := apiBaseURL()
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/api/devices", nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("gateway unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gateway returned %s", resp.Status)
	}

	var devices []struct {
		DeviceID  string `json:"deviceId"`
		Connected bool   `json:"connected"`
		LastSeen  string `json:"lastSeen"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&devices); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	if len(devices) == 0 {
		fmt.Println("No devices known.")
		return nil
	}

	green := color.New(color.FgGreen)
	gray := color.New(color.FgHiBlack)
	for _, d := range devices {
		if d.Connected {
			green.Printf("● %s", d.DeviceID)
		} else {
			gray.Printf("○ %s", d.DeviceID)
		}
		if d.LastSeen != "" {
			fmt.Printf("  last seen %s", d.LastSeen)
		}
		fmt.Println()
	}
	return nil
}
