// ABOUTME: Entry point for the pairchat server
// ABOUTME: Subcommands serve the gateway, write a starter config and probe health

package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/joho/godotenv"

	"github.com/2389/pairchat/internal/config"
	"github.com/2389/pairchat/internal/gateway"
)

// version is set by goreleaser at build time.
var version = "dev"

const banner = `
             _           _           _
 _ __   __ _(_)_ __ ___| |__   __ _| |_
| '_ \ / _' | | '__/ __| '_ \ / _' | __|
| |_) | (_| | | | | (__| | | | (_| | |_
| .__/ \__,_|_|_|  \___|_| |_|\__,_|\__|
|_|
`

// getConfigPath returns the path to the server config file.
// Priority: PAIRCHAT_CONFIG env var > XDG_CONFIG_HOME/pairchat/config.yaml > ~/.config/pairchat/config.yaml
func getConfigPath() string {
	if envPath := os.Getenv("PAIRCHAT_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "pairchat", "config.yaml")
}

// getDataPath returns the pairchat data directory.
// Priority: XDG_DATA_HOME/pairchat > ~/.local/share/pairchat
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "pairchat")
}

func usage() {
	fmt.Println("Usage: pairchat <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve    Start the chat server")
	fmt.Println("  init     Create a new config file interactively")
	fmt.Println("  health   Check server health")
	fmt.Println("  ready    Check store readiness and live stats")
	fmt.Println("  version  Print the version")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	// A .env next to the binary may carry secrets referenced as ${VAR} in the config.
	_ = godotenv.Load()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit(os.Stdin, os.Stdout)
	case "health":
		err = runProbe(ctx, "/health")
	case "ready":
		err = runProbe(ctx, "/health/ready")
	case "version":
		fmt.Println(version)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging, os.Stdout)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	if cfg.Server.GRPCAddr != "" {
		green.Print("    ▶ ")
		fmt.Printf("gRPC:      %s\n", cfg.Server.GRPCAddr)
	}
	green.Print("    ▶ ")
	fmt.Printf("Storage:   %s", cfg.Storage.Backend)
	if cfg.Storage.Dir != "" {
		gray.Printf(" (%s)", cfg.Storage.Dir)
	}
	fmt.Println()
	green.Print("    ▶ ")
	fmt.Printf("Live:      buffer %d, %s\n", cfg.Live.BufferSize, cfg.Live.OverflowPolicy)

	if cfg.Auth.JWTSecret == "" {
		yellow.Println("    ! auth disabled: callers are trusted by name")
	}

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Funnel {
			yellow.Print(" [funnel]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}

	fmt.Println()

	logger.Info("starting pairchat",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"grpc_addr", cfg.Server.GRPCAddr,
		"backend", cfg.Storage.Backend,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

// runProbe GETs a health path on the configured HTTP address and prints the body.
func runProbe(ctx context.Context, path string) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s%s", cfg.Server.HTTPAddr, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	fmt.Println(strings.TrimSpace(string(body)))
	return nil
}

// initAnswers holds the choices collected by runInit.
type initAnswers struct {
	HTTPAddr    string
	GRPCAddr    string
	Backend     string
	StorageDir  string
	DBPath      string
	JWTSecret   string
	LogLevel    string
	LogFormat   string
	Metrics     bool
	TailscaleOn bool
	TSHostname  string
}

// renderConfig produces the YAML config file for the given answers.
func renderConfig(a initAnswers) string {
	var cfg strings.Builder
	cfg.WriteString("# pairchat configuration\n")
	cfg.WriteString("# Generated by pairchat init\n\n")

	cfg.WriteString("server:\n")
	fmt.Fprintf(&cfg, "  http_addr: %q\n", a.HTTPAddr)
	fmt.Fprintf(&cfg, "  grpc_addr: %q\n", a.GRPCAddr)
	cfg.WriteString("\n")

	cfg.WriteString("storage:\n")
	fmt.Fprintf(&cfg, "  backend: %q\n", a.Backend)
	if a.Backend != config.BackendSQLite {
		fmt.Fprintf(&cfg, "  dir: %q\n", a.StorageDir)
	}
	cfg.WriteString("\n")

	cfg.WriteString("database:\n")
	fmt.Fprintf(&cfg, "  path: %q\n", a.DBPath)
	cfg.WriteString("\n")

	cfg.WriteString("live:\n")
	fmt.Fprintf(&cfg, "  buffer_size: %d\n", config.DefaultBufferSize)
	fmt.Fprintf(&cfg, "  overflow_policy: %q\n", config.DefaultOverflowPolicy)
	fmt.Fprintf(&cfg, "  idle_channel_ttl: %q\n", config.DefaultIdleChannelTTL.String())
	fmt.Fprintf(&cfg, "  heartbeat_interval: %q\n", config.DefaultHeartbeatInterval.String())
	cfg.WriteString("\n")

	cfg.WriteString("auth:\n")
	fmt.Fprintf(&cfg, "  jwt_secret: %q\n", a.JWTSecret)
	fmt.Fprintf(&cfg, "  token_ttl: %q\n", config.DefaultTokenTTL.String())
	cfg.WriteString("\n")

	cfg.WriteString("tailscale:\n")
	fmt.Fprintf(&cfg, "  enabled: %t\n", a.TailscaleOn)
	if a.TailscaleOn {
		fmt.Fprintf(&cfg, "  hostname: %q\n", a.TSHostname)
		cfg.WriteString("  auth_key: \"${TS_AUTHKEY}\"\n")
	}
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	fmt.Fprintf(&cfg, "  level: %q\n", a.LogLevel)
	fmt.Fprintf(&cfg, "  format: %q\n", a.LogFormat)
	cfg.WriteString("\n")

	cfg.WriteString("metrics:\n")
	fmt.Fprintf(&cfg, "  enabled: %t\n", a.Metrics)
	fmt.Fprintf(&cfg, "  path: %q\n", config.DefaultMetricsPath)

	return cfg.String()
}

func yes(s string) bool {
	s = strings.ToLower(s)
	return s == "yes" || s == "y"
}

// generateSecret returns a random base64 JWT secret.
func generateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating JWT secret: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

func runInit(in io.Reader, out io.Writer) error {
	reader := bufio.NewReader(in)

	fmt.Fprintln(out, "pairchat configuration setup")
	fmt.Fprintln(out, "============================")
	fmt.Fprintln(out)

	dataPath := getDataPath()
	outputFile := prompt(reader, out, "Config file path", getConfigPath())

	if _, err := os.Stat(outputFile); err == nil {
		if !yes(prompt(reader, out, "File exists. Overwrite?", "no")) {
			fmt.Fprintln(out, "Aborted.")
			return nil
		}
	}

	var a initAnswers

	fmt.Fprintln(out, "\n--- Server ---")
	a.HTTPAddr = prompt(reader, out, "HTTP address", "localhost:8080")
	a.GRPCAddr = prompt(reader, out, "gRPC address", "localhost:50051")

	fmt.Fprintln(out, "\n--- Storage ---")
	a.Backend = prompt(reader, out, "Message backend (file/sqlite/badger)", config.BackendFile)
	a.DBPath = prompt(reader, out, "SQLite database path", filepath.Join(dataPath, "pairchat.db"))
	if a.Backend != config.BackendSQLite {
		a.StorageDir = prompt(reader, out, "Message directory", filepath.Join(dataPath, "chats"))
	}

	fmt.Fprintln(out, "\n--- Auth ---")
	if yes(prompt(reader, out, "Require login tokens?", "yes")) {
		secret, err := generateSecret()
		if err != nil {
			return err
		}
		a.JWTSecret = secret
	}

	fmt.Fprintln(out, "\n--- Tailscale ---")
	a.TailscaleOn = yes(prompt(reader, out, "Enable Tailscale?", "no"))
	if a.TailscaleOn {
		a.TSHostname = prompt(reader, out, "Tailscale hostname", "pairchat")
	}

	fmt.Fprintln(out, "\n--- Logging and metrics ---")
	a.LogLevel = prompt(reader, out, "Log level (debug/info/warn/error)", "info")
	a.LogFormat = prompt(reader, out, "Log format (text/json)", "text")
	a.Metrics = yes(prompt(reader, out, "Expose Prometheus metrics?", "no"))

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(outputFile, []byte(renderConfig(a)), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(a.DBPath), 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	fmt.Fprintf(out, "\nConfig written to %s\n", outputFile)
	fmt.Fprintln(out, "\nTo start the server:")
	fmt.Fprintln(out, "  pairchat serve")

	return nil
}

func prompt(reader *bufio.Reader, out io.Writer, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Fprintf(out, "%s [%s]: ", question, defaultVal)
	} else {
		fmt.Fprintf(out, "%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil && input == "" {
		fmt.Fprintln(out)
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
