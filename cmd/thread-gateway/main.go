// ABOUTME: Entry point for the thread-gateway server
// ABOUTME: Commands to serve the API, write a config, probe health and run a one-off sweep

package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/thread-gateway/internal/config"
	"github.com/2389/thread-gateway/internal/conversation"
	"github.com/2389/thread-gateway/internal/gateway"
	"github.com/2389/thread-gateway/internal/logbuffer"
)

// version is stamped with -ldflags at release time.
var version = "dev"

const banner = `
 _   _                        _                   _
| |_| |__  _ __ ___  __ _  __| |      __ _  __ _| |_ _____      ____ _ _   _
| __| '_ \| '__/ _ \/ _' |/ _' |____ / _' |/ _' | __/ _ \ \ /\ / / _' | | | |
| |_| | | | | |  __/ (_| | (_| |____| (_| | (_| | ||  __/\ V  V / (_| | |_| |
 \__|_| |_|_|  \___|\__,_|\__,_|     \__, |\__,_|\__\___| \_/\_/ \__,_|\__, |
                                     |___/                             |___/
`

// getConfigPath returns the path to the gateway config file and whether it
// was chosen explicitly.
// Priority: THREAD_GATEWAY_CONFIG env var > XDG_CONFIG_HOME/thread-gateway/gateway.yaml > ~/.config/thread-gateway/gateway.yaml
func getConfigPath() (string, bool) {
	if envPath := os.Getenv("THREAD_GATEWAY_CONFIG"); envPath != "" {
		return envPath, true
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml", false
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "thread-gateway", "gateway.yaml"), false
}

// loadConfig reads the config file. Only an implicitly chosen file may be absent.
func loadConfig() (*config.Config, string, error) {
	path, explicit := getConfigPath()
	var cfg *config.Config
	var err error
	if explicit {
		cfg, err = config.Load(path)
	} else {
		cfg, err = config.LoadOrDefault(path)
	}
	if err != nil {
		return nil, path, fmt.Errorf("loading config: %w", err)
	}
	return cfg, path, nil
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: thread-gateway <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve                       Start the gateway server")
		fmt.Println("  init                        Create a new config file interactively")
		fmt.Println("  health                      Check gateway health")
		fmt.Println("  sweep --unused-from TIME    Delete conversations idle since TIME")
		fmt.Println("  sweep --max-idle DURATION   Delete conversations idle longer than DURATION")
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
	case "sweep":
		err = runSweep(ctx, os.Args[2:])
	case "version":
		fmt.Println(version)
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
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, configPath, err := loadConfig()
	if err != nil {
		return err
	}

	logs := logbuffer.New(cfg.Logging.BufferBytes)
	logger := setupLogger(cfg.Logging, cfg.Debug, logs)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s%s\n", cfg.Server.HTTPAddr, cfg.Server.PathPrefix)
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s\n", redactURL(cfg.Database.URL))
	green.Print("    ▶ ")
	fmt.Printf("Assistant: %s ", cfg.Assistant.DeploymentURL)
	cyan.Println(cfg.Assistant.AssistantID)

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

	if cfg.Sweep.Interval > 0 {
		green.Print("    ▶ ")
		fmt.Printf("Sweep:     every %s, idle > %s\n", cfg.Sweep.Interval, cfg.Sweep.MaxIdle)
	}

	if cfg.Debug {
		yellow.Println("    ▶ Debug mode: GET /logs enabled")
	}

	fmt.Println()

	logger.Info("starting thread-gateway",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"assistant_id", cfg.Assistant.AssistantID,
	)

	gw, err := gateway.New(ctx, cfg, logger, logs)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

func runHealth(ctx context.Context) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	url := fmt.Sprintf("http://%s/health/ready", healthHost(cfg.Server.HTTPAddr))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}

// healthHost swaps a wildcard listen address for loopback.
func healthHost(addr string) string {
	switch {
	case strings.HasPrefix(addr, "0.0.0.0:"):
		return "127.0.0.1" + strings.TrimPrefix(addr, "0.0.0.0")
	case strings.HasPrefix(addr, ":"):
		return "127.0.0.1" + addr
	}
	return addr
}

// sweepArgs are the parsed flags of the sweep command.
type sweepArgs struct {
	cutoff time.Time
}

func parseSweepArgs(args []string, now time.Time) (*sweepArgs, error) {
	fs := flag.NewFlagSet("sweep", flag.ContinueOnError)
	unusedFrom := fs.String("unused-from", "", "delete conversations last used before this time")
	maxIdle := fs.Duration("max-idle", 0, "delete conversations idle longer than this")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	switch {
	case *unusedFrom != "" && *maxIdle != 0:
		return nil, errors.New("use either --unused-from or --max-idle, not both")
	case *unusedFrom != "":
		cutoff, err := gateway.ParseTimestamp(*unusedFrom)
		if err != nil {
			return nil, err
		}
		return &sweepArgs{cutoff: cutoff}, nil
	case *maxIdle > 0:
		return &sweepArgs{cutoff: now.Add(-*maxIdle).UTC()}, nil
	default:
		return nil, errors.New("--unused-from or a positive --max-idle is required")
	}
}

func runSweep(ctx context.Context, args []string) error {
	parsed, err := parseSweepArgs(args, time.Now())
	if err != nil {
		return err
	}

	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	logger := setupLogger(cfg.Logging, cfg.Debug, nil)

	links, remote, err := gateway.OpenBackends(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer links.Close()

	svc := conversation.New(links, remote, gateway.ServiceConfig(cfg), logger)
	count, err := svc.DeleteInactive(ctx, parsed.cutoff)
	if err != nil {
		return fmt.Errorf("sweeping: %w", err)
	}

	fmt.Printf("deleted %d conversation(s) unused since %s\n", count, parsed.cutoff.Format(time.RFC3339))
	return nil
}

// redactURL hides the password in a connection string.
func redactURL(raw string) string {
	scheme, rest, ok := strings.Cut(raw, "://")
	if !ok {
		return raw
	}
	userinfo, host, ok := strings.Cut(rest, "@")
	if !ok {
		return raw
	}
	user, _, hasPassword := strings.Cut(userinfo, ":")
	if !hasPassword {
		return raw
	}
	return scheme + "://" + user + ":***@" + host
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("thread-gateway configuration setup")
	fmt.Println("==================================")
	fmt.Println()

	defaultConfigPath, _ := getConfigPath()
	outputFile := prompt(reader, "Config file path", defaultConfigPath)

	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if !isYes(overwrite) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Server Configuration ---")
	httpAddr := prompt(reader, "HTTP address", "0.0.0.0:8000")
	pathPrefix := prompt(reader, "Path prefix (empty for none)", "")
	origins := prompt(reader, "Allowed origins (comma separated)", "*")

	fmt.Println("\n--- Database Configuration ---")
	dbURL := prompt(reader, "Database URL (sqlite:///, postgresql://, dynamodb://)", "sqlite:///thread-gateway.db")

	fmt.Println("\n--- Assistant Configuration ---")
	deploymentURL := prompt(reader, "LangGraph deployment URL", "http://localhost:8123")
	graphID := prompt(reader, "Graph id", "agent")
	assistantID := prompt(reader, "Assistant id (empty to use graph id)", "")
	apiKeyParam := prompt(reader, "SSM parameter holding the API key (empty to use ${ASSISTANT_API_KEY})", "")

	fmt.Println("\n--- Sweep Configuration ---")
	sweepInterval := prompt(reader, "Sweep interval (empty to disable)", "")
	var maxIdle string
	if sweepInterval != "" {
		maxIdle = prompt(reader, "Delete conversations idle longer than", "720h")
	}

	fmt.Println("\n--- Tailscale Configuration ---")
	tailscaleEnabled := isYes(prompt(reader, "Enable Tailscale?", "no"))
	var tsHostname, tsAuthKey string
	var tsEphemeral, tsFunnel bool
	if tailscaleEnabled {
		tsHostname = prompt(reader, "Tailscale hostname", "thread-gateway")
		tsAuthKey = prompt(reader, "Tailscale auth key (leave empty to use TS_AUTHKEY)", "")
		tsEphemeral = isYes(prompt(reader, "Ephemeral node?", "no"))
		tsFunnel = isYes(prompt(reader, "Enable Funnel (public HTTPS)?", "no"))
	}

	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")
	debug := isYes(prompt(reader, "Enable debug log endpoint?", "no"))

	var cfg strings.Builder
	cfg.WriteString("# thread-gateway configuration\n")
	cfg.WriteString("# Generated by thread-gateway init\n\n")

	cfg.WriteString("server:\n")
	cfg.WriteString(fmt.Sprintf("  http_addr: %q\n", httpAddr))
	if pathPrefix != "" {
		cfg.WriteString(fmt.Sprintf("  path_prefix: %q\n", pathPrefix))
	}
	cfg.WriteString("  allowed_origins:\n")
	for _, o := range strings.Split(origins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			cfg.WriteString(fmt.Sprintf("    - %q\n", o))
		}
	}
	cfg.WriteString("\n")

	cfg.WriteString("database:\n")
	cfg.WriteString(fmt.Sprintf("  url: %q\n", dbURL))
	cfg.WriteString("\n")

	cfg.WriteString("assistant:\n")
	cfg.WriteString(fmt.Sprintf("  deployment_url: %q\n", deploymentURL))
	cfg.WriteString(fmt.Sprintf("  graph_id: %q\n", graphID))
	if assistantID != "" {
		cfg.WriteString(fmt.Sprintf("  assistant_id: %q\n", assistantID))
	}
	if apiKeyParam != "" {
		cfg.WriteString(fmt.Sprintf("  api_key_parameter: %q\n", apiKeyParam))
	} else {
		cfg.WriteString("  api_key: \"${ASSISTANT_API_KEY}\"\n")
	}
	cfg.WriteString("  max_tokens: 10000\n")
	cfg.WriteString("  timeout: \"5m\"\n")
	cfg.WriteString("\n")

	if sweepInterval != "" {
		cfg.WriteString("sweep:\n")
		cfg.WriteString(fmt.Sprintf("  interval: %q\n", sweepInterval))
		cfg.WriteString(fmt.Sprintf("  max_idle: %q\n", maxIdle))
		cfg.WriteString("\n")
	}

	cfg.WriteString("tailscale:\n")
	cfg.WriteString(fmt.Sprintf("  enabled: %t\n", tailscaleEnabled))
	if tailscaleEnabled {
		cfg.WriteString(fmt.Sprintf("  hostname: %q\n", tsHostname))
		if tsAuthKey != "" {
			cfg.WriteString(fmt.Sprintf("  auth_key: %q\n", tsAuthKey))
		}
		cfg.WriteString(fmt.Sprintf("  ephemeral: %t\n", tsEphemeral))
		cfg.WriteString(fmt.Sprintf("  funnel: %t\n", tsFunnel))
	}
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: %q\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: %q\n", logFormat))
	cfg.WriteString("\n")

	cfg.WriteString(fmt.Sprintf("debug: %t\n", debug))

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Println("\nTo start the server:")
	fmt.Printf("  thread-gateway serve\n")

	return nil
}

func isYes(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "yes" || s == "y"
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
