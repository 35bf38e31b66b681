// ABOUTME: Entry point for the coven-chat server and its operator commands
// ABOUTME: serve runs the gateway; init, user, token, and health help operate it

package main

import (
	"bufio"
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/coven-chat/internal/auth"
	"github.com/2389/coven-chat/internal/config"
	"github.com/2389/coven-chat/internal/gateway"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                                       _           _
  ___ _____   _____ _ __           ___| |__   __ _| |_
 / __/ _ \ \ / / _ \ '_ \ _____   / __| '_ \ / _' | __|
| (_| (_) \ V /  __/ | | |_____| | (__| | | | (_| | |_
 \___\___/ \_/ \___|_| |_|        \___|_| |_|\__,_|\__|
`

// defaultTokenTTL is how long tokens minted by the CLI stay valid.
const defaultTokenTTL = 30 * 24 * time.Hour

// getConfigPath returns the path to the config file.
// Priority: COVEN_CHAT_CONFIG env var > XDG_CONFIG_HOME/coven/chat.yaml > ~/.config/coven/chat.yaml
func getConfigPath() string {
	if envPath := os.Getenv("COVEN_CHAT_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "chat.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "coven", "chat.yaml")
}

// getDataPath returns the path to the coven data directory.
// Priority: XDG_DATA_HOME/coven > ~/.local/share/coven
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "coven")
}

func usage() {
	fmt.Println("Usage: coven-chat <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                                 Start the chat server")
	fmt.Println("  init                                  Create a new config file interactively")
	fmt.Println("  user --external-id ID --contact C     Sync a user into a running server")
	fmt.Println("  token --subject ID [--ttl 720h]       Mint a bearer token for an identity")
	fmt.Println("  health                                Check server readiness")
}

func main() {
	if len(os.Args) < 2 {
		usage()
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
	case "user":
		err = runUser(ctx, os.Args[2:])
	case "token":
		err = runToken(os.Args[2:])
	case "health":
		err = runHealth(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		usage()
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
	fmt.Printf("Database:  %s\n", cfg.Database.Driver)
	if cfg.Live.RedisURL != "" {
		green.Print("    ▶ ")
		fmt.Printf("Relay:     redis (%s)\n", cfg.Live.RedisChannel)
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

	logger.Info("starting coven-chat",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"grpc_addr", cfg.Server.GRPCAddr,
		"driver", cfg.Database.Driver,
	)

	gw, err := gateway.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

// serverURL returns the base URL of the locally configured server.
func serverURL(cfg *config.Config) string {
	addr := cfg.Server.HTTPAddr
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, serverURL(cfg)+"/health/ready", nil)
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
		return fmt.Errorf("unhealthy: status %d: %s", resp.StatusCode, body)
	}

	fmt.Println(string(body))
	return nil
}

// tokenArgs are the flags accepted by the token command.
type tokenArgs struct {
	subject string
	ttl     time.Duration
}

func parseTokenArgs(args []string) (*tokenArgs, error) {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var out tokenArgs
	fs.StringVar(&out.subject, "subject", "", "external identity placed in the sub claim")
	fs.DurationVar(&out.ttl, "ttl", defaultTokenTTL, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected argument: %s", fs.Arg(0))
	}

	out.subject = strings.TrimSpace(out.subject)
	if out.subject == "" {
		return nil, errors.New("--subject is required")
	}
	if out.ttl <= 0 {
		return nil, errors.New("--ttl must be positive")
	}
	return &out, nil
}

func runToken(args []string) error {
	parsed, err := parseTokenArgs(args)
	if err != nil {
		return err
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	token, err := mintToken(cfg, parsed.subject, parsed.ttl)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func mintToken(cfg *config.Config, subject string, ttl time.Duration) (string, error) {
	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return "", fmt.Errorf("creating JWT verifier: %w", err)
	}
	token, err := verifier.Generate(subject, ttl)
	if err != nil {
		return "", fmt.Errorf("generating token: %w", err)
	}
	return token, nil
}

// userArgs are the flags accepted by the user command.
type userArgs struct {
	externalID  string
	contact     string
	displayName string
	avatarURL   string
}

func parseUserArgs(args []string) (*userArgs, error) {
	fs := flag.NewFlagSet("user", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var out userArgs
	fs.StringVar(&out.externalID, "external-id", "", "identity provider subject")
	fs.StringVar(&out.contact, "contact", "", "contact address")
	fs.StringVar(&out.displayName, "name", "", "display name")
	fs.StringVar(&out.avatarURL, "avatar", "", "avatar URL")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected argument: %s", fs.Arg(0))
	}
	if strings.TrimSpace(out.externalID) == "" {
		return nil, errors.New("--external-id is required")
	}
	if strings.TrimSpace(out.contact) == "" {
		return nil, errors.New("--contact is required")
	}
	return &out, nil
}

// userPayload builds the POST /api/users body; empty optional fields are omitted.
func (a *userArgs) userPayload() map[string]string {
	body := map[string]string{
		"external_id": a.externalID,
		"contact":     a.contact,
	}
	if a.displayName != "" {
		body["display_name"] = a.displayName
	}
	if a.avatarURL != "" {
		body["avatar_url"] = a.avatarURL
	}
	return body
}

// runUser syncs a user through the running server so live subscribers see it,
// then prints a token for that identity.
func runUser(ctx context.Context, args []string) error {
	parsed, err := parseUserArgs(args)
	if err != nil {
		return err
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	body, err := json.Marshal(parsed.userPayload())
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, serverURL(cfg)+"/api/users", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if cfg.Auth.SyncSecret != "" {
		req.Header.Set("X-Sync-Secret", cfg.Auth.SyncSecret)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("syncing user: %w", err)
	}
	defer resp.Body.Close()

	var result struct {
		ID    string `json:"id"`
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("syncing user: status %d: %s", resp.StatusCode, result.Error)
	}

	token, err := mintToken(cfg, parsed.externalID, defaultTokenTTL)
	if err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	green.Printf("  ✓ Synced user %s\n", result.ID)
	fmt.Printf("  Token: %s\n", token)
	return nil
}

// generateSecret returns a random base64 secret long enough for HS256.
func generateSecret() (string, error) {
	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return "", fmt.Errorf("generating secret: %w", err)
	}
	return base64.StdEncoding.EncodeToString(secretBytes), nil
}

// initAnswers holds the choices gathered by runInit.
type initAnswers struct {
	httpAddr         string
	grpcAddr         string
	driver           string
	dbPath           string
	dsn              string
	redisURL         string
	tailscaleEnabled bool
	tsHostname       string
	tsAuthKey        string
	tsEphemeral      bool
	tsFunnel         bool
	logLevel         string
	logFormat        string
	jwtSecret        string
	syncSecret       string
}

// renderConfig produces the YAML written by runInit.
func renderConfig(a initAnswers) string {
	var cfg strings.Builder
	cfg.WriteString("# coven-chat configuration\n")
	cfg.WriteString("# Generated by coven-chat init\n\n")

	cfg.WriteString("server:\n")
	fmt.Fprintf(&cfg, "  http_addr: %q\n", a.httpAddr)
	if a.grpcAddr != "" {
		fmt.Fprintf(&cfg, "  grpc_addr: %q\n", a.grpcAddr)
	}
	cfg.WriteString("\n")

	cfg.WriteString("database:\n")
	fmt.Fprintf(&cfg, "  driver: %q\n", a.driver)
	if a.driver == config.DriverPostgres {
		fmt.Fprintf(&cfg, "  dsn: %q\n", a.dsn)
	} else {
		fmt.Fprintf(&cfg, "  path: %q\n", a.dbPath)
	}
	cfg.WriteString("\n")

	cfg.WriteString("auth:\n")
	fmt.Fprintf(&cfg, "  jwt_secret: %q\n", a.jwtSecret)
	fmt.Fprintf(&cfg, "  sync_secret: %q\n", a.syncSecret)
	cfg.WriteString("\n")

	if a.redisURL != "" {
		cfg.WriteString("live:\n")
		fmt.Fprintf(&cfg, "  redis_url: %q\n", a.redisURL)
		cfg.WriteString("\n")
	}

	cfg.WriteString("tailscale:\n")
	fmt.Fprintf(&cfg, "  enabled: %t\n", a.tailscaleEnabled)
	if a.tailscaleEnabled {
		fmt.Fprintf(&cfg, "  hostname: %q\n", a.tsHostname)
		if a.tsAuthKey != "" {
			fmt.Fprintf(&cfg, "  auth_key: %q\n", a.tsAuthKey)
		}
		fmt.Fprintf(&cfg, "  ephemeral: %t\n", a.tsEphemeral)
		fmt.Fprintf(&cfg, "  funnel: %t\n", a.tsFunnel)
	}
	cfg.WriteString("\n")

	cfg.WriteString("messages:\n")
	fmt.Fprintf(&cfg, "  max_length: %d\n", config.DefaultMaxLength)
	fmt.Fprintf(&cfg, "  idempotency_ttl: %q\n", config.DefaultIdempotencyTTL.String())
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	fmt.Fprintf(&cfg, "  level: %q\n", a.logLevel)
	fmt.Fprintf(&cfg, "  format: %q\n", a.logFormat)

	return cfg.String()
}

func isYes(s string) bool {
	s = strings.ToLower(s)
	return s == "yes" || s == "y"
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("coven-chat configuration setup")
	fmt.Println("==============================")
	fmt.Println()

	defaultDbPath := filepath.Join(getDataPath(), "chat.db")

	outputFile := prompt(reader, "Config file path", getConfigPath())
	if _, err := os.Stat(outputFile); err == nil {
		if !isYes(prompt(reader, "File exists. Overwrite?", "no")) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	var a initAnswers

	fmt.Println("\n--- Server Configuration ---")
	a.httpAddr = prompt(reader, "HTTP address", "localhost:8080")
	a.grpcAddr = prompt(reader, "gRPC health address (empty to disable)", "")

	fmt.Println("\n--- Database Configuration ---")
	a.driver = prompt(reader, "Driver (sqlite/postgres)", config.DriverSQLite)
	if a.driver == config.DriverPostgres {
		a.dsn = prompt(reader, "PostgreSQL DSN", "postgres://localhost:5432/coven_chat")
	} else {
		a.driver = config.DriverSQLite
		a.dbPath = prompt(reader, "SQLite database path", defaultDbPath)
	}

	fmt.Println("\n--- Live Updates ---")
	a.redisURL = prompt(reader, "Redis URL for multi-node fanout (empty for single node)", "")

	fmt.Println("\n--- Tailscale Configuration ---")
	a.tailscaleEnabled = isYes(prompt(reader, "Enable Tailscale?", "no"))
	if a.tailscaleEnabled {
		a.tsHostname = prompt(reader, "Tailscale hostname", "coven-chat")
		a.tsAuthKey = prompt(reader, "Tailscale auth key (leave empty for TS_AUTHKEY)", "")
		a.tsEphemeral = isYes(prompt(reader, "Ephemeral node?", "no"))
		a.tsFunnel = isYes(prompt(reader, "Enable Funnel (public HTTPS)?", "no"))
	}

	fmt.Println("\n--- Logging Configuration ---")
	a.logLevel = prompt(reader, "Log level (debug/info/warn/error)", "info")
	a.logFormat = prompt(reader, "Log format (text/json)", "text")

	var err error
	if a.jwtSecret, err = generateSecret(); err != nil {
		return err
	}
	if a.syncSecret, err = generateSecret(); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	// Secrets live in the file, so keep it private
	if err := os.WriteFile(outputFile, []byte(renderConfig(a)), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	if a.driver == config.DriverSQLite && a.dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(a.dbPath), 0755); err != nil {
			return fmt.Errorf("creating data directory: %w", err)
		}
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Println("\nTo start the server:")
	fmt.Println("  coven-chat serve")
	fmt.Println("\nTo add a user and get a token:")
	fmt.Println("  coven-chat user --external-id alice --contact alice@example.com --name Alice")

	return nil
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
