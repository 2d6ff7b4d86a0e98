// ABOUTME: Interactive config file creation for parley-gateway init
// ABOUTME: Prompts for addresses and backends, then writes a YAML config with a fresh JWT secret

package main

import (
	"bufio"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/2389/parley-gateway/internal/config"
)

// initAnswers are the values collected by runInit.
type initAnswers struct {
	HTTPAddr  string
	DBPath    string
	JWTSecret string
	RedisAddr string
	GateURL   string
	LogLevel  string
	LogFormat string
}

// renderConfig produces the YAML written by init.
func renderConfig(a initAnswers) string {
	var b strings.Builder
	b.WriteString("# parley-gateway configuration\n")
	b.WriteString("# Generated by parley-gateway init\n\n")

	b.WriteString("server:\n")
	fmt.Fprintf(&b, "  http_addr: %q\n", a.HTTPAddr)
	b.WriteString("  shutdown_timeout: \"10s\"\n\n")

	b.WriteString("database:\n")
	fmt.Fprintf(&b, "  path: %q\n\n", a.DBPath)

	b.WriteString("auth:\n")
	fmt.Fprintf(&b, "  jwt_secret: %q\n", a.JWTSecret)
	b.WriteString("  token_ttl: \"24h\"\n\n")

	b.WriteString("realtime:\n")
	b.WriteString("  ping_interval: \"30s\"\n")
	b.WriteString("  pong_timeout: \"10s\"\n")
	b.WriteString("  send_buffer: 64\n\n")

	b.WriteString("notify:\n")
	fmt.Fprintf(&b, "  redis_addr: %q\n", a.RedisAddr)
	b.WriteString("  redis_list: \"parley:notify:outbox\"\n")
	b.WriteString("  max_attempts: 5\n\n")

	b.WriteString("gate:\n")
	fmt.Fprintf(&b, "  base_url: %q\n", a.GateURL)
	b.WriteString("  timeout: \"3s\"\n\n")

	b.WriteString("logging:\n")
	fmt.Fprintf(&b, "  level: %q\n", a.LogLevel)
	fmt.Fprintf(&b, "  format: %q\n\n", a.LogFormat)

	b.WriteString("metrics:\n")
	b.WriteString("  enabled: true\n")
	b.WriteString("  path: \"/metrics\"\n")
	return b.String()
}

func generateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating JWT secret: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf), nil
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("parley-gateway configuration setup")
	fmt.Println("==================================")
	fmt.Println()

	outputFile := prompt(reader, "Config file path", config.DefaultPath())

	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if !isYes(overwrite) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	var a initAnswers

	fmt.Println("\n--- Server Configuration ---")
	a.HTTPAddr = prompt(reader, "HTTP address", "127.0.0.1:8080")

	fmt.Println("\n--- Database Configuration ---")
	a.DBPath = prompt(reader, "SQLite database path", filepath.Join(config.DefaultDataDir(), "parley.db"))

	fmt.Println("\n--- Authentication ---")
	if isYes(prompt(reader, "Require JWT bearer tokens?", "yes")) {
		secret, err := generateSecret()
		if err != nil {
			return err
		}
		a.JWTSecret = secret
	}

	fmt.Println("\n--- Integrations ---")
	a.RedisAddr = prompt(reader, "Redis address for notifications (empty to log only)", "")
	a.GateURL = prompt(reader, "Entitlement service URL (empty to allow all)", "")

	fmt.Println("\n--- Logging Configuration ---")
	a.LogLevel = prompt(reader, "Log level (debug/info/warn/error)", "info")
	a.LogFormat = prompt(reader, "Log format (text/json)", "text")

	content := renderConfig(a)
	if _, err := config.Parse([]byte(content), config.FormatYAML); err != nil {
		return fmt.Errorf("generated config is invalid: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	// The file holds the JWT secret.
	if err := os.WriteFile(outputFile, []byte(content), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	dataDir := filepath.Dir(a.DBPath)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Printf("Data directory: %s\n", dataDir)
	fmt.Println("\nTo start the server:")
	fmt.Printf("  parley-gateway serve\n")
	return nil
}

func isYes(s string) bool {
	s = strings.ToLower(s)
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
