// Command gatewayd boots the conversational gateway: it loads configuration,
// wires the persistent store, pairing service, menu state machine, command
// registry, and channel adapters, starts the HTTP/WS surface, and runs until
// asked to stop.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/lattice-run/convoy/internal/config"
	"github.com/lattice-run/convoy/internal/gateway"
	"github.com/lattice-run/convoy/internal/telemetry"
	"gopkg.in/yaml.v3"
)

func main() {
	loadDotEnv(".env")

	homeDirFlag := flag.String("home", "", "gateway home directory (default: $CONVOY_HOME or ~/.convoy)")
	printConfig := flag.Bool("print-config", false, "print the resolved config as YAML and exit")
	flag.Parse()

	homeDir := config.HomeDir()
	if *homeDirFlag != "" {
		homeDir = *homeDirFlag
	}
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		fatalStartup(nil, "E_HOME_MKDIR", err)
	}

	cfg, err := config.LoadFrom(homeDir)
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}
	if cfg.NeedsGenesis {
		if err := writeGenesisConfig(homeDir, cfg); err != nil {
			fatalStartup(nil, "E_GENESIS_WRITE", err)
		}
	}

	if *printConfig {
		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		_ = enc.Encode(cfg)
		_ = enc.Close()
		return
	}

	logger, closer, err := telemetry.NewLogger(homeDir, cfg.LogLevel, cfg.LogQuiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()

	logger.Info("gatewayd: starting", "home", homeDir, "bind_addr", cfg.BindAddr, "config_fingerprint", cfg.Fingerprint())

	// The agent, execution, feed, and copy-trading collaborators are
	// external systems; none are wired here, so every command/menu path
	// that needs one degrades to a "temporarily unavailable" reply
	// instead of panicking.
	var collaborators gateway.Collaborators

	srv, err := gateway.New(cfg, homeDir, logger, collaborators)
	if err != nil {
		fatalStartup(logger, "E_GATEWAY_INIT", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(ctx); err != nil {
		logger.Error("gatewayd: run exited with error", "error", err)
		os.Exit(1)
	}
}

// writeGenesisConfig persists the in-memory default configuration the first
// time the gateway boots against an empty home directory, so subsequent
// edits have a starting point on disk.
func writeGenesisConfig(homeDir string, cfg config.Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal genesis config: %w", err)
	}
	path := config.ConfigPath(homeDir)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func fatalStartup(logger interface {
	Error(msg string, args ...any)
}, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("gatewayd: startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(os.Stderr, "%s startup failure reason_code=%s error=%s\n", time.Now().UTC().Format(time.RFC3339Nano), reasonCode, message)
	}
	os.Exit(1)
}

// loadDotEnv applies KEY=VALUE lines from a .env file to the process
// environment without overriding variables already set, so deployment
// secrets may come from either source.
func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		val = strings.Trim(val, `"'`)
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}
