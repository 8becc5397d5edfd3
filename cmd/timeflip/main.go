package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/chaz8081/timeflip/internal/ble"
	"github.com/chaz8081/timeflip/internal/config"
)

func main() {
	// CLI flags
	configPath := flag.String("config", "", "path to config file (default: ~/.config/timeflip/config.yaml)")
	address := flag.String("address", "", "device address, overrides device.address")
	password := flag.String("password", "", "device password, overrides device.password")
	flag.Usage = usage
	flag.Parse()

	if err := run(*configPath, *address, *password, flag.Args()); err != nil {
		fmt.Fprintf(os.Stderr, "timeflip: %v\n", err)
		if errors.Is(err, errUsage) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

var errUsage = errors.New("usage")

func usage() {
	out := flag.CommandLine.Output()
	fmt.Fprintln(out, "Usage: timeflip [flags] <command> [args]")
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Commands:")
	for _, c := range commands {
		fmt.Fprintf(out, "  %-26s %s\n", c.name+" "+c.args, c.help)
	}
	fmt.Fprintf(out, "  %-26s %s\n", "init-config", "write the default config file")
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Flags:")
	flag.PrintDefaults()
}

func run(configPath, address, password string, args []string) error {
	if len(args) == 0 {
		flag.Usage()
		return fmt.Errorf("%w: no command given", errUsage)
	}

	if args[0] == "init-config" {
		path, err := config.WriteDefault()
		if err != nil {
			return err
		}
		if path == "" {
			fmt.Printf("Config already exists at %s\n", config.DefaultConfigPath())
			return nil
		}
		fmt.Printf("Wrote default config to %s\n", path)
		return nil
	}

	cmd, ok := lookupCommand(args[0])
	if !ok {
		flag.Usage()
		return fmt.Errorf("%w: unknown command %q", errUsage, args[0])
	}
	cmdArgs := args[1:]
	if len(cmdArgs) < cmd.minArgs || len(cmdArgs) > cmd.maxArgs {
		return fmt.Errorf("%w: %s %s", errUsage, cmd.name, cmd.args)
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if address != "" {
		cfg.Device.Address = address
	}
	if password != "" {
		cfg.Device.Password = password
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}
	if cfg.Device.Address == "" {
		return fmt.Errorf("%w: no device address (set device.address or pass -address)", errUsage)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: config.ParseLogLevel(cfg.LogLevel),
	})))

	// Signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	session := ble.NewSession(newAdapter(cfg), ble.SessionOptions{
		NotifyBuffer:       cfg.BLE.NotifyBuffer,
		MaxHistoryPackages: cfg.History.MaxPackages,
		SkipInvalidHistory: cfg.History.SkipInvalid,
	})
	defer func() {
		if err := session.Close(); err != nil {
			slog.Warn("close failed", "error", err)
		}
	}()

	err = ble.ConnectWithRetry(ctx, session, cfg.Device.Address, ble.RetryOptions{
		Attempts:     cfg.BLE.ConnectAttempts,
		Timeout:      cfg.BLE.ConnectTimeout,
		ReconnectMax: cfg.BLE.ReconnectMax,
	})
	if err != nil {
		return err
	}
	if err := session.Setup(ctx, cfg.Device.Password); err != nil {
		return err
	}

	return cmd.run(ctx, session, cmdArgs)
}

// newAdapter selects the BLE backend.
func newAdapter(cfg *config.Config) ble.Adapter {
	if cfg.BLE.Backend == "hci" {
		return ble.NewHCIAdapter(cfg.BLE.HCIDevice)
	}
	return ble.NewTinygoAdapter()
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	// Try default config path
	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		return cfg, nil
	}

	return config.Default(), nil
}
