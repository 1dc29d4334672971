package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"designsync/internal/app"
	"designsync/internal/config"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the config file from its default location.
func loadConfig() (*config.Config, string, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, "", fmt.Errorf("getting defaults: %w", err)
	}

	cfg, err := config.ReadFromFile(defaults.ConfigPath)
	if err != nil {
		return nil, "", fmt.Errorf("reading config: %w", err)
	}
	return cfg, defaults.ConfigPath, nil
}

// newApp reads the config and creates a DSyncApp. The caller must defer app.Close().
// operation identifies the CLI command being run (e.g. "AddDesign", "SyncNow").
func newApp(operation string) (*app.DSyncApp, error) {
	cfg, _, err := loadConfig()
	if err != nil {
		return nil, err
	}

	a, err := app.NewDSyncApp(cfg, operation)
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}

	return a, nil
}

// isTTY reports whether stdout is a terminal.
func isTTY() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// formatTime renders t relative to now on a terminal and as RFC 3339 otherwise.
func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	if isTTY() {
		return humanize.Time(t)
	}
	return t.UTC().Format(time.RFC3339)
}

var rootCmd = &cobra.Command{
	Use:          "dsync",
	Short:        "Offline-first design document sync",
	SilenceUsage:  true,
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		cfg := defaults.Config()
		if url, _ := cmd.Flags().GetString("url"); url != "" {
			cfg.Remote.BaseURL = url
		}

		if err := config.Init(defaults.ConfigPath, cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults.ConfigPath)
		fmt.Printf("Device ID: %s\n", cfg.DeviceID)
		fmt.Printf("Base Dir:  %s\n", cfg.BaseDir)
		fmt.Printf("Server:    %s\n", cfg.Remote.BaseURL)
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, path, err := loadConfig()
		if err != nil {
			return err
		}

		token := "(not set)"
		if cfg.Remote.Token != "" {
			token = "(set)"
		}

		fmt.Printf("Configuration from %s:\n\n", path)
		fmt.Printf("Device ID:   %s\n", cfg.DeviceID)
		fmt.Printf("Base Dir:    %s\n", cfg.BaseDir)
		fmt.Printf("Log Dir:     %s\n", cfg.LogDir)
		fmt.Printf("Database:    %s %s\n", cfg.Database.Type, cfg.Database.DataDir)
		fmt.Printf("Remote:      %s %s\n", cfg.Remote.Type, cfg.Remote.BaseURL)
		fmt.Printf("Token:       %s\n", token)
		fmt.Printf("Max Retries: %d\n", cfg.Sync.MaxRetries)
		fmt.Printf("Backoff:     %v\n", cfg.Sync.Backoff())
		fmt.Printf("Marker File: %s\n", cfg.Connectivity.MarkerFile)
		return nil
	},
}

// login command
var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Store the API token used to reach the server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, path, err := loadConfig()
		if err != nil {
			return err
		}

		token, err := readToken()
		if err != nil {
			return err
		}
		if token == "" {
			return fmt.Errorf("empty token")
		}
		cfg.Remote.Token = token

		if err := config.Save(path, cfg); err != nil {
			return fmt.Errorf("saving config: %w", err)
		}
		fmt.Println("Token saved.")

		a, err := app.NewDSyncApp(cfg, "Login")
		if err != nil {
			return fmt.Errorf("initializing app: %w", err)
		}
		defer a.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()
		if err := a.Ping(ctx); err != nil {
			fmt.Printf("Server not reachable: %v\n", err)
		}
		return nil
	},
}

// readToken prompts for a token without echo on a terminal, or reads one line
// from a pipe.
func readToken() (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Print("API token: ")
		b, err := term.ReadPassword(fd)
		fmt.Println()
		if err != nil {
			return "", fmt.Errorf("reading token: %w", err)
		}
		return strings.TrimSpace(string(b)), nil
	}

	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("reading token: %w", err)
	}
	return strings.TrimSpace(line), nil
}

func init() {
	configCmd.AddCommand(configInitCmd)
	configInitCmd.Flags().String("url", "", "Base URL of the record server")
	configCmd.AddCommand(configListCmd)

	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(designCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(onlineCmd)
	rootCmd.AddCommand(offlineCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(devserverCmd)
}
