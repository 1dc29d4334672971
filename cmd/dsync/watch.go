package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"designsync/internal/app"
	"designsync/internal/connectivity"
	"designsync/internal/devserver"

	"github.com/spf13/cobra"
)

// setOffline creates or removes the offline marker named in the config.
func setOffline(offline bool) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Connectivity.MarkerFile == "" {
		return fmt.Errorf("connectivity.marker_file is not configured")
	}
	return connectivity.SetMarker(cfg.Connectivity.MarkerFile, offline)
}

var onlineCmd = &cobra.Command{
	Use:   "online",
	Short: "Allow syncing (removes the offline marker)",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := setOffline(false); err != nil {
			return err
		}
		fmt.Println("Online.")
		return nil
	},
}

var offlineCmd = &cobra.Command{
	Use:   "offline",
	Short: "Stop syncing until 'dsync online' (creates the offline marker)",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := setOffline(true); err != nil {
			return err
		}
		fmt.Println("Offline.")
		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Sync in the background whenever the server is reachable",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("Watch")
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return a.Watch(ctx)
	},
}

var devserverCmd = &cobra.Command{
	Use:   "devserver",
	Short: "Run a development record server",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		dsn, _ := cmd.Flags().GetString("db")
		token, _ := cmd.Flags().GetString("token")

		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		logger, closer, err := app.NewDevServerLogger(cfg)
		if err != nil {
			return err
		}
		defer closer.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		fmt.Printf("Serving records on %s\n", addr)
		return devserver.Run(ctx, devserver.Config{Addr: addr, DSN: dsn, Token: token}, logger)
	},
}

func init() {
	devserverCmd.Flags().String("addr", ":8080", "Listen address")
	devserverCmd.Flags().String("db", "file::memory:", "SQLite DSN for stored records")
	devserverCmd.Flags().String("token", "", "Bearer token required by clients (empty disables auth)")
}
