package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"designsync/internal/dsync"

	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Synchronize with the server",
}

var syncNowCmd = &cobra.Command{
	Use:   "now",
	Short: "Drain the sync queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("SyncNow")
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		unsubscribe := a.Subscribe(dsync.ListenerFunc(printEvent))
		defer unsubscribe()

		res, err := a.Sync(ctx)
		if errors.Is(err, dsync.ErrReauthenticate) {
			return fmt.Errorf("%w; run 'dsync login'", err)
		}
		if err != nil {
			return err
		}

		if res.Outcome == dsync.OutcomeSkipped {
			fmt.Println("Offline, nothing sent.")
			return nil
		}
		fmt.Printf("%s: %d synced, %d failed, %d conflicts, %d pending\n",
			res.Outcome, res.Processed, res.Failed, res.Conflicts, res.Pending)
		return nil
	},
}

// printEvent reports drain progress on stdout.
func printEvent(e dsync.Event) {
	switch ev := e.(type) {
	case dsync.ProgressEvent:
		fmt.Printf("  %-6s %s\n", ev.Op, ev.RecordID)
	case dsync.ConflictEvent:
		fmt.Printf("  conflict %s: %s\n", ev.RecordID, ev.Reason)
	case dsync.ErrorEvent:
		suffix := ""
		if ev.Exhausted {
			suffix = " (giving up)"
		}
		fmt.Printf("  error  %s: %s%s\n", ev.RecordID, ev.Message, suffix)
	}
}

var syncStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show pending, failed and conflicting work",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("SyncStatus")
		if err != nil {
			return err
		}
		defer a.Close()

		sum, err := a.Designs().Status()
		if err != nil {
			return err
		}

		state := "online"
		if !a.Online() {
			state = "offline"
		}
		fmt.Printf("Connectivity: %s\n", state)
		fmt.Printf("Pending:      %d\n", sum.Pending)
		fmt.Printf("Failed:       %d\n", sum.Failed)
		fmt.Printf("Conflicts:    %d\n", sum.Conflicts)
		fmt.Printf("Last synced:  %s\n", sum.LastSynced(time.Now()))
		return nil
	},
}

var syncRetryCmd = &cobra.Command{
	Use:   "retry [INTENT_ID]",
	Short: "Requeue failed intents",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("RetryFailed")
		if err != nil {
			return err
		}
		defer a.Close()

		if len(args) == 1 {
			in, err := a.Designs().RetryFailed(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Requeued %s for %s\n", in.ID, in.RecordID)
			return nil
		}

		n, err := a.Designs().RetryAllFailed()
		if err != nil {
			return err
		}
		fmt.Printf("Requeued %d intent(s)\n", n)
		return nil
	},
}

var syncQueueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Show queued intents",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("ListQueue")
		if err != nil {
			return err
		}
		defer a.Close()

		intents, err := a.Queue()
		if err != nil {
			return err
		}
		if len(intents) == 0 {
			fmt.Println("Queue is empty.")
			return nil
		}
		for _, in := range intents {
			lastErr := ""
			if in.LastError != "" {
				lastErr = "  " + in.LastError
			}
			fmt.Printf("%-36s  %-6s  %-10s  %-36s  retries:%d  %s%s\n",
				in.ID, in.Op, in.Status, in.RecordID, in.RetryCount, formatTime(in.Timestamp), lastErr)
		}
		return nil
	},
}

var syncPullCmd = &cobra.Command{
	Use:   "pull",
	Short: "Refresh local designs from the server",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("Pull")
		if err != nil {
			return err
		}
		defer a.Close()

		if !a.Online() {
			return fmt.Errorf("offline: remove the offline marker with 'dsync online'")
		}
		res, err := a.Designs().Pull(cmd.Context())
		if errors.Is(err, dsync.ErrUnauthorized) {
			return fmt.Errorf("%w; run 'dsync login'", err)
		}
		if err != nil {
			return err
		}
		fmt.Printf("Imported %d design(s), skipped %d with local changes\n", res.Imported, res.Skipped)
		return nil
	},
}

var syncHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent sync passes",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := newApp("SyncHistory")
		if err != nil {
			return err
		}
		defer a.Close()

		runs, err := a.History(limit)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Println("No sync passes recorded.")
			return nil
		}
		for _, run := range runs {
			duration := ""
			if run.FinishedAt != nil {
				duration = run.FinishedAt.Sub(run.StartedAt).Truncate(time.Millisecond).String()
			}
			fmt.Printf("#%d  %s  %-13s  synced:%d failed:%d conflicts:%d  %s\n",
				run.ID,
				run.StartedAt.Local().Format("2006-01-02 15:04:05"),
				run.Outcome,
				run.Processed,
				run.Failed,
				run.Conflicts,
				duration,
			)
		}
		return nil
	},
}

func init() {
	syncCmd.AddCommand(syncNowCmd)
	syncCmd.AddCommand(syncStatusCmd)
	syncCmd.AddCommand(syncRetryCmd)
	syncCmd.AddCommand(syncQueueCmd)
	syncCmd.AddCommand(syncPullCmd)
	syncCmd.AddCommand(syncHistoryCmd)
	syncHistoryCmd.Flags().IntP("limit", "n", 20, "Maximum number of passes to show")
}
