package main

import (
	"fmt"
	"os"
	"strconv"

	"designsync/internal/dsync"

	"github.com/spf13/cobra"
)

var designCmd = &cobra.Command{
	Use:   "design",
	Short: "Create and edit designs",
}

var designAddCmd = &cobra.Command{
	Use:   "add NAME",
	Short: "Create a design",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d := dsync.Design{Name: args[0]}
		d.Width, _ = cmd.Flags().GetInt("width")
		d.Height, _ = cmd.Flags().GetInt("height")
		d.Colors, _ = cmd.Flags().GetInt("colors")
		d.FolderID, _ = cmd.Flags().GetString("folder")
		if path, _ := cmd.Flags().GetString("data"); path != "" {
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("reading design data: %w", err)
			}
			d.Data = data
		}

		a, err := newApp("AddDesign")
		if err != nil {
			return err
		}
		defer a.Close()

		r, err := a.Designs().CreateDesign(d)
		if err != nil {
			return err
		}
		fmt.Printf("Created %s\n", r.LocalID)
		return nil
	},
}

var designListCmd = &cobra.Command{
	Use:   "list",
	Short: "List designs",
	RunE: func(cmd *cobra.Command, args []string) error {
		folder, _ := cmd.Flags().GetString("folder")
		status, _ := cmd.Flags().GetString("status")

		a, err := newApp("ListDesigns")
		if err != nil {
			return err
		}
		defer a.Close()

		var records []*dsync.Record
		if status != "" {
			records, err = a.Designs().DesignsByStatus(dsync.SyncStatus(status))
		} else {
			records, err = a.Designs().ListDesigns(folder)
		}
		if err != nil {
			return err
		}

		if len(records) == 0 {
			fmt.Println("No designs.")
			return nil
		}
		for _, r := range records {
			fmt.Printf("%-36s  %-8s  %5dx%-5d  %-20s  %s\n",
				r.LocalID, r.SyncStatus, r.Design.Width, r.Design.Height, r.Design.Name,
				formatTime(r.LastModifiedLocal))
		}
		return nil
	},
}

var designShowCmd = &cobra.Command{
	Use:   "show ID",
	Short: "Show a design and its sync state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("ShowDesign")
		if err != nil {
			return err
		}
		defer a.Close()

		r, err := a.Designs().GetDesign(args[0])
		if err != nil {
			return err
		}
		if r == nil {
			return fmt.Errorf("design %s not found", args[0])
		}

		remoteID := r.RemoteID
		if remoteID == "" {
			remoteID = "-"
		}
		var lastSynced string
		if r.LastSyncedAt != nil {
			lastSynced = formatTime(*r.LastSyncedAt)
		} else {
			lastSynced = "never"
		}

		fmt.Printf("Local ID:       %s\n", r.LocalID)
		fmt.Printf("Remote ID:      %s\n", remoteID)
		fmt.Printf("Name:           %s\n", r.Design.Name)
		fmt.Printf("Folder:         %s\n", r.Design.FolderID)
		fmt.Printf("Size:           %dx%d\n", r.Design.Width, r.Design.Height)
		fmt.Printf("Colors:         %d\n", r.Design.Colors)
		fmt.Printf("Data:           %d bytes\n", len(r.Design.Data))
		fmt.Printf("Status:         %s\n", r.SyncStatus)
		fmt.Printf("Local Version:  %d\n", r.LocalVersion)
		fmt.Printf("Remote Version: %d\n", r.KnownRemoteVersion())
		fmt.Printf("Modified:       %s\n", formatTime(r.LastModifiedLocal))
		fmt.Printf("Last Synced:    %s\n", lastSynced)
		return nil
	},
}

// updateDesign applies p to the design named by id and reports the result.
func updateDesign(operation, id string, p dsync.Patch) error {
	a, err := newApp(operation)
	if err != nil {
		return err
	}
	defer a.Close()

	r, err := a.Designs().UpdateDesign(id, p)
	if err != nil {
		return err
	}
	fmt.Printf("Updated %s (version %d)\n", r.LocalID, r.LocalVersion)
	return nil
}

var designRenameCmd = &cobra.Command{
	Use:   "rename ID NAME",
	Short: "Rename a design",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return updateDesign("RenameDesign", args[0], dsync.Patch{Name: &args[1]})
	},
}

var designResizeCmd = &cobra.Command{
	Use:   "resize ID WIDTH HEIGHT",
	Short: "Resize a design",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		w, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid width %q", args[1])
		}
		h, err := strconv.Atoi(args[2])
		if err != nil {
			return fmt.Errorf("invalid height %q", args[2])
		}
		return updateDesign("ResizeDesign", args[0], dsync.Patch{Width: &w, Height: &h})
	},
}

var designMoveCmd = &cobra.Command{
	Use:   "move ID FOLDER",
	Short: "Move a design to another folder",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return updateDesign("MoveDesign", args[0], dsync.Patch{FolderID: &args[1]})
	},
}

var designRmCmd = &cobra.Command{
	Use:   "rm ID",
	Short: "Delete a design",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("DeleteDesign")
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.Designs().DeleteDesign(args[0]); err != nil {
			return err
		}
		fmt.Printf("Deleted %s\n", args[0])
		return nil
	},
}

var designResolveCmd = &cobra.Command{
	Use:   "resolve ID keep-local|keep-remote|restore|abandon",
	Short: "Resolve a design in conflict",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		how, err := dsync.ParseResolution(args[1])
		if err != nil {
			return err
		}

		a, err := newApp("ResolveConflict")
		if err != nil {
			return err
		}
		defer a.Close()

		r, err := a.Designs().ResolveConflict(cmd.Context(), args[0], how)
		if err != nil {
			return err
		}
		if r == nil {
			fmt.Printf("Abandoned %s\n", args[0])
			return nil
		}
		fmt.Printf("Resolved %s: %s\n", r.LocalID, r.SyncStatus)
		return nil
	},
}

func init() {
	designCmd.AddCommand(designAddCmd)
	designAddCmd.Flags().Int("width", 0, "Width in pixels")
	designAddCmd.Flags().Int("height", 0, "Height in pixels")
	designAddCmd.Flags().Int("colors", 0, "Number of colors")
	designAddCmd.Flags().String("folder", "", "Folder ID")
	designAddCmd.Flags().String("data", "", "File with the design payload")

	designCmd.AddCommand(designListCmd)
	designListCmd.Flags().String("folder", "", "Only designs in this folder")
	designListCmd.Flags().String("status", "", "Only designs in this sync status")

	designCmd.AddCommand(designShowCmd)
	designCmd.AddCommand(designRenameCmd)
	designCmd.AddCommand(designResizeCmd)
	designCmd.AddCommand(designMoveCmd)
	designCmd.AddCommand(designRmCmd)
	designCmd.AddCommand(designResolveCmd)
}
