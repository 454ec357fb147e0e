package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/helixcare/syncd/internal/audit"
	"github.com/helixcare/syncd/internal/config"
	"github.com/helixcare/syncd/internal/store"
	"github.com/helixcare/syncd/internal/trust"
)

var (
	devicesUserID     string
	devicesJSONOutput bool
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "Manage registered devices",
	Long:  "List and revoke devices in the local trust registry without running the server.",
}

var devicesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List devices registered for a user",
	RunE:  runDevicesList,
}

var devicesRevokeCmd = &cobra.Command{
	Use:   "revoke <device-id>",
	Short: "Revoke a device permanently",
	Args:  cobra.ExactArgs(1),
	RunE:  runDevicesRevoke,
}

func init() {
	devicesCmd.PersistentFlags().StringVar(&devicesUserID, "user", "",
		"User ID owning the devices")
	devicesCmd.PersistentFlags().BoolVar(&devicesJSONOutput, "json", false,
		"Output in JSON format")

	devicesCmd.AddCommand(devicesListCmd)
	devicesCmd.AddCommand(devicesRevokeCmd)

	rootCmd.AddCommand(devicesCmd)
}

// resolveRegistry opens the local store and builds a trust registry on it.
// The caller must Close the returned store.
func resolveRegistry() (*store.SQLiteStore, *trust.Registry, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	db, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, nil, err
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return db, trust.NewRegistry(db, audit.SlogSink{}, logger), nil
}

func runDevicesList(cmd *cobra.Command, args []string) error {
	if devicesUserID == "" {
		return fmt.Errorf("--user is required")
	}

	db, registry, err := resolveRegistry()
	if err != nil {
		return err
	}
	defer db.Close()

	devices, err := registry.Devices(cmd.Context(), devicesUserID)
	if err != nil {
		return err
	}

	if devicesJSONOutput {
		return json.NewEncoder(os.Stdout).Encode(devices)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tFINGERPRINT\tTRUST\tLAST SEEN\tSTATUS")
	for _, d := range devices {
		status := "active"
		if d.Revoked() {
			status = "revoked"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			d.ID, d.Fingerprint, d.TrustLevel, d.LastSeen.Format("2006-01-02 15:04"), status)
	}
	return w.Flush()
}

func runDevicesRevoke(cmd *cobra.Command, args []string) error {
	deviceID := args[0]

	db, registry, err := resolveRegistry()
	if err != nil {
		return err
	}
	defer db.Close()

	if err := registry.Revoke(cmd.Context(), deviceID); err != nil {
		return err
	}

	if devicesJSONOutput {
		return json.NewEncoder(os.Stdout).Encode(struct {
			DeviceID string `json:"device_id"`
			Status   string `json:"status"`
		}{DeviceID: deviceID, Status: "revoked"})
	}
	fmt.Printf("device %s revoked\n", deviceID)
	return nil
}
