package main

import (
	"flag"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/musetap/host/internal/config"
	"github.com/musetap/host/internal/storage"
)

// openStore resolves the store path and opens the device database.
func openStore(storePath string) (*storage.SQLiteStore, error) {
	if storePath == "" {
		var err error
		storePath, err = config.DefaultStorePath()
		if err != nil {
			return nil, err
		}
	}
	return storage.NewSQLiteStore(storePath)
}

func runDevicesList(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("devices list", flag.ContinueOnError)
	fs.SetOutput(stderr)
	storePath := fs.String("store", "", "path to the device database")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	store, err := openStore(*storePath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: failed to open device store: %v\n", err)
		return 1
	}
	defer store.Close()

	devices, err := store.ListDevices()
	if err != nil {
		fmt.Fprintf(stderr, "Error: failed to list devices: %v\n", err)
		return 1
	}

	if len(devices) == 0 {
		fmt.Fprintln(stdout, "No paired devices.")
		return 0
	}

	w := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tPLATFORM\tPAIRED\tLAST SEEN")
	for _, d := range devices {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			d.ID, d.Name, d.Platform,
			d.CreatedAt.Format("2006-01-02"),
			formatLastSeen(d.LastSeen))
	}
	w.Flush()
	return 0
}

func runDevicesRevoke(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("devices revoke", flag.ContinueOnError)
	fs.SetOutput(stderr)
	storePath := fs.String("store", "", "path to the device database")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	if fs.NArg() < 1 {
		fmt.Fprintln(stderr, "Usage: musetap-host devices revoke <device-id>")
		return 1
	}
	deviceID := fs.Arg(0)

	store, err := openStore(*storePath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: failed to open device store: %v\n", err)
		return 1
	}
	defer store.Close()

	// Look it up first so a typo'd ID is reported instead of
	// silently succeeding.
	device, err := store.GetDevice(deviceID)
	if err != nil || device == nil {
		fmt.Fprintf(stderr, "Error: device %s not found\n", deviceID)
		return 1
	}

	if err := store.DeleteDevice(deviceID); err != nil {
		fmt.Fprintf(stderr, "Error: failed to revoke device: %v\n", err)
		return 1
	}

	fmt.Fprintf(stdout, "Revoked %s (%s). Its credential no longer validates.\n", device.Name, deviceID)
	return 0
}

func runAudit(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("audit", flag.ContinueOnError)
	fs.SetOutput(stderr)
	storePath := fs.String("store", "", "path to the device database")
	limit := fs.Int("n", 20, "number of entries to show")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	store, err := openStore(*storePath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: failed to open device store: %v\n", err)
		return 1
	}
	defer store.Close()

	entries, err := store.ListPairingAudit(*limit)
	if err != nil {
		fmt.Fprintf(stderr, "Error: failed to read audit log: %v\n", err)
		return 1
	}

	if len(entries) == 0 {
		fmt.Fprintln(stdout, "No pairing activity recorded.")
		return 0
	}

	w := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "WHEN\tOUTCOME\tDEVICE\tORIGIN")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			e.DecidedAt.Format("2006-01-02 15:04:05"),
			e.Outcome, e.DeviceName, e.Origin)
	}
	w.Flush()
	return 0
}

func formatLastSeen(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	since := time.Since(t)
	switch {
	case since < time.Minute:
		return "just now"
	case since < time.Hour:
		return fmt.Sprintf("%dm ago", int(since.Minutes()))
	case since < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(since.Hours()))
	default:
		return t.Format("2006-01-02")
	}
}
