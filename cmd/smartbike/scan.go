package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/srg/smartbike/scanner"
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for SmartBike controllers",
	Long: `Scan for advertising Mahle SmartBike controllers.

Bikes advertise with an "iWoc" name prefix while powered on. The scan lists
every match with its address and signal strength; use the address with the
monitor command.`,
	RunE: runScan,
}

var (
	scanDuration time.Duration
	scanFormat   string
	scanPrefix   string
)

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 10*time.Second, "Scan duration (0 for indefinite)")
	scanCmd.Flags().StringVarP(&scanFormat, "format", "f", "table", "Output format (table, json)")
	scanCmd.Flags().StringVar(&scanPrefix, "prefix", "iWoc", "Advertised name prefix to match (empty for all devices)")
}

func runScan(cmd *cobra.Command, args []string) error {
	if scanFormat != "table" && scanFormat != "json" {
		return fmt.Errorf("invalid format %q: must be table or json", scanFormat)
	}

	logger, err := configureLogger(cmd)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	s, err := scanner.NewScanner(logger)
	if err != nil {
		return fmt.Errorf("failed to create BLE scanner: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := &scanner.ScanOptions{
		Duration:        scanDuration,
		DuplicateFilter: true,
		NamePrefix:      scanPrefix,
	}

	devices, err := s.Scan(ctx, opts)
	if err != nil {
		return err
	}

	return printDevices(devices)
}

func printDevices(devices map[string]scanner.DeviceDescriptor) error {
	sorted := make([]scanner.DeviceDescriptor, 0, len(devices))
	for _, d := range devices {
		sorted = append(sorted, d)
	}
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Address < sorted[j].Address
	})

	if scanFormat == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(sorted)
	}

	if len(sorted) == 0 {
		fmt.Println("No SmartBike controllers found - make sure the bike is powered on.")
		return nil
	}

	bold := color.New(color.Bold)
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	_, _ = bold.Fprintln(w, "NAME\tADDRESS\tRSSI")
	for _, d := range sorted {
		fmt.Fprintf(w, "%s\t%s\t%d dBm\n", d.Name, d.Address, d.RSSI)
	}
	return w.Flush()
}
