package main

import (
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/srg/smartbike/bike"
	"github.com/srg/smartbike/pkg/config"
	"github.com/srg/smartbike/scanner"
)

// monitorCmd represents the monitor command
var monitorCmd = &cobra.Command{
	Use:   "monitor <address>",
	Short: "Connect to a bike and stream telemetry",
	Long: `Connect to a SmartBike controller and stream its telemetry.

The link is maintained until interrupted: drops are reconnected with
backoff, and readings that stop updating are demoted to unknown. On exit
the session is closed gracefully; the bike powers itself off a few minutes
later.`,
	Args: cobra.ExactArgs(1),
	RunE: runMonitor,
}

func init() {
	monitorCmd.Flags().String("name", "", "Advertised device name (display only)")
}

func runMonitor(cmd *cobra.Command, args []string) error {
	logger, err := configureLogger(cmd)
	if err != nil {
		return err
	}

	cfg := config.Default()
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		cfg, err = config.Load(path)
		if err != nil {
			return err
		}
	}

	cmd.SilenceUsage = true

	name, _ := cmd.Flags().GetString("name")
	desc := scanner.DeviceDescriptor{
		Address: args[0],
		Name:    name,
		Seen:    time.Now(),
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b := bike.New(cfg, desc, logger)
	b.Start(ctx)
	defer b.Close()
	b.SetDesiredConnection(true)

	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)
	fmt.Printf("Monitoring %s (Ctrl+C to stop)...\n", desc.Address)

	wasConnected := false
	for {
		select {
		case <-ctx.Done():
			fmt.Println("\nClosing session...")
			return nil

		case u, ok := <-b.Updates():
			if !ok {
				return nil
			}
			if connected := b.ActualConnection(); connected != wasConnected {
				wasConnected = connected
				if connected {
					serial, version := b.DeviceInfo()
					_, _ = green.Printf("connected serial=%s protocol=%s\n", orUnknown(serial), orUnknown(version))
				} else {
					_, _ = red.Println("disconnected")
				}
			}
			if u.Valid {
				fmt.Printf("%-22s %v\n", u.ID, u.Value)
			} else {
				fmt.Printf("%-22s unknown\n", u.ID)
			}
		}
	}
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
