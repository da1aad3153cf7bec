package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/blelink/scanner"
	"golang.org/x/term"
)

type scanFlags struct {
	duration   time.Duration
	format     string
	services   []string
	allow      []string
	block      []string
	namePrefix string
	duplicates bool
	mode       string
	watch      bool
}

func newScanCmd() *cobra.Command {
	f := &scanFlags{}

	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Scan for BLE devices",
		Long: `Scan for and display Bluetooth Low Energy devices in the vicinity.

Each device is listed once, with its latest advertisement. The scan stops
after --duration (0 scans until Ctrl+C).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScan(cmd, f)
		},
	}

	cmd.Flags().DurationVarP(&f.duration, "duration", "d", 0, "Scan duration (default from config, 5s; 0 with --watch scans until Ctrl+C)")
	cmd.Flags().StringVarP(&f.format, "format", "f", "table", "Output format (table, json)")
	cmd.Flags().StringSliceVarP(&f.services, "services", "s", nil, "Filter by service UUIDs")
	cmd.Flags().StringSliceVar(&f.allow, "allow", nil, "Only show devices with these addresses")
	cmd.Flags().StringSliceVar(&f.block, "block", nil, "Hide devices with these addresses")
	cmd.Flags().StringVar(&f.namePrefix, "name-prefix", "", "Only show devices whose name starts with this prefix")
	cmd.Flags().BoolVar(&f.duplicates, "duplicates", false, "Ask the radio to report duplicate advertisements")
	cmd.Flags().StringVar(&f.mode, "mode", "", "Scan mode (balanced, low_power, low_latency, opportunistic)")
	cmd.Flags().BoolVarP(&f.watch, "watch", "w", false, "Print every update instead of only the final table")

	return cmd
}

func runScan(cmd *cobra.Command, f *scanFlags) error {
	if f.format != "table" && f.format != "json" {
		return fmt.Errorf("invalid format '%s': must be one of [table json]", f.format)
	}

	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}

	// Flags override the configuration file
	switch {
	case cmd.Flags().Changed("duration"):
		cfg.Scan.Duration = f.duration
	case f.watch:
		cfg.Scan.Duration = 0
	}
	if f.mode != "" {
		cfg.Scan.Mode = f.mode
	}
	if len(f.services) > 0 {
		cfg.Scan.Services = f.services
	}
	if len(f.allow) > 0 {
		cfg.Scan.AllowList = f.allow
	}
	if len(f.block) > 0 {
		cfg.Scan.BlockList = f.block
	}
	if f.namePrefix != "" {
		cfg.Scan.NamePrefix = f.namePrefix
	}
	if f.duplicates {
		cfg.Scan.AllowDuplicates = true
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	transport, err := openTransport(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to open BLE transport: %w", err)
	}
	defer closeTransport(transport, logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	session := scanner.NewSession(transport, logger)
	updates, err := session.Start(ctx, cfg.ScanOptions())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	final := consumeUpdates(out, updates, cfg.Scan.Duration, f.watch && f.format == "table", logger)

	if final.Err != nil {
		return final.Err
	}
	return displayDevices(out, final, f.format)
}

// consumeUpdates drains the scan stream and returns its Final update.
func consumeUpdates(out io.Writer, updates <-chan scanner.Update, duration time.Duration, watch bool, logger *logrus.Logger) scanner.Update {
	var progress *ProgressPrinter
	if !watch && isTerminal(out) {
		progress = NewProgressPrinter(out, "Scanning for BLE devices", duration)
		progress.Start()
		defer progress.Stop()
	}

	var final scanner.Update
	for u := range updates {
		if u.Final {
			final = u
			continue
		}
		switch {
		case progress != nil:
			progress.SetStatus(u.Status())
		case watch && u.New:
			fmt.Fprintf(out, "+ %-20s %s %s\n", u.Device.DisplayName(), u.Device.Address, formatRSSI(u.Device.RSSI))
		}
		logger.WithFields(logrus.Fields{
			"address": u.Device.Address,
			"new":     u.New,
			"total":   len(u.Devices),
		}).Debug("Scan update")
	}
	return final
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// truncate shortens s to at most n runes, marking the cut with "...".
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

func displayDevices(out io.Writer, final scanner.Update, format string) error {
	devs := final.Devices.Sorted()
	sort.SliceStable(devs, func(i, j int) bool {
		return rssiValue(devs[i].RSSI) > rssiValue(devs[j].RSSI)
	})

	if format == "json" {
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		return encoder.Encode(devs)
	}

	if len(devs) == 0 {
		fmt.Fprintln(out, final.Status())
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tADDRESS\tRSSI\tSERVICES\tLAST SEEN")
	fmt.Fprintln(w, strings.Repeat("-", 80))

	for _, dev := range devs {
		name := truncate(dev.DisplayName(), 20)
		services := truncate(strings.Join(dev.Services, ","), 30)

		lastSeen := time.Since(dev.SeenAt).Truncate(time.Second)

		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s ago\n",
			name, dev.Address, formatRSSI(dev.RSSI), services, lastSeen)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	fmt.Fprintln(out, final.Status())
	return nil
}

func rssiValue(rssi *int) int {
	if rssi == nil {
		return -1 << 15
	}
	return *rssi
}

func formatRSSI(rssi *int) string {
	if rssi == nil {
		return "n/a"
	}
	return fmt.Sprintf("%d dBm", *rssi)
}
