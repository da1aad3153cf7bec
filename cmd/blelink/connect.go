package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/blelink/internal/device"
	"github.com/srg/blelink/internal/eventbus"
	"github.com/srg/blelink/internal/groutine"
	"github.com/srg/blelink/internal/store/records"
	"github.com/srg/blelink/pkg/config"
	"github.com/srg/blelink/pkg/connection"
	"github.com/srg/blelink/scanner"
)

const disconnectTimeout = 5 * time.Second

type connectFlags struct {
	writes    []string
	text      string
	listen    bool
	listenFor time.Duration
	save      bool
	scanFirst bool
	retry     bool
	timeout   time.Duration
}

func newConnectCmd() *cobra.Command {
	f := &connectFlags{}

	cmd := &cobra.Command{
		Use:   "connect <device-address>",
		Short: "Connect to a device and exchange data",
		Long: `Connects to a peripheral exposing the configured serial service, discovers
its services and optionally writes commands and prints notifications.

Examples:
  # Connect, send a hex command and disconnect
  blelink connect AA:BB:CC:DD:EE:FF --write 0102ff

  # Send text and print responses until Ctrl+C, storing each one as a record
  blelink connect AA:BB:CC:DD:EE:FF --text "status" --listen --save`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConnect(cmd, f, args[0])
		},
	}

	cmd.Flags().StringArrayVar(&f.writes, "write", nil, "Hex payload written to the command characteristic (repeatable)")
	cmd.Flags().StringVar(&f.text, "text", "", "Text payload written to the command characteristic")
	cmd.Flags().BoolVarP(&f.listen, "listen", "l", false, "Subscribe to notifications and print them")
	cmd.Flags().DurationVar(&f.listenFor, "listen-for", 0, "Stop listening after this long (0 listens until Ctrl+C)")
	cmd.Flags().BoolVar(&f.save, "save", false, "Store every notification as a text record")
	cmd.Flags().BoolVar(&f.scanFirst, "scan", false, "Scan for the device first to learn its advertised name")
	cmd.Flags().BoolVar(&f.retry, "retry", false, "Let the transport retry the connection until the timeout")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 0, "Connection timeout (default from config, 30s)")

	return cmd
}

// parsePayloads decodes --write hex strings and --text, in that order.
func parsePayloads(f *connectFlags) ([][]byte, error) {
	var payloads [][]byte
	for _, w := range f.writes {
		clean := strings.NewReplacer(" ", "", ":", "", "-", "").Replace(w)
		clean = strings.TrimPrefix(strings.TrimPrefix(clean, "0x"), "0X")
		data, err := hex.DecodeString(clean)
		if err != nil {
			return nil, fmt.Errorf("invalid hex payload %q: %w", w, err)
		}
		if len(data) == 0 {
			return nil, fmt.Errorf("empty hex payload")
		}
		payloads = append(payloads, data)
	}
	if f.text != "" {
		payloads = append(payloads, []byte(f.text))
	}
	return payloads, nil
}

func runConnect(cmd *cobra.Command, f *connectFlags, address string) error {
	payloads, err := parsePayloads(f)
	if err != nil {
		return err
	}
	if f.save && !f.listen {
		return fmt.Errorf("--save requires --listen")
	}

	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	if f.retry {
		cfg.Connection.AutoRetry = true
	}
	if f.timeout > 0 {
		cfg.Connection.ConnectTimeout = f.timeout
	}

	var store *records.Store
	if f.save {
		if store, err = openRecords(cfg, logger); err != nil {
			return err
		}
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

	out := cmd.OutOrStdout()

	target := device.Handle{Address: address}
	if f.scanFirst {
		if target, err = resolveTarget(ctx, transport, cfg, address, logger); err != nil {
			return err
		}
	}

	bus := eventbus.New[connection.Event](logger)
	mgr, err := connection.NewManager(transport, bus, cfg.ConnectionOptions(), logger)
	if err != nil {
		return err
	}

	var workers groutine.Group
	lost := make(chan error, 1)
	events := mgr.Events(cfg.Connection.EventBuffer)
	workers.Go(ctx, "cli-event-printer", func(context.Context) {
		printEvents(out, events.C(), lost)
	})

	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
		defer cancel()
		if err := mgr.Close(closeCtx); err != nil {
			logger.WithError(err).Warn("Failed to disconnect cleanly")
		}
		workers.Wait()
	}()

	fmt.Fprintf(out, "Connecting to %s...\n", target.DisplayName())
	if err := mgr.Connect(ctx, target); err != nil {
		return err
	}

	if f.listen {
		notifications, err := mgr.SubscribeNotifications(ctx)
		if err != nil {
			return err
		}
		workers.Go(ctx, "cli-notification-printer", func(context.Context) {
			printNotifications(out, notifications, store, logger)
		})
	}

	for _, p := range payloads {
		if err := mgr.WriteCommand(ctx, p); err != nil {
			return err
		}
		fmt.Fprintf(out, "→ %s (%d bytes)\n", hex.EncodeToString(p), len(p))
	}

	if !f.listen {
		return nil
	}

	listenCtx := ctx
	if f.listenFor > 0 {
		var cancel context.CancelFunc
		listenCtx, cancel = context.WithTimeout(ctx, f.listenFor)
		defer cancel()
	}

	select {
	case <-listenCtx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return nil
	case cause := <-lost:
		if cause != nil {
			return fmt.Errorf("%w: %v", ErrConnectionLost, cause)
		}
		return ErrConnectionLost
	}
}

// resolveTarget scans until address shows up so the connection carries the
// advertised name.
func resolveTarget(ctx context.Context, transport device.Scanner, cfg *config.Config, address string, logger *logrus.Logger) (device.Handle, error) {
	opts := cfg.ScanOptions()
	opts.Filter = device.ScanFilter{AllowList: []string{address}}

	session := scanner.NewSession(transport, logger)
	updates, err := session.Start(ctx, opts)
	if err != nil {
		return device.Handle{}, err
	}

	var final scanner.Update
	for u := range updates {
		if u.Final {
			final = u
			continue
		}
		if u.New {
			go session.Stop()
		}
	}
	if final.Err != nil {
		return device.Handle{}, final.Err
	}

	h, ok := session.Device(address)
	if !ok {
		return device.Handle{}, fmt.Errorf("device %s not found within %s", address, opts.Duration)
	}
	return h, nil
}

func printEvents(out io.Writer, events <-chan connection.Event, lost chan<- error) {
	connected := color.New(color.FgGreen, color.Bold)
	disconnected := color.New(color.FgYellow)
	failed := color.New(color.FgRed)

	for ev := range events {
		switch ev.Kind {
		case connection.DeviceConnected:
			connected.Fprintf(out, "Connected to %s (%s)\n", ev.Device.DisplayName(), ev.Device.Address)
		case connection.DeviceDisconnected:
			if ev.Err != nil {
				failed.Fprintf(out, "Disconnected from %s: %v\n", ev.Device.DisplayName(), ev.Err)
			} else {
				disconnected.Fprintf(out, "Disconnected from %s\n", ev.Device.DisplayName())
			}
			select {
			case lost <- ev.Err:
			default:
			}
		}
	}
}

func printNotifications(out io.Writer, notifications <-chan []byte, store *records.Store, logger *logrus.Logger) {
	incoming := color.New(color.FgCyan)

	for data := range notifications {
		incoming.Fprintf(out, "← %s  %q\n", hex.EncodeToString(data), data)
		if store == nil {
			continue
		}
		if _, err := store.Insert(records.Record{Content: string(data)}); err != nil {
			logger.WithError(err).Warn("Failed to store notification")
		}
	}
}

