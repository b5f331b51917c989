// ABOUTME: hiresti subcommands: play, devices, snapshot, diag, settings and watch
// ABOUTME: Local commands build a throwaway engine; --addr commands query a running monitor
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hiresti/hiresti-audio/internal/app"
	"github.com/hiresti/hiresti-audio/internal/devices"
	"github.com/hiresti/hiresti-audio/internal/logging"
	"github.com/hiresti/hiresti-audio/internal/settings"
	"github.com/hiresti/hiresti-audio/internal/sink"
	"github.com/hiresti/hiresti-audio/pkg/hiresti"
)

const monitorTimeout = 5 * time.Second

// outputFlags are the play flags that override the settings output
type outputFlags struct {
	driver     string
	device     string
	bitPerfect bool
	exclusive  bool
}

// selection applies the flags that were set on top of the stored output.
// It returns nil when no output flag was given.
func (f outputFlags) selection(cmd *cobra.Command, s settings.Settings) (*sink.Selection, error) {
	flags := cmd.Flags()
	if !flags.Changed("driver") && !flags.Changed("device") &&
		!flags.Changed("bit-perfect") && !flags.Changed("exclusive") {
		return nil, nil
	}
	sel := hiresti.SelectionFromSettings(s)
	if flags.Changed("driver") {
		kind, err := sink.ParseDriver(f.driver)
		if err != nil {
			return nil, err
		}
		sel.Driver = kind
	}
	if flags.Changed("device") {
		sel.Device = f.device
	}
	if flags.Changed("bit-perfect") {
		sel.BitPerfect = f.bitPerfect
	}
	if flags.Changed("exclusive") {
		sel.Exclusive = f.exclusive
	}
	sel = sel.Normalize()
	return &sel, nil
}

// trackURI turns a plain path into a file URI; URIs pass through
func trackURI(arg string) (string, error) {
	if strings.Contains(arg, "://") {
		return arg, nil
	}
	abs, err := filepath.Abs(arg)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", arg, err)
	}
	return (&url.URL{Scheme: "file", Path: abs}).String(), nil
}

func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// fetchMonitor copies one monitor endpoint to w
func fetchMonitor(ctx context.Context, w io.Writer, addr, path string) error {
	ctx, cancel := context.WithTimeout(ctx, monitorTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+path, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("query monitor: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("monitor returned %s", resp.Status)
	}
	_, err = io.Copy(w, resp.Body)
	return err
}

// localEngine builds an engine on a fakesink so queries never take the device
func localEngine(rt *runtime) (*hiresti.Engine, error) {
	cfg := app.EngineConfig(rt.env, rt.settings, logging.For("engine"))
	cfg.FakeSink = true
	cfg.WatchDevices = false
	return hiresti.NewEngine(cfg)
}

func newPlayCmd() *cobra.Command {
	var (
		out     outputFlags
		noTUI   bool
		volume  int
		monitor string
	)
	cmd := &cobra.Command{
		Use:   "play <uri|path>",
		Short: "Play a track through the configured output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := bootstrap(!noTUI)
			if err != nil {
				return err
			}
			defer rt.Close()

			uri, err := trackURI(args[0])
			if err != nil {
				return err
			}
			sel, err := out.selection(cmd, rt.settings)
			if err != nil {
				return err
			}
			vol := rt.settings.Volume
			if cmd.Flags().Changed("volume") {
				vol = volume
			}
			addr := rt.env.MonitorAddr
			if cmd.Flags().Changed("monitor") {
				addr = monitor
			}

			player := app.New(app.Config{
				Engine:      app.EngineConfig(rt.env, rt.settings, logging.For("engine")),
				URI:         uri,
				Output:      sel,
				Volume:      vol,
				MonitorAddr: addr,
				Advertise:   bool(rt.env.MonitorAdvertise),
				UseTUI:      !noTUI,
				Log:         rt.log,
			})

			ctx, stop := signalContext(cmd)
			defer stop()
			go func() {
				<-ctx.Done()
				player.Stop()
			}()
			return player.Start()
		},
	}
	cmd.Flags().StringVar(&out.driver, "driver", "", "Output driver (ALSA, PulseAudio, PipeWire, Auto)")
	cmd.Flags().StringVar(&out.device, "device", "", "Output device id, e.g. hw:1,0")
	cmd.Flags().BoolVar(&out.bitPerfect, "bit-perfect", false, "Bypass volume and EQ processing")
	cmd.Flags().BoolVar(&out.exclusive, "exclusive", false, "Take exclusive access to an ALSA device")
	cmd.Flags().BoolVar(&noTUI, "no-tui", false, "Disable TUI, use streaming logs instead")
	cmd.Flags().IntVar(&volume, "volume", 80, "Volume 0-100")
	cmd.Flags().StringVar(&monitor, "monitor", "", "Serve the monitor on this address, e.g. :8931")
	return cmd
}

func newDevicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "devices [driver]",
		Short: "List output devices as JSON",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := bootstrap(false)
			if err != nil {
				return err
			}
			defer rt.Close()

			kind := sink.Auto
			if len(args) == 1 {
				if kind, err = sink.ParseDriver(args[0]); err != nil {
					return err
				}
			}
			devs, err := devices.NewEnumerator(logging.For("devices")).List(cmd.Context(), kind)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), devs)
		},
	}
}

func newSnapshotCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Print the runtime snapshot as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr != "" {
				return fetchMonitor(cmd.Context(), cmd.OutOrStdout(), addr, "/snapshot")
			}
			rt, err := bootstrap(false)
			if err != nil {
				return err
			}
			defer rt.Close()
			eng, err := localEngine(rt)
			if err != nil {
				return err
			}
			defer eng.Close(context.Background())
			return printJSON(cmd.OutOrStdout(), eng.Snapshot(cmd.Context()))
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Query a running monitor instead of a local engine")
	return cmd
}

func newDiagCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "diag",
		Short: "Print the signal-path diagnostics report",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr != "" {
				return fetchMonitor(cmd.Context(), cmd.OutOrStdout(), addr, "/diagnostics")
			}
			rt, err := bootstrap(false)
			if err != nil {
				return err
			}
			defer rt.Close()
			eng, err := localEngine(rt)
			if err != nil {
				return err
			}
			defer eng.Close(context.Background())
			_, err = fmt.Fprintln(cmd.OutOrStdout(), eng.Diagnostics(cmd.Context()))
			return err
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Query a running monitor instead of a local engine")
	return cmd
}

func newSettingsCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "settings [show|reset]",
		Short:     "Show or reset the persisted settings",
		Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"show", "reset"},
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := bootstrap(false)
			if err != nil {
				return err
			}
			defer rt.Close()

			if len(args) == 1 && args[0] == "reset" {
				if err := settings.Save(rt.env.SettingsPath, settings.Defaults()); err != nil {
					return err
				}
				rt.log.Info().Str("path", rt.env.SettingsPath).Msg("Settings reset")
				return nil
			}
			return printJSON(cmd.OutOrStdout(), rt.settings)
		},
	}
}

func newWatchCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Attach the status TUI to a running monitor",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := bootstrap(true)
			if err != nil {
				return err
			}
			defer rt.Close()

			ctx, stop := signalContext(cmd)
			defer stop()
			return app.Watch(ctx, app.WatchConfig{Addr: addr, Log: logging.For("watch")})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Monitor address (default: discover over mDNS)")
	return cmd
}
