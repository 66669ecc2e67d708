package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/msageha/knotify/internal/daemon"
	"github.com/msageha/knotify/internal/model"
	"github.com/msageha/knotify/internal/setup"
	"github.com/msageha/knotify/internal/status"
	"github.com/msageha/knotify/internal/uds"
)

const version = "1.0.0"

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "knotify",
		Short: "Two-press confirmed webhook and message triggers",
		Long: `knotify runs a small daemon that turns button presses into webhook calls
or messages. The first press arms an action, the second confirms it, and
the delivery outcome stays visible for a few seconds before the action
returns to idle.

Quick start:
  knotify init                 # create .knotify/ with example actions
  knotify daemon &             # run the daemon
  knotify press 1              # arm action 1
  knotify press 1              # confirm and deliver
  knotify status               # show every action`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().String("dir", "", "knotify directory (default: nearest .knotify/ above the working directory)")

	cmd.AddCommand(
		initCmd(),
		daemonCmd(),
		pressCmd(),
		statusCmd(),
		eventCmd(),
		telemetryCmd(),
		stopCmd(),
		versionCmd(),
	)
	return cmd
}

func initCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init [dir]",
		Short: "Create a knotify directory with default config and example actions",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := setup.DefaultDir
			if len(args) == 1 {
				dir = args[0]
			}
			backend, _ := cmd.Flags().GetString("store")
			if err := setup.Run(dir, backend); err != nil {
				return err
			}
			abs, _ := filepath.Abs(dir)
			fmt.Fprintf(cmd.OutOrStdout(), "Initialized %s\n", abs)
			return nil
		},
	}
	cmd.Flags().String("store", "", "status store backend: yaml|sqlite")
	return cmd
}

func daemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run the daemon in the foreground",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := resolveDir(cmd)
			if err != nil {
				return err
			}
			cfg, err := model.LoadConfig(filepath.Join(dir, "config.yaml"))
			if err != nil {
				return err
			}
			d, err := daemon.New(dir, cfg)
			if err != nil {
				return fmt.Errorf("create daemon: %w", err)
			}
			return d.Run()
		},
	}
}

func pressCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "press <action-id>",
		Short: "Press the button of an action",
		Long: `Press the button of an action. Payload flags override the catalog for
this press only; an action missing from the catalog can be pressed when a
payload is given.

Examples:
  knotify press 1
  knotify press 7 --message "leaving now"
  knotify press 8 --url https://hooks.example.com/x`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid action id %q", args[0])
			}
			params := uds.PressParams{ActionID: id}
			flags := cmd.Flags()
			if flags.Changed("status") {
				s, _ := flags.GetString("status")
				params.Status = &s
			}
			if flags.Changed("message") {
				s, _ := flags.GetString("message")
				params.MessageText = &s
			}
			if flags.Changed("url") {
				s, _ := flags.GetString("url")
				params.WebhookURL = &s
			}
			if flags.Changed("enabled") {
				b, _ := flags.GetBool("enabled")
				params.WebhookEnabled = &b
			}

			var res uds.PressResult
			if err := call(cmd, uds.CommandPress, params, &res); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "action %d: %s\n", res.ActionID, res.Status)
			return nil
		},
	}
	cmd.Flags().String("status", "", "status observed by the caller (default: daemon's current status)")
	cmd.Flags().String("message", "", "message text for this press")
	cmd.Flags().String("url", "", "webhook url for this press")
	cmd.Flags().Bool("enabled", true, "whether the webhook is enabled for this press")
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show action statuses",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := resolveDir(cmd)
			if err != nil {
				return err
			}
			cfg, err := model.LoadConfig(filepath.Join(dir, "config.yaml"))
			if err != nil {
				return err
			}
			jsonOutput, _ := cmd.Flags().GetBool("json")
			actionID, _ := cmd.Flags().GetInt("action")
			return status.Run(dir, cfg, actionID, jsonOutput, cmd.OutOrStdout())
		},
	}
	cmd.Flags().Bool("json", false, "print JSON")
	cmd.Flags().Int("action", 0, "only show this action")
	return cmd
}

func eventCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "event <start|stop|pause|resume|custom>",
		Short:     "Fire a lifecycle event at every action that opted in",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"start", "stop", "pause", "resume", "custom"},
		RunE: func(cmd *cobra.Command, args []string) error {
			var res uds.EventResult
			if err := call(cmd, uds.CommandEvent, uds.EventParams{Type: args[0]}, &res); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "fired %d action(s) %v\n", len(res.Fired), res.Fired)
			return nil
		},
	}
}

func telemetryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "telemetry",
		Short: "Report location, remaining distance or units to the daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var params uds.TelemetryParams
			flags := cmd.Flags()
			if flags.Changed("lat") {
				v, _ := flags.GetFloat64("lat")
				params.Lat = &v
			}
			if flags.Changed("lng") {
				v, _ := flags.GetFloat64("lng")
				params.Lng = &v
			}
			if flags.Changed("remaining") {
				v, _ := flags.GetFloat64("remaining")
				params.RemainingDistance = &v
			}
			if flags.Changed("units") {
				v, _ := flags.GetString("units")
				params.Units = &v
			}
			if params == (uds.TelemetryParams{}) {
				return errors.New("nothing to report: set --lat/--lng, --remaining or --units")
			}
			return call(cmd, uds.CommandTelemetry, params, nil)
		},
	}
	cmd.Flags().Float64("lat", 0, "latitude")
	cmd.Flags().Float64("lng", 0, "longitude")
	cmd.Flags().Float64("remaining", 0, "remaining distance in meters")
	cmd.Flags().String("units", "", "metric|imperial")
	return cmd
}

func stopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Ask the running daemon to shut down",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := call(cmd, uds.CommandShutdown, nil, nil); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "shutdown requested")
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "knotify %s\n", version)
		},
	}
}

func call(cmd *cobra.Command, command string, params, out any) error {
	dir, err := resolveDir(cmd)
	if err != nil {
		return err
	}
	client := uds.NewClient(filepath.Join(dir, uds.DefaultSocketName))
	return client.Call(command, params, out)
}

// resolveDir returns --dir, or the nearest .knotify/ found walking up from
// the working directory.
func resolveDir(cmd *cobra.Command) (string, error) {
	if dir, _ := cmd.Flags().GetString("dir"); dir != "" {
		return dir, nil
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	if dir := findDir(wd); dir != "" {
		return dir, nil
	}
	return "", fmt.Errorf("%s/ directory not found. Run 'knotify init' first", setup.DefaultDir)
}

func findDir(start string) string {
	dir := start
	for {
		candidate := filepath.Join(dir, setup.DefaultDir)
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}
