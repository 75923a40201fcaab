package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/majidka99/kompass-app/internal/daemon"
	"github.com/majidka99/kompass-app/internal/record"
	"github.com/majidka99/kompass-app/internal/syncer"
	"github.com/majidka99/kompass-app/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one reconciliation pass now",
	Long: `Synchronize local and remote data once.

This drains the offline change queue first, then compares every tracked
data kind between the local cache and the server, resolving divergence
with the configured policy. Unresolved conflicts are listed for manual
resolution with 'kompass resolve'.`,
	Run: func(cmd *cobra.Command, args []string) {
		a, err := buildApp(false)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer a.close()

		fmt.Printf("%s Syncing...\n", ui.RenderAccent("*"))
		start := time.Now()

		result, err := a.engine.Sync(context.Background())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error during sync: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("%s Sync complete in %v\n", ui.RenderPass("ok"), time.Since(start).Round(time.Millisecond))
		fmt.Printf("   Kinds compared: %d\n", len(result.Success)+len(result.Failed))
		fmt.Printf("   Changes applied: %d\n", result.TotalSynced)
		for _, f := range result.Failed {
			fmt.Printf("   %s %s: %s\n", ui.RenderFail("failed"), f.Kind, f.Error)
		}
		for _, c := range result.Conflicts {
			fmt.Printf("   %s %s (%s): local %s vs remote %s\n",
				ui.RenderWarn("conflict"), c.Kind, c.Type,
				c.LocalTimestamp.Format(time.RFC3339),
				c.RemoteTimestamp.Format(time.RFC3339))
		}
		if len(result.Conflicts) > 0 {
			fmt.Printf("\nResolve with: kompass resolve <kind> --use local|remote\n")
		}
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show local cache and sync status",
	Run: func(cmd *cobra.Command, args []string) {
		a, err := buildApp(false)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer a.close()

		ctx := context.Background()
		owner := a.session.OwnerID

		records, err := a.db.RecordCount(ctx, owner)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading cache: %v\n", err)
			os.Exit(1)
		}
		pending, err := a.db.PendingChangeCount(ctx, owner)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading queue: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("\n%s Kompass Status\n\n", ui.RenderAccent("#"))
		fmt.Printf("Owner: %s\n", owner)
		fmt.Printf("Records cached: %d\n", records)
		fmt.Printf("Pending changes: %d\n", pending)

		state, err := a.db.GetSyncState(ctx, owner)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading sync state: %v\n", err)
			os.Exit(1)
		}
		if state == nil {
			fmt.Printf("Last sync: %s\n", ui.RenderMuted("never"))
		} else {
			fmt.Printf("Last sync: %s (%s)\n",
				state.LastSyncTime.Format("2006-01-02 15:04:05"), state.Status)
		}
		fmt.Println()
	},
}

var resolveUse string

var resolveCmd = &cobra.Command{
	Use:   "resolve <kind>",
	Short: "Resolve a pending sync conflict",
	Long: `Resolve a conflict detected by a previous sync.

A fresh sync is run first to rebuild the pending conflict set, then the
chosen side is applied to both stores.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		kind := record.Kind(args[0])

		var resolution syncer.Resolution
		switch resolveUse {
		case "local":
			resolution = syncer.ResolutionUseLocal
		case "remote":
			resolution = syncer.ResolutionUseRemote
		default:
			fmt.Fprintf(os.Stderr, "Error: --use must be 'local' or 'remote'\n")
			os.Exit(1)
		}

		a, err := buildApp(false)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer a.close()

		// Rebuild the conflict set under the manual policy so nothing
		// is auto-resolved out from under the user's decision.
		a.engine = manualEngine(a)
		if _, err := a.engine.Sync(context.Background()); err != nil {
			fmt.Fprintf(os.Stderr, "Error during sync: %v\n", err)
			os.Exit(1)
		}

		if err := a.engine.ResolveConflict(context.Background(), kind, resolution, nil); err != nil {
			fmt.Fprintf(os.Stderr, "Error resolving conflict: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s Conflict for %s resolved using %s\n", ui.RenderPass("ok"), kind, resolveUse)
	},
}

var errorsCmd = &cobra.Command{
	Use:   "errors",
	Short: "Show the persisted recent error log",
	Run: func(cmd *cobra.Command, args []string) {
		a, err := buildApp(false)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer a.close()

		entries, err := a.db.LoadErrorLog(context.Background())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading error log: %v\n", err)
			os.Exit(1)
		}
		if len(entries) == 0 {
			fmt.Printf("%s No recorded errors\n", ui.RenderPass("ok"))
			return
		}
		for _, e := range entries {
			marker := ui.RenderWarn("!")
			if e.Resolved {
				marker = ui.RenderPass("ok")
			}
			fmt.Printf("%s [%s/%s] %s  %s\n", marker, e.Category, e.Severity,
				e.Timestamp.Format("2006-01-02 15:04:05"), e.Message)
		}
	},
}

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the sync daemon (foreground)",
	Long: `Run the background sync daemon in the foreground.

The daemon:
  1. Syncs on a timer and whenever connectivity returns
  2. Replays queued offline changes
  3. Retries recoverable errors
  4. Imports record files dropped into the inbox directory`,
	Run: func(cmd *cobra.Command, args []string) {
		a, err := buildApp(true)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer a.close()

		cfg := daemon.DefaultConfig()
		cfg.InboxDir = viper.GetString("inbox_dir")

		d, err := daemon.New(a.coord, a.engine, a.recovery, a.monitor, a.provider, cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating daemon: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("%s Starting sync daemon (Ctrl+C to stop)\n", ui.RenderAccent("*"))

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		if err := d.Start(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Daemon stopped with error: %v\n", err)
			os.Exit(1)
		}
	},
}

var getCmd = &cobra.Command{
	Use:   "get <kind>",
	Short: "Read the current value for a data kind",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		a, err := buildApp(false)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer a.close()

		value, err := a.coord.Read(context.Background(), record.Kind(args[0]), a.session.OwnerID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if value == nil {
			fmt.Println("null")
			return
		}
		var pretty any
		if err := json.Unmarshal(value, &pretty); err == nil {
			if out, err := json.MarshalIndent(pretty, "", "  "); err == nil {
				fmt.Println(string(out))
				return
			}
		}
		fmt.Println(string(value))
	},
}

// manualEngine rebuilds the sync engine with the manual policy.
func manualEngine(a *app) *syncer.Engine {
	cfg := syncer.DefaultConfig()
	cfg.Policy = syncer.PolicyManual
	cfg.AutoSync = false
	return syncer.New(a.coord, a.provider, a.monitor, a.recovery, nil, cfg)
}

func init() {
	resolveCmd.Flags().StringVar(&resolveUse, "use", "", "which side wins: local or remote")
	_ = resolveCmd.MarkFlagRequired("use")

	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(resolveCmd)
	rootCmd.AddCommand(errorsCmd)
	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(getCmd)
}
