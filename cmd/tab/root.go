package tab

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/ValentinKolb/dSync/cmd/util"
	"github.com/ValentinKolb/dSync/lib/clock"
	"github.com/ValentinKolb/dSync/lib/crosstab/wsbus"
	"github.com/ValentinKolb/dSync/lib/docstore/sqlstore"
	"github.com/ValentinKolb/dSync/lib/orchestrator"
	"github.com/ValentinKolb/dSync/rpc/client"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	tab     *orchestrator.Orchestrator
	closers []io.Closer

	// TabCommands represents the tab command group. Every invocation runs one
	// context on a local sqlite store for the duration of the command.
	TabCommands = &cobra.Command{
		Use:                "tab",
		Short:              "Run a local-first context against a dSync server",
		PersistentPreRunE:  startTab,
		PersistentPostRunE: stopTab,
	}
)

func init() {
	util.SetupRPCClientFlags(TabCommands)

	key := "db"
	TabCommands.PersistentFlags().String(key, "dsync-tab.db", util.WrapString("Path of the local sqlite store"))

	key = "tab-id"
	TabCommands.PersistentFlags().String(key, "", util.WrapString("Id of this context (default: random)"))

	key = "offline"
	TabCommands.PersistentFlags().Bool(key, false, util.WrapString("Do not connect to a remote replica"))

	key = "hub"
	TabCommands.PersistentFlags().String(key, "", util.WrapString("URL of the cross-tab hub (e.g. ws://localhost:8080/tabs)"))

	key = "wait"
	TabCommands.PersistentFlags().Duration(key, 0, util.WrapString("How long to let the context sync before the command finishes"))

	TabCommands.AddCommand(writeCmd)
	TabCommands.AddCommand(readCmd)
	TabCommands.AddCommand(statusCmd)
	TabCommands.AddCommand(conflictsCmd)
	TabCommands.AddCommand(resolveCmd)
	TabCommands.AddCommand(recoverCmd)
	TabCommands.AddCommand(watchCmd)
}

// startTab opens the local store, connects the optional remote and hub and
// starts the context
func startTab(cmd *cobra.Command, _ []string) error {
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}
	if err := util.InitLogging(); err != nil {
		return err
	}

	closers = nil
	store, err := sqlstore.Open(viper.GetString("db"), clock.Real())
	if err != nil {
		return err
	}
	closers = append(closers, store)

	tabID := viper.GetString("tab-id")
	if tabID == "" {
		tabID = "tab-" + uuid.NewString()[:8]
	}
	deps := orchestrator.Deps{Store: store}

	if !viper.GetBool("offline") {
		s, err := util.GetSerializer()
		if err != nil {
			return closeAll(err)
		}
		remote, err := client.NewRPCReplica(util.GetShardID(), *util.GetClientConfig(), util.GetTransport(), s)
		if err != nil {
			return closeAll(err)
		}
		closers = append(closers, remote)
		leases, err := client.NewRPCLeaseStore(util.GetShardID(), *util.GetClientConfig(), util.GetTransport(), s)
		if err != nil {
			return closeAll(err)
		}
		closers = append(closers, leases)
		deps.Remote, deps.Leases = remote, leases
	}

	if hub := viper.GetString("hub"); hub != "" {
		bus, err := wsbus.Dial(cmd.Context(), hub)
		if err != nil {
			return closeAll(fmt.Errorf("connecting to hub %s: %w", hub, err))
		}
		closers = append(closers, bus)
		deps.Bus = bus
	}

	tab, err = orchestrator.New(orchestrator.DefaultConfig(tabID), deps)
	if err != nil {
		return closeAll(err)
	}
	if err := tab.Start(cmd.Context()); err != nil {
		return closeAll(err)
	}
	return nil
}

// stopTab waits --wait, flushes the context and closes everything startTab opened
func stopTab(cmd *cobra.Command, _ []string) error {
	if tab == nil {
		return nil
	}
	wait(cmd.Context(), viper.GetDuration("wait"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := tab.Close(ctx)
	tab = nil
	return closeAll(err)
}

// closeAll closes the opened collaborators in reverse order and returns the
// first error
func closeAll(err error) error {
	for i := len(closers) - 1; i >= 0; i-- {
		if cerr := closers[i].Close(); cerr != nil {
			fmt.Fprintf(os.Stderr, "closing: %v\n", cerr)
			if err == nil {
				err = cerr
			}
		}
	}
	closers = nil
	return err
}

func wait(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
