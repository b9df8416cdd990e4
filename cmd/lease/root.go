package lease

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ValentinKolb/dSync/cmd/util"
	"github.com/ValentinKolb/dSync/lib/clock"
	"github.com/ValentinKolb/dSync/lib/leader"
	"github.com/ValentinKolb/dSync/rpc/client"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	rpcLeases *client.RPCLeaseStore

	// LeaseCommands represents the lease command group
	LeaseCommands = &cobra.Command{
		Use:               "lease",
		Short:             "Inspect and manage leader leases on a dSync server",
		PersistentPreRunE: setupLeaseClient,
	}

	acquireCmd = &cobra.Command{
		Use:   "acquire <key>",
		Short: "Acquires a lease and optionally holds it until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := leader.DefaultConfig()
			if d := viper.GetDuration("duration"); d > 0 {
				cfg.LeaseDuration = d
				cfg.Heartbeat = d / 3
			}
			elector := leader.NewElector(rpcLeases, owner(), cfg, clock.Real())

			h, err := elector.TryAcquire(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if h == nil {
				return fmt.Errorf("lease %q is held by another owner", args[0])
			}
			if err := util.PrintYAML(h.Lease()); err != nil {
				return err
			}
			if !viper.GetBool("hold") {
				return nil
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			select {
			case <-ctx.Done():
				return elector.Release(cmd.Context(), h)
			case <-h.Done():
				return fmt.Errorf("lost lease %q", args[0])
			}
		},
	}

	releaseCmd = &cobra.Command{
		Use:   "release <key>",
		Short: "Expires a lease held by --owner",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if viper.GetString("owner") == "" {
				return fmt.Errorf("--owner is required to release a lease")
			}
			current, found, err := rpcLeases.Load(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !found || !current.ValidAt(time.Now()) {
				fmt.Println("not held")
				return nil
			}
			if current.OwnerID != owner() {
				return fmt.Errorf("lease %q is held by %s", args[0], current.OwnerID)
			}

			released := current
			released.ExpiresAt = time.Now()
			swapped, err := rpcLeases.CompareAndSwap(cmd.Context(), args[0], current.Term, released)
			if err != nil {
				return err
			}
			if !swapped {
				return fmt.Errorf("lease %q changed concurrently", args[0])
			}
			fmt.Println("released")
			return nil
		},
	}

	showCmd = &cobra.Command{
		Use:   "show <key>",
		Short: "Prints the current lease of a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			lease, found, err := rpcLeases.Load(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !found {
				fmt.Println("<not found>")
				return nil
			}
			return util.PrintYAML(struct {
				leader.Lease `yaml:",inline"`
				Valid        bool `yaml:"valid"`
			}{lease, lease.ValidAt(time.Now())})
		},
	}
)

func init() {
	util.SetupRPCClientFlags(LeaseCommands)

	key := "owner"
	LeaseCommands.PersistentFlags().String(key, "", util.WrapString("Owner id to acquire or release leases as (default: <hostname>-<random>)"))

	key = "duration"
	acquireCmd.Flags().Duration(key, 0, util.WrapString("Lease duration (default: the elector default)"))
	key = "hold"
	acquireCmd.Flags().Bool(key, false, util.WrapString("Keep renewing the lease until interrupted"))

	LeaseCommands.AddCommand(acquireCmd)
	LeaseCommands.AddCommand(releaseCmd)
	LeaseCommands.AddCommand(showCmd)
}

// setupLeaseClient initializes the RPC lease client
func setupLeaseClient(cmd *cobra.Command, _ []string) error {
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}
	if err := util.InitLogging(); err != nil {
		return err
	}

	s, err := util.GetSerializer()
	if err != nil {
		return err
	}

	rpcLeases, err = client.NewRPCLeaseStore(util.GetShardID(), *util.GetClientConfig(), util.GetTransport(), s)
	return err
}

// owner returns the configured owner id or derives one from the hostname
func owner() string {
	if o := viper.GetString("owner"); o != "" {
		return o
	}
	host, _ := os.Hostname()
	return host + "-" + uuid.NewString()[:8]
}
