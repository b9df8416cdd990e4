package replica

import (
	"fmt"

	"github.com/ValentinKolb/dSync/cmd/util"
	"github.com/ValentinKolb/dSync/rpc/client"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	rpcReplica *client.RPCReplica

	// ReplicaCommands represents the replica command group
	ReplicaCommands = &cobra.Command{
		Use:               "replica",
		Short:             "Inspect the remote replica of a dSync server",
		PersistentPreRunE: setupReplicaClient,
	}

	probeCmd = &cobra.Command{
		Use:   "probe",
		Short: "Checks whether the replica is reachable",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			res, err := rpcReplica.Probe(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("reachable (rtt %s)\n", res.RTT)
			return nil
		},
	}

	pullCmd = &cobra.Command{
		Use:   "pull",
		Short: "Prints the documents changed after a checkpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			res, err := rpcReplica.Pull(cmd.Context(), viper.GetUint64("since"), viper.GetInt("limit"))
			if err != nil {
				return err
			}
			return util.PrintYAML(res)
		},
	}
)

func init() {
	util.SetupRPCClientFlags(ReplicaCommands)

	pullCmd.Flags().Uint64("since", 0, util.WrapString("Checkpoint to pull from (0 = everything)"))
	pullCmd.Flags().Int("limit", 100, util.WrapString("Maximum number of documents"))

	ReplicaCommands.AddCommand(probeCmd)
	ReplicaCommands.AddCommand(pullCmd)
	ReplicaCommands.AddCommand(perfTestCmd)
}

// setupReplicaClient initializes the RPC replica client
func setupReplicaClient(cmd *cobra.Command, _ []string) error {
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

	rpcReplica, err = client.NewRPCReplica(util.GetShardID(), *util.GetClientConfig(), util.GetTransport(), s)
	return err
}
