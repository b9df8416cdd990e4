// Package client implements the RPC clients a dSync context uses to reach a
// dSync server: RPCReplica implements replica.IReplica and RPCLeaseStore
// implements leader.ILeaseStore.
//
// Failures are mapped onto the model error taxonomy, so the circuit
// breakers and the replication orchestrator treat a remote server like any
// other replica: transport failures are transient, protocol mismatches are
// unrecoverable.
//
// Usage Example:
//
//	config := common.ClientConfig{
//	  Endpoints:     []string{"localhost:8080"},
//	  TimeoutSecond: 5,
//	  RetryCount:    3,
//	}
//
//	remote, _ := client.NewRPCReplica(100, config, http.NewHttpClientTransport(), serializer.NewJSONSerializer())
//	leases, _ := client.NewRPCLeaseStore(100, config, http.NewHttpClientTransport(), serializer.NewJSONSerializer())
//
//	o, _ := orchestrator.New(orchestrator.DefaultConfig(""), orchestrator.Deps{
//	  Store:  store,
//	  Remote: remote,
//	  Leases: leases,
//	})
//
// Thread Safety:
//
//	All client implementations are thread-safe and can be used concurrently from
//	multiple goroutines without additional synchronization.
package client
