// Package cmd implements the command-line interface of dSync. It provides a
// hierarchical command structure for running the server and for driving
// contexts, leases and replicas against it.
//
// The package is organized into several subpackages:
//
//   - serve: Commands for starting and configuring the dSync server
//   - tab: Commands that run one local-first context (write, read, status, resolve, watch, ...)
//   - lease: Commands for leader leases (acquire, release, show)
//   - replica: Commands for the remote replica (probe, pull, perf)
//   - util: Shared utilities for command-line processing and configuration (internal use)
//
// See dsync -help for a list of all commands.
package cmd
