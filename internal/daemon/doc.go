// Package daemon coordinates the long-running shepherd process.
//
// It wires configuration, the scheduler, the pipeline and its driver, the
// history journal, and metrics into a single lifecycle with flock-based
// locking so only one daemon runs per project. The optional HTTP API serves
// live snapshots taken on the scheduler loop plus Prometheus metrics.
//
// Keep orchestration here: state handling lives in the pipeline package and
// tool invocation in the services packages, while the daemon focuses on
// startup, shutdown, and high level coordination.
package daemon
