// Package daemonrun hosts the foreground daemon process behind `stemdeck run`
// and `stemdeckd`: logging, pid file, ledger, daemon lifecycle, IPC socket
// and signal handling.
package daemonrun
