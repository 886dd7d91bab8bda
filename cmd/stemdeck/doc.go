// Package main implements the stemdeck command-line client.
//
// Job commands (submit, status, cancel, retry, list, forget) talk to a
// running daemon over its unix socket. The daemon itself runs under
// `stemdeck run`, usually launched in the background by `stemdeck daemon
// start`. Ledger maintenance commands operate on the database directly and
// refuse to run while a daemon holds the instance lock.
package main
