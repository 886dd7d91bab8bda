// Package daemonctl starts, stops and inspects the stemdeck daemon process
// from the CLI: detached launch, socket polling, graceful stop with a forced
// kill fallback, and an offline status snapshot read straight from the ledger.
package daemonctl
