// Package analysis runs the optional post-download analysis engine and
// attaches its JSON metadata to the download's ledger record. Analysis is
// best effort: it runs in the background after a download completes and its
// failures are logged and counted but never change the job's outcome.
package analysis
