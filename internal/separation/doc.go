// Package separation runs the separation engine for extraction jobs.
//
// The executor resolves the input artifact (explicit path, or the latest
// completed download of the same content), runs the engine with the
// configured argument template in a per-job work directory, streams its
// percentage output as progress, and moves the produced audio files into
// <stems_dir>/<content>/<model>/.
package separation
