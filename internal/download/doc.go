// Package download implements the download executor.
//
// An Executor resolves the source location for a job, clears the previous
// attempt's partial output, and hands the transfer to a Fetcher with a fixed
// number of transient retries. HTTPFetcher streams the source directly and
// resumes with a Range request after an interrupted read; CommandFetcher
// shells out to a yt-dlp style binary and parses its "[download] N%" lines.
// The finished artifact must exist and meet the configured minimum size.
package download
