// Package logstream drives the tail loop behind `stemdeck logs`.
package logstream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"stemdeck/internal/ipc"
	"stemdeck/internal/logs"
)

// TailClient captures the log tail contract. *ipc.Client satisfies it; File
// provides the same contract over the log file when the daemon is down.
type TailClient interface {
	LogTail(req ipc.LogTailRequest) (*ipc.LogTailResponse, error)
}

// Options controls stream behavior.
type Options struct {
	// Lines is the number of trailing lines shown first; 0 shows the whole log.
	Lines  int
	Follow bool
	JobID  string
}

// Stream emits log lines until the tail is exhausted, or with Follow until
// ctx is done. It returns true when at least one line was emitted.
func Stream(ctx context.Context, client TailClient, opts Options, onLine func(string)) (bool, error) {
	if client == nil {
		return false, errors.New("log source is required")
	}
	limit := max(opts.Lines, 0)
	offset := int64(-1)
	if limit == 0 {
		offset = 0
	}

	printed := false
	for {
		resp, err := client.LogTail(ipc.LogTailRequest{
			Offset:     offset,
			Limit:      limit,
			Follow:     opts.Follow,
			WaitMillis: 1000,
			JobID:      opts.JobID,
		})
		if err != nil {
			return printed, fmt.Errorf("tail logs: %w", err)
		}
		if resp == nil {
			return printed, errors.New("log tail response missing")
		}
		for _, line := range resp.Lines {
			if onLine != nil {
				onLine(line)
			}
			printed = true
		}
		offset = resp.Offset
		limit = 0
		if !opts.Follow {
			return printed, nil
		}
		select {
		case <-ctx.Done():
			return printed, nil
		default:
		}
	}
}

// File tails a log file directly.
type File struct {
	ctx  context.Context
	path string
}

// NewFile returns a TailClient reading path. ctx bounds follow waits.
func NewFile(ctx context.Context, path string) *File {
	return &File{ctx: ctx, path: path}
}

// LogTail implements TailClient.
func (f *File) LogTail(req ipc.LogTailRequest) (*ipc.LogTailResponse, error) {
	result, err := logs.Tail(f.ctx, f.path, logs.TailOptions{
		Offset: req.Offset,
		Limit:  req.Limit,
		Follow: req.Follow,
		Wait:   time.Duration(req.WaitMillis) * time.Millisecond,
		Match:  req.JobID,
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return &ipc.LogTailResponse{Offset: result.Offset}, nil
		}
		return nil, err
	}
	return &ipc.LogTailResponse{Lines: result.Lines, Offset: result.Offset}, nil
}
