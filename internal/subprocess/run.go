package subprocess

import (
	"context"
	"time"
)

// Run starts the command, hands every output line to onLine, and returns the
// exit error. When ctx ends first the process is stopped (see Stop) and the
// context cause is returned instead.
func Run(ctx context.Context, opts Options, grace time.Duration, onLine func(string)) error {
	if err := context.Cause(ctx); err != nil {
		return err
	}
	p, err := Start(opts)
	if err != nil {
		return err
	}
	for {
		ev := p.Next(ctx)
		switch ev.Kind {
		case EventLine:
			if onLine != nil {
				onLine(ev.Line)
			}
		case EventExit:
			return ev.Err
		case EventDone:
			_ = p.Stop(ev.Err, grace)
			return ev.Err
		}
	}
}
