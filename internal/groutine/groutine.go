// Package groutine starts goroutines labelled for pprof, so session actors,
// discovery scans and write waiters are identifiable in profiles and dumps.
package groutine

import (
	"bytes"
	"context"
	"runtime"
	"runtime/pprof"
	"strconv"

	"github.com/sirupsen/logrus"
)

// LabelKey is the pprof label carrying the goroutine name
const LabelKey = "goroutine_name"

// Go starts fn on a new goroutine labelled with name.
//
//	groutine.Go(ctx, "session-actor", func(ctx context.Context) {
//	    // work
//	})
//
// A nil parent is treated as context.Background().
func Go(parent context.Context, name string, fn func(ctx context.Context)) {
	if parent == nil {
		parent = context.Background()
	}
	go pprof.Do(parent, pprof.Labels(LabelKey, name), fn)
}

// GoSafe is Go with panic recovery: a panic in fn is logged with the
// goroutine name instead of crashing the process.
func GoSafe(parent context.Context, logger *logrus.Logger, name string, fn func(ctx context.Context)) {
	Go(parent, name, func(ctx context.Context) {
		defer func() {
			if r := recover(); r != nil && logger != nil {
				logger.WithFields(logrus.Fields{
					"goroutine": name,
					"panic":     r,
				}).Error("Goroutine panicked")
			}
		}()
		fn(ctx)
	})
}

// GetGID returns the numeric ID of the calling goroutine.
// Used only to detect re-entrant calls from a goroutine that owns a mailbox.
func GetGID() uint64 {
	b := make([]byte, 64)
	b = b[:runtime.Stack(b, false)]
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	i := bytes.IndexByte(b, ' ')
	if i < 0 {
		return 0
	}
	gid, _ := strconv.ParseUint(string(b[:i]), 10, 64)
	return gid
}
