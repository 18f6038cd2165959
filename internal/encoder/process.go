// Package encoder supervises the external encoding process that turns
// completed frames into the outbound stream.
//
// The encoder is opaque: a Launcher starts a Process with whatever
// arguments it was configured with, and the Supervisor only writes frame
// bytes to it, watches for it to exit, and relaunches it within a bounded
// restart budget.
package encoder

import (
	"context"
	"time"
)

// Launcher starts encoder processes. Every call starts a fresh process with
// identical configuration.
type Launcher interface {
	Start(ctx context.Context) (Process, error)
}

// Process is one running encoder instance.
type Process interface {
	// ID identifies this instance in logs and status output.
	ID() string
	// StartedAt is when the process was launched.
	StartedAt() time.Time
	// Write feeds bytes to the process input stream.
	Write(p []byte) (int, error)
	// Stop requests graceful termination and forces it if the process
	// has not exited when the grace period or ctx ends.
	Stop(ctx context.Context) error
	// Done is closed once the process has exited.
	Done() <-chan struct{}
	// Err reports how the process exited. Valid after Done is closed; nil
	// for a clean exit.
	Err() error
}
