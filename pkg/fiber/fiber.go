// Package fiber runs cooperative tasks on a fixed set of runners.
//
// A Runner owns one OS thread and a bounded pool of frames. Exactly one frame
// executes on a runner at any time; a frame gives control back by finishing,
// by calling Yield or Wait, or by moving to another runner with SwitchTo.
// Control is handed between the runner and its frames over channels, so a
// frame never runs concurrently with another frame of the same runner.
//
// Sync, SingleSem and Lock park the calling frame instead of blocking the
// runner. Called with a nil frame they block the calling goroutine, which
// lets ordinary goroutines share them with fibers.
package fiber

import (
	"errors"

	"github.com/KevoDB/indy/pkg/common/log"
)

const (
	// DefaultFramesPerRunner bounds the frames each runner may have latched at once
	DefaultFramesPerRunner = 20
	// DefaultStackSize is the stack budget recorded for each frame. It is
	// advisory: frames run on goroutines, whose stacks the Go runtime grows
	// on demand, so nothing enforces it per frame.
	DefaultStackSize = 8 * 1024 * 1024
)

var (
	// ErrShutDown is returned when work is scheduled on a runner that is stopping
	ErrShutDown = errors.New("fiber: runner is shut down")
)

type options struct {
	framesPerRunner int
	stackSize       int
	logger          log.Logger
}

// Option configures runners created by a RunnerCons or RunnerPool
type Option func(*options)

// WithFramesPerRunner sets the size of each runner's frame pool
func WithFramesPerRunner(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.framesPerRunner = n
		}
	}
}

// WithStackSize sets the advisory stack size recorded for every frame
func WithStackSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.stackSize = n
		}
	}
}

// WithLogger sets the logger runners report to
func WithLogger(logger log.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

func buildOptions(opts []Option) options {
	o := options{
		framesPerRunner: DefaultFramesPerRunner,
		stackSize:       DefaultStackSize,
	}
	for _, opt := range opts {
		opt(&o)
	}
	o.logger = log.ForComponent(o.logger, "fiber")
	return o
}
