package dasynq

import (
	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// loopOptions holds resolved Loop construction configuration.
type loopOptions struct {
	logger          *logiface.Logger[*stumpy.Event]
	defaultPriority int
	childReapMode   ChildReapMode
}

// ChildReapMode is the child-reaping configuration passed to the backend.
// Every backend detects terminated children with a SIGCHLD-driven
// wait4(-1, WNOHANG) loop whatever the mode; no backend registers a
// native per-process exit filter. The only effect of the mode is on the
// kqueue backend's SupportsChildWatchReservation result.
type ChildReapMode int

const (
	// ChildReapAuto is the default. On kqueue,
	// SupportsChildWatchReservation reports true.
	ChildReapAuto ChildReapMode = iota
	// ChildReapSoftware makes kqueue's SupportsChildWatchReservation
	// report false. Reaping is the SIGCHLD + wait4 loop in either mode.
	ChildReapSoftware
)

// LoopOption configures a Loop at construction time, via New.
type LoopOption interface {
	applyLoop(*loopOptions)
}

type loopOptionImpl struct {
	applyLoopFunc func(*loopOptions)
}

func (o *loopOptionImpl) applyLoop(opts *loopOptions) { o.applyLoopFunc(opts) }

// WithLogger directs the loop's internal diagnostics (backend errors,
// dispatch batch sizes, timer arm/disarm, signal and child reap events) to
// logger. Absent this option, logging is a no-op.
func WithLogger(logger *logiface.Logger[*stumpy.Event]) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) {
		opts.logger = logger
	}}
}

// WithDefaultPriority records a default watcher priority in the loop's
// configuration (DefaultPriority, 50, when not given). Watchers are
// constructed without a loop and start at DefaultPriority, and nothing
// reads the recorded value, so this option does not change any watcher's
// priority.
func WithDefaultPriority(priority int) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) {
		opts.defaultPriority = priority
	}}
}

// WithChildReaper sets the ChildReapMode passed to the backend; see
// ChildReapMode for what it does and does not change.
func WithChildReaper(mode ChildReapMode) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) {
		opts.childReapMode = mode
	}}
}

func resolveLoopOptions(opts []LoopOption) *loopOptions {
	cfg := &loopOptions{
		defaultPriority: DefaultPriority,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt.applyLoop(cfg)
	}
	return cfg
}
