// Package-level structured logging. Every component logs through a single
// *logiface.Logger[*stumpy.Event], configured once at Loop construction via
// WithLogger; absent that, a disabled logger drops everything at zero cost.
package dasynq

import (
	"io"
	"os"
	"sync/atomic"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// Log categories, attached as the "category" field on every entry so a
// consumer can filter backend noise from timer noise from dispatch noise.
const (
	logCategoryBackend  = "backend"
	logCategoryDispatch = "dispatch"
	logCategoryTimer    = "timer"
	logCategorySignal   = "signal"
	logCategoryChild    = "child"
)

// NewJSONLogger builds a logiface logger writing newline-delimited JSON to
// w, suitable for passing to WithLogger. level uses logiface's syslog-style
// level vocabulary (logiface.LevelInformational, logiface.LevelDebug, ...).
func NewJSONLogger(w io.Writer, level logiface.Level) *logiface.Logger[*stumpy.Event] {
	if w == nil {
		w = os.Stderr
	}
	return stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(w)),
		stumpy.L.WithLevel(level),
	)
}

// disabledLogger never writes anything; it's the default until WithLogger
// supplies a real one.
var disabledLogger = stumpy.L.New(stumpy.L.WithLevel(logiface.LevelDisabled))

// loopLogger wraps the configured *logiface.Logger[*stumpy.Event] with the
// small set of helpers the rest of the package calls; it exists so call
// sites read "l.logger.backendError(...)" instead of re-deriving the category
// field and builder chain at every call site.
type loopLogger struct {
	base *logiface.Logger[*stumpy.Event]
}

func newLoopLogger(base *logiface.Logger[*stumpy.Event]) loopLogger {
	if base == nil {
		base = disabledLogger
	}
	return loopLogger{base: base}
}

func (l loopLogger) backend(msg string) {
	l.base.Debug().Str("category", logCategoryBackend).Log(msg)
}

func (l loopLogger) backendError(op string, err error) {
	l.base.Err().Str("category", logCategoryBackend).Str("op", op).Err(err).Log("backend operation failed")
}

func (l loopLogger) dispatch(msg string, watcherCount int) {
	l.base.Debug().Str("category", logCategoryDispatch).Int("watchers", watcherCount).Log(msg)
}

func (l loopLogger) timerArmed(clock ClockKind) {
	l.base.Trace().Str("category", logCategoryTimer).Str("clock", clock.String()).Log("timer armed")
}

func (l loopLogger) signalReceived(signo int) {
	l.base.Debug().Str("category", logCategorySignal).Int("signo", signo).Log("signal received")
}

func (l loopLogger) childReaped(pid, status int) {
	l.base.Debug().Str("category", logCategoryChild).Int("pid", pid).Int("status", status).Log("child reaped")
}

// droppedWakeups is a counter for eventfd/self-pipe writes that observe
// EAGAIN. writeWake treats EAGAIN as success and does not increment it, so
// it stays at zero.
var droppedWakeups atomic.Uint64
