package dasynq

// WatchType tags which kind of event a watcher multiplexes. It mirrors the
// original project's watch_type_t (dasynq-basewatchers.h): SIGNAL, FD,
// CHILD, SECONDARYFD, TIMER, with BidiFD split into its own primary tag
// here for clarity at the call site.
type WatchType int

const (
	WatchSignal WatchType = iota
	WatchFD
	WatchBidiPrimary
	WatchBidiSecondary
	WatchChild
	WatchTimer
)

func (t WatchType) String() string {
	switch t {
	case WatchSignal:
		return "signal"
	case WatchFD:
		return "fd"
	case WatchBidiPrimary:
		return "bidi-fd-primary"
	case WatchBidiSecondary:
		return "bidi-fd-secondary"
	case WatchChild:
		return "child"
	case WatchTimer:
		return "timer"
	default:
		return "unknown"
	}
}

// WatchFlags is the flag vocabulary shared by registration calls and the
// event bits reported by a backend.
type WatchFlags uint32

const (
	// In requests or reports readability.
	In WatchFlags = 1 << iota
	// Out requests or reports writability.
	Out
	// OneShot is accepted in registration flags and stored with them, but
	// no backend acts on it: the watch is not disabled after its first
	// reported event. A handler that wants no further events returns
	// DISARM.
	OneShot
	// MultiWatch applies to bidi fd watchers: both the read and write
	// halves may be reported in the same dispatch cycle without either
	// disabling the other. It corresponds to the original's multi_watch
	// flag; its value here is 8, since OneShot takes 4.
	MultiWatch
)

// Rearm is the re-arm decision a watcher's handler returns, telling the
// dispatch layer what to do with the watcher's backend state once the
// handler returns.
type Rearm int

const (
	// REARM re-enables the backend filter so the watcher fires again.
	REARM Rearm = iota
	// DISARM leaves the backend filter disabled, but the watcher remains
	// registered and may be re-enabled later.
	DISARM
	// NOOP leaves backend state untouched; the caller is expected to
	// manage it (e.g. it already called SetEnabled from the handler).
	NOOP
	// REMOVE deregisters the watcher and invokes its Removed callback.
	REMOVE
)

func (r Rearm) String() string {
	switch r {
	case REARM:
		return "REARM"
	case DISARM:
		return "DISARM"
	case NOOP:
		return "NOOP"
	case REMOVE:
		return "REMOVE"
	default:
		return "unknown"
	}
}

// DefaultPriority is the priority assigned to a newly constructed watcher
// absent an explicit SetPriority call; lower priorities dispatch earlier.
// Matches the original's DEFAULT_PRIORITY = 50.
const DefaultPriority = 50

// watcher is the common interface the dispatch layer uses to drive any
// registered watcher, regardless of kind.
type watcher interface {
	base() *watcherBase
	// dispatch runs the user handler for the primary (or only) half of
	// the watcher and returns the re-arm decision. Called with no locks
	// held.
	dispatch(l *Loop) Rearm
}

// bidiWatcher is implemented additionally by watchers that have an
// independent output-side dispatch (bidi fd watchers).
type bidiWatcher interface {
	watcher
	dispatchSecond(l *Loop) Rearm
}

// watcherBase is embedded by every concrete watcher type. Its fields are
// guarded by the owning Loop's dispatch lock once the watcher is
// registered; before registration and after Removed fires they belong
// solely to the caller.
type watcherBase struct {
	watchType WatchType

	active         bool // queued for dispatch or handler currently executing
	deleteme       bool // deregister once handler finishes
	emulateFD      bool // backend cannot natively watch this descriptor
	emulateEnabled bool // whether an emulated watch is currently enabled

	priority int

	// next links this watcher into the loop's ready list. Only valid
	// while queued; owned by the dispatch lock.
	next   watcher
	queued bool
	loop   *Loop
}

func newWatcherBase(t WatchType) watcherBase {
	return watcherBase{watchType: t, priority: DefaultPriority}
}

func (b *watcherBase) base() *watcherBase { return b }

// Priority returns the watcher's current dispatch priority. Lower values
// dispatch earlier within a batch.
func (b *watcherBase) Priority() int { return b.priority }

// SetPriority changes the watcher's dispatch priority. It only affects
// future batches; it is safe to call at any time, including from the
// watcher's own handler, but takes effect no earlier than the next time
// the watcher is queued.
func (b *watcherBase) SetPriority(p int) { b.priority = p }

// Type reports which kind of event this watcher multiplexes.
func (b *watcherBase) Type() WatchType { return b.watchType }

// registered reports whether this watcher base currently belongs to a
// Loop (from Register* until Removed fires).
func (b *watcherBase) registered() bool { return b.loop != nil }
