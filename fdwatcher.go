package dasynq

// FdWatcher multiplexes readiness on a single file descriptor. Exactly one
// of In/Out (or both) is requested via watchFlags; eventFlags accumulates
// the bits actually reported by the backend between dispatches.
type FdWatcher struct {
	watcherBase

	fd         int
	watchFlags WatchFlags
	eventFlags WatchFlags

	// Callback is invoked with the bits reported since the last
	// dispatch. It must not block.
	Callback func(l *Loop, fd int, events WatchFlags) Rearm

	// Removed, if set, is called exactly once after deregistration
	// completes and no dispatch of this watcher can still be running.
	Removed func()
}

// NewFdWatcher constructs an unregistered fd watcher.
func NewFdWatcher() *FdWatcher {
	return &FdWatcher{watcherBase: newWatcherBase(WatchFD)}
}

// Fd returns the watched descriptor, or -1 if unregistered.
func (w *FdWatcher) Fd() int {
	if !w.registered() {
		return -1
	}
	return w.fd
}

// Register adds this watcher to l for events on fd. If mayEmulate is true
// and the backend cannot natively watch fd, the loop synthesizes
// readiness by continuous re-queueing instead of returning
// [ErrFDUnsupported].
func (w *FdWatcher) Register(l *Loop, fd int, flags WatchFlags, enabled bool, mayEmulate bool) error {
	return l.RegisterFD(w, fd, flags, enabled, mayEmulate)
}

// SetEnabled toggles whether the watcher's backend filter is armed. It
// takes effect no later than the next dispatch cycle.
func (w *FdWatcher) SetEnabled(l *Loop, enabled bool) error {
	return l.setFdWatchEnabled(w, enabled)
}

// Deregister removes the watcher. Removed fires exactly once, after any
// in-flight dispatch of this watcher completes.
func (w *FdWatcher) Deregister(l *Loop) error {
	return l.DeregisterFD(w)
}

func (w *FdWatcher) dispatch(l *Loop) Rearm {
	events := w.eventFlags
	w.eventFlags = 0
	if w.Callback == nil {
		return DISARM
	}
	return w.Callback(l, w.fd, events)
}

func (w *FdWatcher) watchRemoved() {
	if w.Removed != nil {
		w.Removed()
	}
}

// BidiFdWatcher is a composite watcher exposing independent read-side and
// write-side callbacks for one descriptor. The output half is an embedded,
// independently addressable sub-watcher: the kernel (or the pselect
// emulation layer) is handed its address separately from the primary's,
// but both halves are registered and removed as a single unit, and the
// composite reports Removed exactly once, after both sides' in-flight
// dispatches complete.
type BidiFdWatcher struct {
	watcherBase // primary = input side

	fd int

	// watchFlags holds the flags passed to Register, covering both sides.
	watchFlags WatchFlags
	eventFlags WatchFlags

	secondary bidiSecondary

	readRemoved  bool
	writeRemoved bool

	// ReadCallback handles input-side readiness.
	ReadCallback func(l *Loop, fd int, events WatchFlags) Rearm
	// WriteCallback handles output-side readiness.
	WriteCallback func(l *Loop, fd int, events WatchFlags) Rearm

	// Removed fires exactly once, after both halves have been reported
	// removed.
	Removed func()
}

// bidiSecondary is the embedded output-side watcher. It has its own
// queueing state (active/deleteme/next) so it can be linked into the
// ready list independently of the primary, matching the original's
// by-value out_watcher member.
type bidiSecondary struct {
	watcherBase
	owner          *BidiFdWatcher
	ownerOutEvents WatchFlags
}

func (s *bidiSecondary) dispatch(l *Loop) Rearm {
	return s.owner.dispatchSecond(l)
}

// NewBidiFdWatcher constructs an unregistered bidirectional fd watcher.
func NewBidiFdWatcher() *BidiFdWatcher {
	w := &BidiFdWatcher{watcherBase: newWatcherBase(WatchBidiPrimary)}
	w.secondary = bidiSecondary{watcherBase: newWatcherBase(WatchBidiSecondary), owner: w}
	return w
}

// Fd returns the watched descriptor, or -1 if unregistered.
func (w *BidiFdWatcher) Fd() int {
	if !w.registered() {
		return -1
	}
	return w.fd
}

// Register adds this composite watcher to l for fd.
func (w *BidiFdWatcher) Register(l *Loop, fd int, flags WatchFlags, mayEmulate bool) error {
	return l.RegisterBidiFD(w, fd, flags, mayEmulate)
}

// SetOutWatchEnabled toggles just the write side.
func (w *BidiFdWatcher) SetOutWatchEnabled(l *Loop, enabled bool) error {
	return l.setBidiOutEnabled(w, enabled)
}

// SetWatches adjusts which sides (In/Out) are currently enabled.
func (w *BidiFdWatcher) SetWatches(l *Loop, mask WatchFlags) error {
	return l.setBidiWatches(w, mask)
}

// Deregister removes both halves as a unit.
func (w *BidiFdWatcher) Deregister(l *Loop) error {
	return l.DeregisterBidiFD(w)
}

func (w *BidiFdWatcher) dispatch(l *Loop) Rearm {
	events := w.eventFlags
	w.eventFlags = 0
	if w.ReadCallback == nil {
		return DISARM
	}
	return w.ReadCallback(l, w.fd, events)
}

func (w *BidiFdWatcher) dispatchSecond(l *Loop) Rearm {
	events := w.secondary.eventFlags()
	w.secondary.clearEventFlags()
	if w.WriteCallback == nil {
		return DISARM
	}
	return w.WriteCallback(l, w.fd, events)
}

func (w *BidiFdWatcher) watchRemoved() {
	if w.readRemoved && w.writeRemoved && w.Removed != nil {
		w.Removed()
	}
}

// eventFlags/clearEventFlags read and reset the OUT bits accumulated in
// the secondary's own ownerOutEvents field, kept apart from the primary's
// eventFlags so the two sides stay independently queueable.
func (s *bidiSecondary) eventFlags() WatchFlags { return s.ownerOutEvents }

func (s *bidiSecondary) clearEventFlags() { s.ownerOutEvents = 0 }
