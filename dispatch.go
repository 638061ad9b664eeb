package dasynq

import "time"

// The ready queue is a literal singly-linked list threaded through each
// watcher's watcherBase.next, exactly as described for the dispatch layer:
// production (receiveFdEvent/receiveSignal/receiveChildStat/timer expiry)
// links watchers in under the dispatch lock; consumption
// (processEvents) splices the whole list out under the same lock and
// walks it once. Priority ordering within a batch is applied with a
// stable sort at drain time rather than by making the ready queue itself
// a priority queue — see DESIGN.md for why.

// queueReady appends w to the ready list if it isn't already linked.
// Must be called with l.mu held.
func (l *Loop) queueReady(w watcher) {
	b := w.base()
	if b.queued {
		return
	}
	b.queued = true
	b.next = nil
	if l.readyTail == nil {
		l.readyHead = w
	} else {
		l.readyTail.base().next = w
	}
	l.readyTail = w
}

func (l *Loop) receiveFdEvent(fd int, w watcher, events WatchFlags) {
	l.mu.Lock()
	defer l.mu.Unlock()

	b := w.base()
	if b.deleteme {
		return
	}
	switch ww := w.(type) {
	case *FdWatcher:
		ww.eventFlags |= events
	case *BidiFdWatcher:
		ww.eventFlags |= events
	case *bidiSecondary:
		ww.ownerOutEvents |= events
	}
	b.active = true
	l.queueReady(w)
}

func (l *Loop) receiveSignal(signo int, info SigInfo) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.signals.get(signo)
	if !ok {
		return false
	}
	b := &w.watcherBase
	if b.deleteme {
		return false
	}
	w.siginfo = info
	b.active = true
	l.queueReady(w)
	l.logger.signalReceived(signo)
	return true
}

func (l *Loop) receiveChildStat(pid, status int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.children.get(pid)
	if !ok {
		return
	}
	b := &w.watcherBase
	if b.deleteme {
		return
	}
	w.terminated = true
	w.status = status
	b.active = true
	l.queueReady(w)
	l.logger.childReaped(pid, status)
}

// receiveTimerExpiry drains every timer on clock whose deadline has
// passed, per §4.5: one-shot timers are pulled from the queue; periodic
// timers are re-heaped at their next deadline after accounting for any
// overrun. A disabled timer keeps accumulating expiryCount without being
// queued for dispatch.
func (l *Loop) receiveTimerExpiry(clock ClockKind, now time.Time) {
	l.mu.Lock()
	tc := l.timerClock(clock)

	for {
		deadline, ok := tc.nextDeadline()
		if !ok || deadline.After(now) {
			break
		}
		h := tc.queue.GetRoot()
		tw := tc.queue.Value(h)

		if tw.interval <= 0 {
			tc.queue.PullRoot()
			tw.expiryCount++
		} else {
			overrun, next := computeOverrun(now, deadline, tw.interval)
			tw.expiryCount += overrun
			tc.queue.SetPriority(h, next)
		}

		if tw.enabled {
			b := &tw.watcherBase
			if !b.deleteme {
				b.active = true
				l.queueReady(tw)
			}
		}
	}

	var next time.Time
	if deadline, ok := tc.nextDeadline(); ok {
		next = deadline
	}
	l.mu.Unlock()

	if err := l.backend.ArmTimer(clock, next); err != nil {
		l.logger.backendError("ArmTimer", err)
	}
}

// log satisfies the dispatcher interface.
func (l *Loop) log() loopLogger { return l.logger }

// processEvents implements the five-step batch dispatch algorithm: splice
// the ready list out, filter deleted entries, dispatch survivors in
// priority order (lock released), then reacquire the lock to apply each
// watcher's re-arm decision. Returns true iff at least one watcher was
// dispatched.
func (l *Loop) processEvents() bool {
	l.mu.Lock()
	batch := l.drainReadyLocked()
	l.mu.Unlock()

	if len(batch) == 0 {
		return false
	}

	var survivors []watcher
	for _, w := range batch {
		b := w.base()
		l.mu.Lock()
		deleted := b.deleteme
		b.queued = false
		b.next = nil
		l.mu.Unlock()
		if deleted {
			l.finishRemoval(w)
			continue
		}
		survivors = append(survivors, w)
	}

	if len(survivors) == 0 {
		return false
	}

	stableSortByPriority(survivors)

	for _, w := range survivors {
		decision := w.dispatch(l)
		l.applyRearm(w, decision)
	}

	l.logger.dispatch("batch dispatched", len(survivors))
	return true
}

// drainReadyLocked splices the entire ready list out as a slice. Each
// watcher in it was already marked active when it was queued. Must be
// called with l.mu held.
func (l *Loop) drainReadyLocked() []watcher {
	var batch []watcher
	for w := l.readyHead; w != nil; w = w.base().next {
		batch = append(batch, w)
	}
	l.readyHead = nil
	l.readyTail = nil
	return batch
}

// stableSortByPriority reorders ws by ascending priority, preserving
// relative order among equal priorities (insertion-into-ready-list order).
func stableSortByPriority(ws []watcher) {
	for i := 1; i < len(ws); i++ {
		w := ws[i]
		p := w.base().priority
		j := i - 1
		for j >= 0 && ws[j].base().priority > p {
			ws[j+1] = ws[j]
			j--
		}
		ws[j+1] = w
	}
}

// applyRearm reacquires the dispatch lock, clears active, and applies the
// watcher's re-arm decision to the backend, overriding it to REMOVE if
// deregistration was requested mid-dispatch. The backend mutation itself
// runs under the attention lock, same as every Register/Deregister path,
// since only its holder may call backend mutation methods.
func (l *Loop) applyRearm(w watcher, decision Rearm) {
	b := w.base()

	l.mu.Lock()
	b.active = false
	if b.deleteme {
		decision = REMOVE
	}
	l.mu.Unlock()

	if decision == NOOP {
		return
	}

	if err := l.wait.acquireForMutate(); err != nil {
		l.logger.backendError("acquireForMutate", err)
		return
	}
	defer l.wait.release()

	switch decision {
	case REARM:
		l.rearmWatcher(w)
	case DISARM:
		l.disarmWatcher(w)
	case REMOVE:
		l.removeWatcherLocked(w)
		l.finishRemoval(w)
	}
}
