package dasynq

import (
	"sync/atomic"
)

// LoopState is the lifecycle state of a Loop.
//
//	StateAwake (0) -> StateRunning (3)        [Run starts]
//	StateRunning (3) -> StateSleeping (2)     [blocking in the backend]
//	StateRunning (3) -> StateTerminating (4)  [Close]
//	StateSleeping (2) -> StateRunning (3)     [woken, dispatching]
//	StateSleeping (2) -> StateTerminating (4) [Close]
//	StateTerminating (4) -> StateTerminated (1)
//	StateTerminated (1) -> (terminal)
//
// Use TryTransition (CAS) for the reversible Running/Sleeping states; use
// Store only for the one-way transitions into StateTerminating and
// StateTerminated.
type LoopState uint64

const (
	StateAwake LoopState = 0
	// StateTerminated is 1 and StateSleeping is 2 (rather than the more
	// obvious 0,1,2,3 ordering) so that a stray zero-value FastState never
	// reads as terminated.
	StateTerminated  LoopState = 1
	StateSleeping    LoopState = 2
	StateRunning     LoopState = 3
	StateTerminating LoopState = 4
)

func (s LoopState) String() string {
	switch s {
	case StateAwake:
		return "Awake"
	case StateRunning:
		return "Running"
	case StateSleeping:
		return "Sleeping"
	case StateTerminating:
		return "Terminating"
	case StateTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// FastState is a lock-free state machine: a single atomic word, no mutex,
// cache-line padded so it doesn't false-share with neighboring fields in
// Loop.
type FastState struct { //nolint:structcheck
	_ [64]byte
	v atomic.Uint64
	_ [56]byte
}

func NewFastState() *FastState {
	s := &FastState{}
	s.v.Store(uint64(StateAwake))
	return s
}

func (s *FastState) Load() LoopState { return LoopState(s.v.Load()) }

func (s *FastState) Store(state LoopState) { s.v.Store(uint64(state)) }

// TryTransition atomically moves from one specific state to another.
func (s *FastState) TryTransition(from, to LoopState) bool {
	return s.v.CompareAndSwap(uint64(from), uint64(to))
}

// TransitionAny tries each candidate source state in turn, committing to
// the first one that CASes successfully.
func (s *FastState) TransitionAny(validFrom []LoopState, to LoopState) bool {
	for _, from := range validFrom {
		if s.v.CompareAndSwap(uint64(from), uint64(to)) {
			return true
		}
	}
	return false
}

func (s *FastState) IsTerminal() bool { return s.Load() == StateTerminated }

func (s *FastState) IsRunning() bool {
	state := s.Load()
	return state == StateRunning || state == StateSleeping
}

func (s *FastState) CanAcceptWork() bool {
	state := s.Load()
	return state == StateAwake || state == StateRunning || state == StateSleeping
}
