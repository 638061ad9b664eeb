package dasynq

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWaitQueueUncontendedPollThenMutate(t *testing.T) {
	l, tb := newTestLoop()
	q := l.wait

	require.NoError(t, q.acquireForPoll())
	q.release()

	require.NoError(t, q.acquireForMutate())
	q.release()

	_ = tb
}

func TestWaitQueueInterruptsBlockedPoller(t *testing.T) {
	l, tb := newTestLoop()
	q := l.wait

	require.NoError(t, q.acquireForPoll())

	var mutateDone sync.WaitGroup
	mutateDone.Add(1)
	go func() {
		defer mutateDone.Done()
		require.NoError(t, q.acquireForMutate())
		q.release()
	}()

	// give the mutator a chance to enqueue and observe the poller holds
	// attention; it must not complete until release() runs below.
	time.Sleep(20 * time.Millisecond)

	q.release()
	mutateDone.Wait()

	tb.mu.Lock()
	calls := tb.interruptCalls
	tb.mu.Unlock()
	require.GreaterOrEqual(t, calls, 1)
}

func TestWaitQueuePollWaitMigratesOnlyOnceAttentionDrains(t *testing.T) {
	l, _ := newTestLoop()
	q := l.wait

	require.NoError(t, q.acquireForMutate())

	var pollAcquired sync.WaitGroup
	pollAcquired.Add(1)
	go func() {
		defer pollAcquired.Done()
		require.NoError(t, q.acquireForPoll())
		q.release()
	}()

	time.Sleep(10 * time.Millisecond)
	q.mu.Lock()
	require.Len(t, q.pollWait, 1)
	q.mu.Unlock()

	q.release()
	pollAcquired.Wait()

	q.mu.Lock()
	require.Empty(t, q.attention)
	require.Empty(t, q.pollWait)
	q.mu.Unlock()
}
