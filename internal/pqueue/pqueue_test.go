package pqueue

import (
	"math/rand"
	"testing"
)

func intLess(a, b int) bool { return a < b }

func TestQueue_InsertRootOrder(t *testing.T) {
	q := New[string, int](intLess)

	hA := q.Allocate("a")
	hB := q.Allocate("b")
	hC := q.Allocate("c")

	if became := q.Insert(hB, 5); !became {
		t.Fatalf("first insert should become root")
	}
	if became := q.Insert(hA, 10); became {
		t.Fatalf("10 should not beat root 5")
	}
	if became := q.Insert(hC, 1); !became {
		t.Fatalf("1 should become new root")
	}

	if got := q.Value(q.GetRoot()); got != "c" {
		t.Fatalf("root = %q, want c", got)
	}
}

func TestQueue_StableOrderingOnTies(t *testing.T) {
	q := New[int, int](intLess)

	var handles []Handle
	for i := 0; i < 10; i++ {
		h := q.Allocate(i)
		q.Insert(h, 100) // all equal priority
		handles = append(handles, h)
	}

	for i := 0; i < 10; i++ {
		root := q.GetRoot()
		if got := q.Value(root); got != i {
			t.Fatalf("pull order[%d] = %d, want %d (FIFO on ties)", i, got, i)
		}
		q.PullRoot()
	}
	if !q.Empty() {
		t.Fatalf("expected empty queue after draining")
	}
	_ = handles
}

func TestQueue_SetPriorityReheaps(t *testing.T) {
	q := New[string, int](intLess)

	hA := q.Allocate("a")
	hB := q.Allocate("b")
	q.Insert(hA, 10)
	q.Insert(hB, 20)

	if q.Value(q.GetRoot()) != "a" {
		t.Fatalf("expected a as root")
	}

	if became := q.SetPriority(hB, 1); !became {
		t.Fatalf("lowering b's priority below a should make it root")
	}
	if q.Value(q.GetRoot()) != "b" {
		t.Fatalf("expected b as root after SetPriority")
	}

	if became := q.SetPriority(hB, 100); became {
		t.Fatalf("raising b's priority should not keep it root")
	}
	if q.Value(q.GetRoot()) != "a" {
		t.Fatalf("expected a as root again")
	}
}

func TestQueue_RemoveByHandle(t *testing.T) {
	q := New[int, int](intLess)

	var handles []Handle
	for i := 0; i < 5; i++ {
		h := q.Allocate(i)
		q.Insert(h, i)
		handles = append(handles, h)
	}

	q.Remove(handles[2]) // remove value 2
	if q.IsQueued(handles[2]) {
		t.Fatalf("handle should no longer be queued")
	}

	var drained []int
	for !q.Empty() {
		drained = append(drained, q.Value(q.PullRoot()))
	}
	want := []int{0, 1, 3, 4}
	if len(drained) != len(want) {
		t.Fatalf("drained = %v, want %v", drained, want)
	}
	for i := range want {
		if drained[i] != want[i] {
			t.Fatalf("drained = %v, want %v", drained, want)
		}
	}
}

func TestQueue_AllocateDeallocateReusesSlots(t *testing.T) {
	q := New[int, int](intLess)

	h := q.Allocate(1)
	q.Deallocate(h)

	h2 := q.Allocate(2)
	if h2 != h {
		t.Fatalf("expected freed slot %v to be reused, got %v", h, h2)
	}
}

func TestQueue_RandomizedMatchesMinimum(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	q := New[int, int](intLess)

	const n = 500
	priorities := make([]int, n)
	handles := make([]Handle, n)
	for i := range priorities {
		priorities[i] = rng.Intn(1000)
		handles[i] = q.Allocate(i)
		q.Insert(handles[i], priorities[i])
	}

	removed := make([]bool, n)
	for step := 0; step < n; step++ {
		min := -1
		for i := 0; i < n; i++ {
			if removed[i] {
				continue
			}
			if min == -1 || priorities[i] < priorities[min] {
				min = i
			}
		}

		root := q.GetRoot()
		gotIdx := q.Value(root)
		if priorities[gotIdx] != priorities[min] {
			t.Fatalf("step %d: root priority %d, want minimum %d", step, priorities[gotIdx], priorities[min])
		}
		removed[gotIdx] = true
		q.PullRoot()
	}
	if !q.Empty() {
		t.Fatalf("expected queue fully drained")
	}
}

func TestQueue_CapacityShrinksOnDrain(t *testing.T) {
	q := New[int, int](intLess)

	const n = 1000
	handles := make([]Handle, n)
	for i := 0; i < n; i++ {
		handles[i] = q.Allocate(i)
		q.Insert(handles[i], i)
	}
	for i := 0; i < n; i++ {
		q.Remove(handles[i])
		q.Deallocate(handles[i])
	}

	if len(q.data) >= n {
		t.Fatalf("expected backing store to shrink well below %d, got %d", n, len(q.data))
	}
}
