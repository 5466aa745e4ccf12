package equeue

import "testing"

func TestQueueDrainsInFIFOOrder(t *testing.T) {
	q := New()
	var order []int

	q.Push(func() { order = append(order, 1) })
	q.Push(func() { order = append(order, 2) })
	q.Push(func() { order = append(order, 3) })

	n := q.Drain()
	if n != 3 {
		t.Fatalf("Drain() ran %d functions, want 3", n)
	}
	want := []int{1, 2, 3}
	for i, v := range want {
		if order[i] != v {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
	if q.Len() != 0 {
		t.Fatalf("queue not empty after Drain: len=%d", q.Len())
	}
}

func TestQueueDrainRunsWorkPushedDuringDrain(t *testing.T) {
	q := New()
	ran := 0

	q.Push(func() {
		ran++
		q.Push(func() { ran++ })
	})

	n := q.Drain()
	if n != 2 {
		t.Fatalf("Drain() ran %d functions, want 2 (including the one it enqueued)", n)
	}
	if ran != 2 {
		t.Fatalf("ran = %d, want 2", ran)
	}
}

func TestRootTracksPerConnectionQueues(t *testing.T) {
	root := NewRoot()

	q1 := root.For(1)
	q2 := root.For(2)
	if root.For(1) != q1 {
		t.Fatal("For must return the same Queue for the same connection id")
	}

	var ran []uint64
	q1.Push(func() { ran = append(ran, 1) })
	q2.Push(func() { ran = append(ran, 2) })

	total := root.DrainAll()
	if total != 2 {
		t.Fatalf("DrainAll() ran %d, want 2", total)
	}
	if len(ran) != 2 {
		t.Fatalf("ran = %v, want 2 entries", ran)
	}

	root.Forget(1)
	q1b := root.For(1)
	if q1b == q1 {
		t.Fatal("For after Forget should allocate a fresh Queue")
	}
}
