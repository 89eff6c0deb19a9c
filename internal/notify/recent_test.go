package notify

import (
	"fmt"
	"sync"
	"testing"
)

func TestRecentIDs_Mark(t *testing.T) {
	r := newRecentIDs(4)

	if r.Mark("m1") {
		t.Fatal("first mark reported a duplicate")
	}
	if !r.Mark("m1") {
		t.Fatal("second mark of m1 not reported as duplicate")
	}
	if r.Len() != 1 {
		t.Errorf("expected 1 id, got %d", r.Len())
	}
}

func TestRecentIDs_Wraparound(t *testing.T) {
	r := newRecentIDs(3)

	// Mark 5 ids; the ring holds only 3.
	for i := 1; i <= 5; i++ {
		r.Mark(fmt.Sprintf("m%d", i))
	}
	if r.Len() != 3 {
		t.Fatalf("expected 3 ids, got %d", r.Len())
	}

	// m1 and m2 were evicted, m3..m5 remain.
	for _, id := range []string{"m3", "m4", "m5"} {
		if !r.Mark(id) {
			t.Errorf("%s should still be remembered", id)
		}
	}
	if r.Mark("m1") {
		t.Error("m1 should have been evicted")
	}
}

func TestRecentIDs_DefaultSize(t *testing.T) {
	r := newRecentIDs(0)
	if len(r.items) != DefaultRecentSize {
		t.Errorf("expected size %d, got %d", DefaultRecentSize, len(r.items))
	}
}

func TestRecentIDs_ConcurrentMarksOnce(t *testing.T) {
	r := newRecentIDs(64)
	var wg sync.WaitGroup
	var mu sync.Mutex
	fresh := 0

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !r.Mark("same") {
				mu.Lock()
				fresh++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if fresh != 1 {
		t.Errorf("expected exactly one first mark, got %d", fresh)
	}
}
