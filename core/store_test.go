package core

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "db")
	lg := log.New()
	lg.SetLevel(log.ErrorLevel)
	s, err := NewStore(dir, lg, nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// S1 Store round-trip.
func TestStoreRoundTrip(t *testing.T) {
	s := newTestStore(t)
	s.Write([]byte{1, 2, 3}, []byte{9, 9})

	// Force a happens-before boundary: a Read round-trips through the
	// actor, so it cannot observe the write before the write is dequeued.
	val, ok, err := s.Read([]byte{1, 2, 3})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok || string(val) != string([]byte{9, 9}) {
		t.Fatalf("got (%v, %v), want ([9 9], true)", val, ok)
	}

	_, ok, err = s.Read([]byte{0})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatalf("expected miss for unwritten key")
	}
}

// S2 NotifyRead before write.
func TestNotifyReadBeforeWrite(t *testing.T) {
	s := newTestStore(t)

	type result struct {
		val []byte
		err error
	}
	resCh := make(chan result, 1)
	go func() {
		val, err := s.NotifyRead(context.Background(), []byte{42})
		resCh <- result{val, err}
	}()

	time.Sleep(100 * time.Millisecond)
	s.Write([]byte{42}, []byte{7})

	select {
	case r := <-resCh:
		if r.err != nil {
			t.Fatalf("unexpected error: %v", r.err)
		}
		if string(r.val) != string([]byte{7}) {
			t.Fatalf("got %v, want [7]", r.val)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("NotifyRead did not return after write")
	}
}

// S3 Multiple waiters: every waiter registered before the write receives the
// written value. The order in which the waiters are released is not observed.
func TestNotifyReadMultipleWaitersAllReceive(t *testing.T) {
	s := newTestStore(t)

	const n = 3
	order := make(chan int, n)
	var wg sync.WaitGroup
	started := make(chan struct{}, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			started <- struct{}{}
			val, err := s.NotifyRead(context.Background(), []byte{5})
			if err != nil {
				t.Errorf("waiter %d: unexpected error: %v", i, err)
				return
			}
			if string(val) != string([]byte{1}) {
				t.Errorf("waiter %d: got %v, want [1]", i, val)
			}
			order <- i
		}(i)
	}
	for i := 0; i < n; i++ {
		<-started
	}
	time.Sleep(50 * time.Millisecond) // let all three register before the write
	s.Write([]byte{5}, []byte{1})

	wg.Wait()
	close(order)
	count := 0
	for range order {
		count++
	}
	if count != n {
		t.Fatalf("got %d completions, want %d", count, n)
	}
}

// S6-adjacent: NotifyRead unblocks with an error, not a hang, once the store
// is closed with waiters still pending (spec.md §9 Open Question).
func TestNotifyReadFailsOnShutdown(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "db")
	s, err := NewStore(dir, nil, nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	resCh := make(chan error, 1)
	go func() {
		_, err := s.NotifyRead(context.Background(), []byte("never-written"))
		resCh <- err
	}()
	time.Sleep(50 * time.Millisecond)

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	select {
	case err := <-resCh:
		if err != ErrStoreClosed {
			t.Fatalf("got %v, want ErrStoreClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("NotifyRead hung after store closed")
	}
}

func TestCloneSharesActorAndRefcounts(t *testing.T) {
	s := newTestStore(t)
	clone, err := s.Clone()
	if err != nil {
		t.Fatalf("Clone: %v", err)
	}

	clone.Write([]byte("k"), []byte("v"))
	val, ok, err := s.Read([]byte("k"))
	if err != nil || !ok || string(val) != "v" {
		t.Fatalf("clone write not visible via original handle: %v %v %v", val, ok, err)
	}

	if err := clone.Close(); err != nil {
		t.Fatalf("Close clone: %v", err)
	}
	// Original handle must still work; the engine is only closed once both
	// handles are closed (t.Cleanup closes the original).
	if _, _, err := s.Read([]byte("k")); err != nil {
		t.Fatalf("store unusable after clone closed: %v", err)
	}
}

func TestCloneAfterFinalCloseReturnsErrStoreClosed(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "db")
	s, err := NewStore(dir, nil, nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := s.Clone(); err != ErrStoreClosed {
		t.Fatalf("got %v, want ErrStoreClosed", err)
	}
}

func TestReadOnlyStoreSeesWriterData(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "db")
	w, err := NewStore(dir, nil, nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	w.Write([]byte("k"), []byte("v"))
	if _, _, err := w.Read([]byte("k")); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}

	ro, err := NewReadOnlyStore(dir, nil, nil)
	if err != nil {
		t.Fatalf("NewReadOnlyStore: %v", err)
	}
	defer ro.Close()

	val, ok, err := ro.Read([]byte("k"))
	if err != nil {
		t.Fatalf("read-only Read: %v", err)
	}
	if !ok || string(val) != "v" {
		t.Fatalf("got (%v, %v), want ([v] true)", val, ok)
	}
}
