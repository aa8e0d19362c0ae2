package ports

import (
	"context"
	"errors"
	"sync"
	"testing"
)

type stubSource struct {
	mu    sync.Mutex
	ports []int
	err   error
}

func (s *stubSource) ListActivePorts(context.Context) ([]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int, len(s.ports))
	copy(out, s.ports)
	return out, s.err
}

func newAllocator(t *testing.T, src Source, start, end int) *Allocator {
	t.Helper()
	a, err := New(src, Range{Start: start, End: end})
	if err != nil {
		t.Fatalf("new allocator: %v", err)
	}
	return a
}

func TestAllocateLowestFreePort(t *testing.T) {
	src := &stubSource{ports: []int{8000, 8002}}
	a := newAllocator(t, src, 8000, 8010)

	first, err := a.Allocate(context.Background(), "a")
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if first.Port != 8001 {
		t.Fatalf("expected 8001, got %d", first.Port)
	}
	second, err := a.Allocate(context.Background(), "b")
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if second.Port != 8003 {
		t.Fatalf("expected leased 8001 to be skipped, got %d", second.Port)
	}

	first.Release()
	first.Release()
	third, err := a.Allocate(context.Background(), "c")
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if third.Port != 8001 {
		t.Fatalf("expected released port to be reused, got %d", third.Port)
	}
}

func TestAllocateConcurrentCallersGetDistinctPorts(t *testing.T) {
	a := newAllocator(t, &stubSource{}, 8000, 8999)

	const n = 64
	var wg sync.WaitGroup
	results := make(chan int, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			lease, err := a.Allocate(context.Background(), string(rune('a'+i)))
			if err != nil {
				t.Errorf("allocate: %v", err)
				return
			}
			results <- lease.Port
		}(i)
	}
	wg.Wait()
	close(results)

	seen := make(map[int]bool)
	for p := range results {
		if seen[p] {
			t.Fatalf("port %d handed out twice", p)
		}
		if p < 8000 || p >= 8000+n {
			t.Fatalf("port %d outside the expected dense range", p)
		}
		seen[p] = true
	}
	if len(seen) != n {
		t.Fatalf("expected %d ports, got %d", n, len(seen))
	}
}

func TestAllocateExhausted(t *testing.T) {
	a := newAllocator(t, &stubSource{ports: []int{8000}}, 8000, 8001)
	if _, err := a.Allocate(context.Background(), "a"); err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if _, err := a.Allocate(context.Background(), "b"); !errors.Is(err, ErrNoPortsAvailable) {
		t.Fatalf("expected ErrNoPortsAvailable, got %v", err)
	}
}

func TestAllocateSourceError(t *testing.T) {
	a := newAllocator(t, &stubSource{err: errors.New("db down")}, 8000, 8001)
	if _, err := a.Allocate(context.Background(), "a"); err == nil {
		t.Fatalf("expected source error")
	}
}

func TestClaim(t *testing.T) {
	src := &stubSource{ports: []int{8005}}
	a := newAllocator(t, src, 8000, 8010)

	if _, err := a.Claim(context.Background(), 8005, "a"); !errors.Is(err, ErrPortUnavailable) {
		t.Fatalf("expected running port to be unavailable, got %v", err)
	}
	lease, err := a.Claim(context.Background(), 8003, "a")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := a.Claim(context.Background(), 8003, "b"); !errors.Is(err, ErrPortUnavailable) {
		t.Fatalf("expected leased port to be unavailable, got %v", err)
	}
	next, err := a.Allocate(context.Background(), "c")
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if next.Port != 8000 {
		t.Fatalf("expected 8000, got %d", next.Port)
	}
	lease.Release()
	if _, err := a.Claim(context.Background(), 8003, "b"); err != nil {
		t.Fatalf("expected released port to be claimable: %v", err)
	}
}

func TestNewRejectsInvalidRange(t *testing.T) {
	if _, err := New(&stubSource{}, Range{Start: 9000, End: 8000}); err == nil {
		t.Fatalf("expected invalid range error")
	}
}
