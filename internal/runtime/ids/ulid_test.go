package ids

import (
	"sync"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
)

func TestCreateULIDSequentialOrdering(t *testing.T) {
	const total = 100
	ids := make([]string, total)
	for i := 0; i < total; i++ {
		ids[i] = CreateULID()
	}

	for i := 0; i < total; i++ {
		if len(ids[i]) != 26 {
			t.Fatalf("expected ULID length 26, got %d", len(ids[i]))
		}
		if _, err := ulid.Parse(ids[i]); err != nil {
			t.Fatalf("expected valid ULID, got %v", err)
		}
	}

	for i := 1; i < total; i++ {
		if ids[i-1] >= ids[i] {
			t.Fatalf("expected ULIDs to be strictly increasing, %s >= %s", ids[i-1], ids[i])
		}
	}
}

func TestCreateULIDConcurrentUniqueness(t *testing.T) {
	const goroutines = 10
	const perGoroutine = 20

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[string]struct{})
	)

	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				id := CreateULID()
				mu.Lock()
				if _, ok := seen[id]; ok {
					t.Errorf("duplicate ULID generated: %s", id)
				} else {
					seen[id] = struct{}{}
				}
				mu.Unlock()
			}
		}()
	}

	wg.Wait()

	if len(seen) != goroutines*perGoroutine {
		t.Fatalf("expected %d unique ULIDs, got %d", goroutines*perGoroutine, len(seen))
	}
}

func TestReceiptHandlesArePerDelivery(t *testing.T) {
	msgID := CreateULID()
	first := CreateReceiptHandle(msgID)
	second := CreateReceiptHandle(msgID)

	if first == second {
		t.Fatal("expected distinct handles for two deliveries")
	}

	for _, h := range []string{first, second} {
		got, ok := MessageIDFromReceiptHandle(h)
		if !ok || got != msgID {
			t.Fatalf("MessageIDFromReceiptHandle(%q) = %q, %v; want %q", h, got, ok, msgID)
		}
	}
}

func TestMessageIDFromReceiptHandleRejectsGarbage(t *testing.T) {
	for _, h := range []string{"", "nodot", ".leading", "trailing."} {
		if _, ok := MessageIDFromReceiptHandle(h); ok {
			t.Errorf("expected %q to be rejected", h)
		}
	}
}

func TestTimeRoundTrip(t *testing.T) {
	before := time.Now().Add(-time.Second)
	id := CreateULID()

	got, err := Time(id)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Before(before) {
		t.Fatalf("expected ULID time after %v, got %v", before, got)
	}

	if _, err := Time("not-a-ulid"); err == nil {
		t.Fatal("expected parse error")
	}
}
