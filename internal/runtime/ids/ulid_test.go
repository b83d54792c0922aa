package ids

import (
	"sync"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
)

func TestCreateULIDSequentialOrdering(t *testing.T) {
	const total = 50
	generated := make([]string, total)
	for i := range generated {
		generated[i] = CreateULID()
		if _, err := ulid.Parse(generated[i]); err != nil {
			t.Fatalf("expected valid ULID, got %v", err)
		}
	}

	for i := 1; i < total; i++ {
		if generated[i-1] >= generated[i] {
			t.Fatalf("expected ULIDs to be strictly increasing, %s >= %s", generated[i-1], generated[i])
		}
	}
}

func TestCreateULIDConcurrentUniqueness(t *testing.T) {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[string]struct{})
	)

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				id := CreateULID()
				mu.Lock()
				if _, ok := seen[id]; ok {
					t.Errorf("duplicate ULID generated: %s", id)
				}
				seen[id] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != 200 {
		t.Fatalf("expected 200 unique ULIDs, got %d", len(seen))
	}
}

func TestTime(t *testing.T) {
	before := time.Now().Add(-time.Second)
	ts, ok := Time(CreateULID())
	if !ok {
		t.Fatal("expected a parseable id")
	}
	if ts.Before(before) {
		t.Fatalf("timestamp %v is older than %v", ts, before)
	}

	if _, ok := Time("not-a-ulid"); ok {
		t.Fatal("expected invalid ids to be rejected")
	}
}
