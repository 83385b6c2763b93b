package intent

import (
	"fmt"
	"reflect"
	"sync"
	"testing"

	"intent-relayer/internal/errs"
)

func TestRegisterOverwrites(t *testing.T) {
	r := NewRegistry()
	for _, count := range []int{5, 2, 9, 3} {
		if err := r.Register("0xAAA", count); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	got, ok := r.Get("0xAAA")
	if !ok || got != 3 {
		t.Fatalf("expected latest count 3, got %d (present=%v)", got, ok)
	}
	if r.Len() != 1 {
		t.Fatalf("expected a single entry, got %d", r.Len())
	}
}

func TestRegisterRejectsInvalid(t *testing.T) {
	r := NewRegistry()
	cases := []struct {
		user  string
		count int
	}{
		{"", 1},
		{"   ", 1},
		{"0xAAA", 0},
		{"0xAAA", -4},
	}
	for _, tc := range cases {
		err := r.Register(tc.user, tc.count)
		if !errs.IsCode(err, errs.CodeInvalidArgument) {
			t.Fatalf("Register(%q, %d) should fail with INVALID_ARGUMENT, got %v", tc.user, tc.count, err)
		}
	}
	if r.Len() != 0 {
		t.Fatal("invalid registrations must not mutate the registry")
	}
}

func TestDrainChunkOrderAndBound(t *testing.T) {
	r := NewRegistry()
	for i := 0; i < 5; i++ {
		if err := r.Register(fmt.Sprintf("user-%d", i), i+1); err != nil {
			t.Fatal(err)
		}
	}
	// overwrite keeps position
	_ = r.Register("user-0", 7)

	chunk := r.DrainChunk(3)
	want := []Entry{{"user-0", 7}, {"user-1", 2}, {"user-2", 3}}
	if !reflect.DeepEqual(chunk, want) {
		t.Fatalf("unexpected chunk: %+v", chunk)
	}
	if r.Len() != 2 {
		t.Fatalf("expected 2 remaining, got %d", r.Len())
	}

	rest := r.DrainChunk(10)
	if len(rest) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(rest))
	}
	if r.DrainChunk(10) != nil {
		t.Fatal("empty registry should drain nothing")
	}
	if r.DrainChunk(0) != nil {
		t.Fatal("zero limit should drain nothing")
	}
}

func TestRestoreAfterFailureMatchesSnapshot(t *testing.T) {
	r := NewRegistry()
	_ = r.Register("a", 3)
	_ = r.Register("b", 1)
	_ = r.Register("c", 4)
	before := r.Snapshot()

	chunk := r.DrainChunk(2)
	if n := r.Restore(chunk); n != 2 {
		t.Fatalf("expected 2 restored, got %d", n)
	}
	if got := r.Snapshot(); !reflect.DeepEqual(got, before) {
		t.Fatalf("restore should reproduce the pre-drain state\nwant %+v\ngot  %+v", before, got)
	}
}

func TestRestoreKeepsNewerRegistration(t *testing.T) {
	r := NewRegistry()
	_ = r.Register("a", 3)
	_ = r.Register("b", 2)

	chunk := r.DrainChunk(2)
	// a new signal arrives for "a" while the batch is in flight
	_ = r.Register("a", 10)

	if n := r.Restore(chunk); n != 1 {
		t.Fatalf("expected only b restored, got %d", n)
	}
	if got, _ := r.Get("a"); got != 10 {
		t.Fatalf("newer registration must survive restore, got %d", got)
	}
	if got, _ := r.Get("b"); got != 2 {
		t.Fatalf("b should be restored to its snapshot, got %d", got)
	}
	if first := r.Snapshot()[0].UserID; first != "b" {
		t.Fatalf("restored entries go back to the head, got %s first", first)
	}
}

func TestSettleDecrementsAndRemoves(t *testing.T) {
	r := NewRegistry()
	_ = r.Register("a", 2)
	_ = r.Register("b", 1)

	completed := r.Settle(r.DrainChunk(10))
	if !reflect.DeepEqual(completed, []string{"b"}) {
		t.Fatalf("unexpected completed users %v", completed)
	}
	if got, ok := r.Get("a"); !ok || got != 1 {
		t.Fatalf("a should drop to 1, got %d", got)
	}
	if _, ok := r.Get("b"); ok {
		t.Fatal("b should be gone once its count reaches zero")
	}
}

func TestSettleKeepsNewerRegistration(t *testing.T) {
	r := NewRegistry()
	_ = r.Register("a", 5)
	chunk := r.DrainChunk(1)
	_ = r.Register("a", 8)

	r.Settle(chunk)
	if got, _ := r.Get("a"); got != 8 {
		t.Fatalf("stale remainder must not clobber newer count, got %d", got)
	}
}

func TestThreeTickScenario(t *testing.T) {
	r := NewRegistry()
	_ = r.Register("0xAAA", 3)

	r.Settle(r.DrainChunk(10))
	r.Settle(r.DrainChunk(10))
	if got := r.Snapshot(); !reflect.DeepEqual(got, []Entry{{"0xAAA", 1}}) {
		t.Fatalf("after two ticks expected {0xAAA:1}, got %+v", got)
	}
	r.Settle(r.DrainChunk(10))
	if r.Len() != 0 {
		t.Fatalf("after three ticks registry should be empty, got %+v", r.Snapshot())
	}
}

func TestConcurrentRegisterDuringDrain(t *testing.T) {
	r := NewRegistry()
	for i := 0; i < 100; i++ {
		_ = r.Register(fmt.Sprintf("seed-%d", i), 1)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			_ = r.Register(fmt.Sprintf("late-%d", i), 2)
		}
	}()
	drained := 0
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			chunk := r.DrainChunk(5)
			for _, e := range chunk {
				if e.Count <= 0 {
					t.Errorf("drained non-positive count for %s", e.UserID)
				}
			}
			drained += len(chunk)
		}
	}()
	wg.Wait()

	if drained+r.Len() != 200 {
		t.Fatalf("entries lost or duplicated: drained %d, remaining %d", drained, r.Len())
	}
}
