package store

import (
	"fmt"
	"sync"
	"testing"
)

// testItem is a simple struct used across TypedStore tests.
type testItem struct {
	Name  string
	Value int
}

func TestTypedStore_SetGet(t *testing.T) {
	s := NewTypedStore[testItem]()

	item := testItem{Name: "alpha", Value: 42}
	s.Set("key1", item)

	got, ok := s.Get("key1")
	if !ok {
		t.Fatal("expected key1 to exist")
	}
	if got.Name != "alpha" || got.Value != 42 {
		t.Fatalf("expected {alpha 42}, got %+v", got)
	}

	// Non-existent key
	_, ok = s.Get("missing")
	if ok {
		t.Fatal("expected missing key to return false")
	}
}

func TestTypedStore_SetReplaces(t *testing.T) {
	s := NewTypedStore[testItem]()

	s.Set("node-a", testItem{Name: "node-a", Value: 1})
	s.Set("node-a", testItem{Name: "node-a", Value: 2})

	got, _ := s.Get("node-a")
	if got.Value != 2 {
		t.Fatalf("expected replaced value 2, got %d", got.Value)
	}
	if s.Len() != 1 {
		t.Fatalf("expected Len() == 1 after replace, got %d", s.Len())
	}
}

func TestTypedStore_Len(t *testing.T) {
	s := NewTypedStore[testItem]()

	s.Set("a", testItem{Name: "a", Value: 1})
	s.Set("b", testItem{Name: "b", Value: 2})
	s.Set("c", testItem{Name: "c", Value: 3})

	if s.Len() != 3 {
		t.Fatalf("expected Len() == 3, got %d", s.Len())
	}

	s.Take("b")
	if s.Len() != 2 {
		t.Fatalf("expected Len() == 2 after take, got %d", s.Len())
	}
}

func TestTypedStore_Values(t *testing.T) {
	s := NewTypedStore[testItem]()

	s.Set("a", testItem{Name: "a", Value: 1})
	s.Set("b", testItem{Name: "b", Value: 2})
	s.Set("c", testItem{Name: "c", Value: 3})

	vals := s.Values()
	if len(vals) != 3 {
		t.Fatalf("expected 3 values, got %d", len(vals))
	}

	// Collect values into a map for order-independent comparison
	found := make(map[string]int)
	for _, v := range vals {
		found[v.Name] = v.Value
	}
	for _, name := range []string{"a", "b", "c"} {
		if _, ok := found[name]; !ok {
			t.Fatalf("expected value with Name=%q in Values()", name)
		}
	}
}

func TestTypedStore_ConcurrentReadWrite(t *testing.T) {
	s := NewTypedStore[testItem]()
	const goroutines = 100

	var wg sync.WaitGroup
	wg.Add(goroutines * 4) // Set + Get + Values + Take goroutines

	// Concurrent Sets
	for i := 0; i < goroutines; i++ {
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("key-%d", i)
			s.Set(key, testItem{Name: key, Value: i})
		}(i)
	}

	// Concurrent Gets
	for i := 0; i < goroutines; i++ {
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("key-%d", i)
			s.Get(key) // may or may not find it; just no race
		}(i)
	}

	// Concurrent sweeps over all values
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			_ = s.Values()
		}()
	}

	// Concurrent releases
	for i := 0; i < goroutines; i++ {
		go func(i int) {
			defer wg.Done()
			s.Take(fmt.Sprintf("key-%d", i))
		}(i)
	}

	wg.Wait()
}

func TestTypedStore_GetOrCreate(t *testing.T) {
	s := NewTypedStore[*testItem]()

	calls := 0
	create := func() *testItem {
		calls++
		return &testItem{Name: "fresh"}
	}

	first, created := s.GetOrCreate("k", create)
	if !created || first.Name != "fresh" {
		t.Fatalf("expected creation, got created=%v item=%+v", created, first)
	}
	second, created := s.GetOrCreate("k", create)
	if created || second != first {
		t.Fatal("expected the existing pointer on second call")
	}
	if calls != 1 {
		t.Fatalf("expected create to run once, ran %d times", calls)
	}
}

func TestTypedStore_GetOrCreateConcurrent(t *testing.T) {
	s := NewTypedStore[*testItem]()
	const goroutines = 50

	var wg sync.WaitGroup
	results := make([]*testItem, goroutines)
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = s.GetOrCreate("shared", func() *testItem { return &testItem{Value: i} })
		}(i)
	}
	wg.Wait()

	for i := 1; i < goroutines; i++ {
		if results[i] != results[0] {
			t.Fatal("concurrent GetOrCreate returned different values")
		}
	}
}

func TestTypedStore_TakeExactlyOnce(t *testing.T) {
	s := NewTypedStore[testItem]()
	s.Set("lease", testItem{Name: "lease"})

	const goroutines = 50
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := s.Take("lease"); ok {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if winners != 1 {
		t.Fatalf("expected exactly one Take to win, got %d", winners)
	}
	if _, ok := s.Take("lease"); ok {
		t.Fatal("expected Take on missing key to report false")
	}
}

func TestTypedStore_DeleteIf(t *testing.T) {
	s := NewTypedStore[testItem]()
	s.Set("a", testItem{Name: "a", Value: 1})

	if s.DeleteIf("a", func(v testItem) bool { return v.Value > 5 }) {
		t.Fatal("predicate false must keep the item")
	}
	if !s.DeleteIf("a", func(v testItem) bool { return v.Value == 1 }) {
		t.Fatal("predicate true must delete the item")
	}
	if s.DeleteIf("missing", func(testItem) bool { return true }) {
		t.Fatal("missing key must report false")
	}
}

func TestTypedStore_KeysSorted(t *testing.T) {
	s := NewTypedStore[int]()
	s.Set("c", 3)
	s.Set("a", 1)
	s.Set("b", 2)

	keys := s.Keys()
	if fmt.Sprint(keys) != "[a b c]" {
		t.Fatalf("expected sorted keys, got %v", keys)
	}
}

func TestTypedStore_TakeIf(t *testing.T) {
	s := NewTypedStore[testItem]()
	s.Set("a", testItem{Name: "a", Value: 1})

	if _, ok := s.TakeIf("a", func(v testItem) bool { return v.Value > 1 }); ok {
		t.Fatal("expected TakeIf to keep a value the predicate rejects")
	}
	if _, ok := s.TakeIf("missing", func(testItem) bool { return true }); ok {
		t.Fatal("expected TakeIf on a missing key to report false")
	}
	v, ok := s.TakeIf("a", func(v testItem) bool { return v.Value == 1 })
	if !ok || v.Name != "a" {
		t.Fatalf("expected to take a, got %+v ok=%v", v, ok)
	}
	if s.Len() != 0 {
		t.Fatalf("expected empty store, got %d", s.Len())
	}
}

func TestTypedStore_Update(t *testing.T) {
	s := NewTypedStore[testItem]()
	s.Set("a", testItem{Name: "a", Value: 1})

	got, ok := s.Update("a", func(v testItem) (testItem, bool) {
		v.Value++
		return v, true
	})
	if !ok || got.Value != 2 {
		t.Fatalf("expected updated value 2, got %+v ok=%v", got, ok)
	}

	if _, ok := s.Update("a", func(v testItem) (testItem, bool) {
		v.Value = 100
		return v, false
	}); ok {
		t.Fatal("expected a rejected update to report false")
	}
	if v, _ := s.Get("a"); v.Value != 2 {
		t.Fatalf("rejected update must not be stored, got %d", v.Value)
	}

	if _, ok := s.Update("missing", func(v testItem) (testItem, bool) { return v, true }); ok {
		t.Fatal("expected Update on a missing key to report false")
	}
	if s.Len() != 1 {
		t.Fatalf("Update must not insert, Len() = %d", s.Len())
	}
}
