package kv

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
)

func TestMemoryGetSetDelete(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	_, found, err := m.Get(ctx, "missing")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if found {
		t.Error("Get reported a missing key as found")
	}

	if err := m.Set(ctx, "k", []byte("v1")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	val, found, err := m.Get(ctx, "k")
	if err != nil || !found {
		t.Fatalf("Get after Set: found=%v err=%v", found, err)
	}
	if string(val) != "v1" {
		t.Errorf("Get = %q, want %q", val, "v1")
	}

	if err := m.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, found, _ := m.Get(ctx, "k"); found {
		t.Error("key still present after Delete")
	}
}

func TestMemoryGetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	if err := m.Set(ctx, "k", []byte("abc")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	val, _, _ := m.Get(ctx, "k")
	val[0] = 'x'

	again, _, _ := m.Get(ctx, "k")
	if string(again) != "abc" {
		t.Errorf("stored value mutated through returned slice: %q", again)
	}
}

func TestMemoryUpdate(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	err := m.Update(ctx, "counter", func(old []byte, found bool) ([]byte, error) {
		if found {
			t.Error("mutate saw found=true for a fresh key")
		}
		return []byte("1"), nil
	})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	err = m.Update(ctx, "counter", func(old []byte, found bool) ([]byte, error) {
		if !found || string(old) != "1" {
			t.Errorf("mutate saw old=%q found=%v", old, found)
		}
		return []byte("2"), nil
	})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	val, _, _ := m.Get(ctx, "counter")
	if string(val) != "2" {
		t.Errorf("counter = %q, want 2", val)
	}
}

func TestMemoryUpdateErrorLeavesValue(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	if err := m.Set(ctx, "k", []byte("keep")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	wantErr := errors.New("rejected")
	err := m.Update(ctx, "k", func(old []byte, found bool) ([]byte, error) {
		return nil, wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("Update error = %v, want %v", err, wantErr)
	}

	val, _, _ := m.Get(ctx, "k")
	if string(val) != "keep" {
		t.Errorf("value changed despite mutate error: %q", val)
	}
}

func TestMemoryUpdateConcurrent(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	const workers = 32
	const perWorker = 50

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				err := m.Update(ctx, "counter", func(old []byte, found bool) ([]byte, error) {
					n := 0
					if found {
						var err error
						n, err = strconv.Atoi(string(old))
						if err != nil {
							return nil, err
						}
					}
					return []byte(strconv.Itoa(n + 1)), nil
				})
				if err != nil {
					t.Errorf("Update failed: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	val, _, _ := m.Get(ctx, "counter")
	n, err := strconv.Atoi(string(val))
	if err != nil {
		t.Fatalf("counter not numeric: %q", val)
	}
	if n != workers*perWorker {
		t.Errorf("counter = %d, want %d", n, workers*perWorker)
	}
}
