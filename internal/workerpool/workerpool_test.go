package workerpool

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/georecipe/georecipe/internal/errkind"
)

func TestSubmit_RespectsConcurrencyBound(t *testing.T) {
	p, err := New("cpu", 2)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	var inFlight, maxInFlight atomic.Int32
	release := make(chan struct{})
	results := make([]<-chan Result, 0, 4)
	for i := 0; i < 4; i++ {
		r, err := p.Submit(context.Background(), func(ctx context.Context) (interface{}, error) {
			n := inFlight.Add(1)
			for {
				old := maxInFlight.Load()
				if n <= old || maxInFlight.CompareAndSwap(old, n) {
					break
				}
			}
			<-release
			inFlight.Add(-1)
			return nil, nil
		})
		if err != nil {
			t.Fatalf("Submit: %v", err)
		}
		results = append(results, r)
	}
	time.Sleep(30 * time.Millisecond)
	if maxInFlight.Load() > 2 {
		t.Fatalf("max in-flight = %d, want <= 2", maxInFlight.Load())
	}
	close(release)
	for _, r := range results {
		<-r
	}
}

func TestSubmit_DeliversResult(t *testing.T) {
	p, _ := New("cpu", 1)
	r, err := p.Submit(context.Background(), func(ctx context.Context) (interface{}, error) {
		return 42, nil
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	res := <-r
	if res.Err != nil || res.Value != 42 {
		t.Fatalf("got %+v, want {42 <nil>}", res)
	}
}

func TestInline_RunsSynchronously(t *testing.T) {
	p := Inline()
	ran := false
	r, err := p.Submit(context.Background(), func(ctx context.Context) (interface{}, error) {
		ran = true
		return nil, nil
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !ran {
		t.Fatal("expected inline task to have run before Submit returned")
	}
	<-r
}

func TestJoin_RejectsFurtherSubmissions(t *testing.T) {
	p, _ := New("cpu", 1)
	if err := p.Join(); err != nil {
		t.Fatalf("Join: %v", err)
	}
	_, err := p.Submit(context.Background(), func(ctx context.Context) (interface{}, error) { return nil, nil })
	if !errkind.Is(err, errkind.Closed) {
		t.Fatalf("expected Closed after Join, got %v", err)
	}
}

func TestManager_ReusesPoolByName(t *testing.T) {
	m := NewManager()
	p1, err := m.Get("cpu", 4)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	p2, err := m.Get("cpu", 99)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if p1 != p2 {
		t.Fatal("expected the same pool instance for the same name")
	}
}

func TestManager_JoinAllJoinsEveryPool(t *testing.T) {
	m := NewManager()
	p, _ := m.Get("io", 2)
	if err := m.JoinAll(); err != nil {
		t.Fatalf("JoinAll: %v", err)
	}
	_, err := p.Submit(context.Background(), func(ctx context.Context) (interface{}, error) { return nil, nil })
	if !errkind.Is(err, errkind.Closed) {
		t.Fatalf("expected pool closed after JoinAll, got %v", err)
	}
}
