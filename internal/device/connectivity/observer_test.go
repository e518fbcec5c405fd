package connectivity

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
)

type fakeProber struct {
	mu  sync.Mutex
	err error
}

func (p *fakeProber) CheckHealth(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *fakeProber) set(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

func TestObserverTransitions(t *testing.T) {
	prober := &fakeProber{err: errors.New("down")}
	obs := NewObserver(prober, 0, zerolog.Nop())

	var transitions []bool
	obs.Subscribe(func(online bool) {
		transitions = append(transitions, online)
	})

	ctx := context.Background()

	// Starts offline; a failing probe is not a transition.
	if obs.Check(ctx) {
		t.Fatal("probe failure should report offline")
	}
	if len(transitions) != 0 {
		t.Fatalf("offline to offline fired %d transitions", len(transitions))
	}

	prober.set(nil)
	if !obs.Check(ctx) {
		t.Fatal("healthy probe should report online")
	}
	if !obs.Online() {
		t.Error("Online() should track the last probe")
	}

	// Steady state does not re-fire listeners.
	obs.Check(ctx)

	prober.set(errors.New("down again"))
	obs.Check(ctx)

	want := []bool{true, false}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Fatalf("transitions = %v, want %v", transitions, want)
		}
	}
}
