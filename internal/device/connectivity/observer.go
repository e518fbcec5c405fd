// Package connectivity watches reachability of the authority and notifies
// listeners when the device transitions between online and offline.
package connectivity

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Prober checks whether the authority is reachable.
type Prober interface {
	CheckHealth(ctx context.Context) error
}

// Listener is called on every online/offline transition.
type Listener func(online bool)

// Observer polls the authority and tracks reachability.
type Observer struct {
	prober   Prober
	interval time.Duration
	logger   zerolog.Logger

	mu        sync.RWMutex
	online    bool
	lastCheck time.Time
	listeners []Listener

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewObserver creates an Observer. The device starts offline until the
// first successful probe.
func NewObserver(prober Prober, interval time.Duration, logger zerolog.Logger) *Observer {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Observer{
		prober:   prober,
		interval: interval,
		logger:   logger.With().Str("component", "connectivity").Logger(),
		stopCh:   make(chan struct{}),
	}
}

// Subscribe registers a transition listener. Must be called before Start.
func (o *Observer) Subscribe(l Listener) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.listeners = append(o.listeners, l)
}

// Online reports the last observed reachability.
func (o *Observer) Online() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.online
}

// Start probes once immediately, then keeps polling in the background.
func (o *Observer) Start(ctx context.Context) {
	o.Check(ctx)

	o.wg.Add(1)
	go o.loop()
}

// Stop halts background polling.
func (o *Observer) Stop() {
	close(o.stopCh)
	o.wg.Wait()
}

// Check runs one probe and fires listeners on a transition.
func (o *Observer) Check(ctx context.Context) bool {
	err := o.prober.CheckHealth(ctx)

	o.mu.Lock()
	was := o.online
	o.online = err == nil
	o.lastCheck = time.Now()
	now := o.online
	listeners := o.listeners
	o.mu.Unlock()

	if was != now {
		if now {
			o.logger.Info().Msg("authority reachable, going online")
		} else {
			o.logger.Warn().Err(err).Msg("authority unreachable, going offline")
		}
		for _, l := range listeners {
			l(now)
		}
	}
	return now
}

func (o *Observer) loop() {
	defer o.wg.Done()

	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	for {
		select {
		case <-o.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			o.Check(ctx)
			cancel()
		}
	}
}
