package transport

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var (
	ErrDialerRunning    = errors.New("transport: dialer already running")
	ErrRetriesExhausted = errors.New("transport: dial retries exhausted")
)

// Dialer keeps one outbound connection alive, redialing with backoff when it
// drops.
type Dialer struct {
	opts   Options
	events Events
	// OnGiveUp fires once when the dialer stops redialing on its own, after
	// the dial loop has exited.
	OnGiveUp func(error)

	rng *rand.Rand

	mu      sync.Mutex
	peer    *connPeer
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

func NewDialer(opts Options, events Events) *Dialer {
	return &Dialer{
		opts:   opts.WithDefaults(),
		events: events,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Start launches the dial loop in the background.
func (d *Dialer) Start() error {
	if err := d.opts.Validate(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return ErrDialerRunning
	}
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.done = make(chan struct{})
	d.running = true
	go d.run(ctx, d.done)
	return nil
}

// Close stops redialing, closes the live connection, and waits for the dial
// loop to exit.
func (d *Dialer) Close() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.cancel()
	done, peer := d.done, d.peer
	d.mu.Unlock()

	if peer != nil {
		_ = peer.Close()
	}
	<-done
	return nil
}

// Peer returns the live connection, or nil.
func (d *Dialer) Peer() Peer {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.peer == nil {
		return nil
	}
	return d.peer
}

func (d *Dialer) run(ctx context.Context, done chan struct{}) {
	var gaveUp error
	defer func() {
		d.mu.Lock()
		d.running = false
		d.peer = nil
		d.mu.Unlock()
		close(done)
		// The loop has fully exited, so OnGiveUp may Close or Start again.
		if gaveUp != nil {
			d.giveUp(gaveUp)
		}
	}()

	attempt := 0
	for {
		attempt++
		conn, err := d.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn().Int("attempt", attempt).Str("endpoint", d.opts.ID).Err(err).Msg("transport.Dialer dial failed")
			if d.events.OnError != nil {
				d.events.OnError(nil, err)
			}
			if !d.shouldRetry(attempt) {
				gaveUp = fmt.Errorf("%w: %w", ErrRetriesExhausted, err)
				return
			}
			if d.sleepBackoff(ctx, attempt) != nil {
				return
			}
			continue
		}

		attempt = 0
		peer := newConnPeer(uuid.NewString(), d.opts.ID, conn, d.events, d.opts.WriteTimeout)
		d.mu.Lock()
		if ctx.Err() != nil {
			d.mu.Unlock()
			_ = conn.Close()
			return
		}
		d.peer = peer
		d.mu.Unlock()

		peer.run()

		d.mu.Lock()
		d.peer = nil
		d.mu.Unlock()
		if ctx.Err() != nil {
			return
		}
		if d.opts.StopRetrying {
			gaveUp = ErrPeerClosed
			return
		}
		if d.sleepBackoff(ctx, 1) != nil {
			return
		}
	}
}

func (d *Dialer) dial(ctx context.Context) (net.Conn, error) {
	network, addr, err := d.opts.Address()
	if err != nil {
		return nil, err
	}
	dialer := net.Dialer{Timeout: d.opts.ConnectTimeout}
	return dialer.DialContext(ctx, network, addr)
}

func (d *Dialer) shouldRetry(attempt int) bool {
	if d.opts.StopRetrying {
		return false
	}
	if d.opts.MaxRetries <= 0 {
		return true
	}
	return attempt <= d.opts.MaxRetries
}

func (d *Dialer) sleepBackoff(ctx context.Context, attempt int) error {
	delay := d.opts.Backoff.Delay(attempt, d.rng)
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (d *Dialer) giveUp(err error) {
	log.Warn().Str("endpoint", d.opts.ID).Err(err).Msg("transport.Dialer giving up")
	if d.OnGiveUp != nil {
		d.OnGiveUp(err)
	}
}
