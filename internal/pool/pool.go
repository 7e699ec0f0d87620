// Package pool provides a capacity-bounded, idle-evicting pool of per-user
// clients. Eviction is least-recently-used at capacity and TTL-based for
// idle entries, swept by a background goroutine.
package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"toolgate/pkg/logging"
)

// Client is anything the pool can own and evict.
type Client interface {
	Close() error
}

// Builder constructs a client for a key. Construction must be cheap;
// connecting happens lazily on first use, outside the pool.
type Builder[C Client] func(key string) (C, error)

// Options configures a pool.
type Options struct {
	// MaxClients is the capacity. Adding a key beyond it evicts the
	// least-recently-used entry.
	MaxClients int

	// TTL is how long an entry may sit unused before the sweeper evicts it.
	TTL time.Duration

	// CleanupInterval is the sweep cadence.
	CleanupInterval time.Duration
}

type entry[C Client] struct {
	client   C
	lastUsed time.Time
}

// Pool holds at most MaxClients clients keyed by string, evicting LRU at
// capacity and idle entries on a timer. All operations are safe for
// concurrent use.
type Pool[C Client] struct {
	opts    Options
	builder Builder[C]

	mu       sync.Mutex
	entries  map[string]*entry[C]
	shutdown bool

	stop chan struct{}
	done chan struct{}
}

// New creates a pool and starts its cleanup goroutine.
func New[C Client](opts Options, builder Builder[C]) *Pool[C] {
	p := &Pool[C]{
		opts:    opts,
		builder: builder,
		entries: make(map[string]*entry[C]),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	go p.cleanupLoop()
	return p
}

// Get returns the client for key, building one on first use. Every call
// refreshes the entry's last-used time. Get fails after Shutdown.
func (p *Pool[C]) Get(ctx context.Context, key string) (C, error) {
	var zero C

	if err := ctx.Err(); err != nil {
		return zero, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.shutdown {
		return zero, fmt.Errorf("pool is shut down")
	}

	if e, ok := p.entries[key]; ok {
		e.lastUsed = time.Now()
		return e.client, nil
	}

	if len(p.entries) >= p.opts.MaxClients {
		p.evictOldestLocked()
	}

	client, err := p.builder(key)
	if err != nil {
		return zero, fmt.Errorf("failed to build client for %s: %w", key, err)
	}

	p.entries[key] = &entry[C]{client: client, lastUsed: time.Now()}
	logging.Debug("Pool", "Created client for %s (size=%d/%d)", key, len(p.entries), p.opts.MaxClients)
	return client, nil
}

// Remove evicts a specific key, closing its client if present.
func (p *Pool[C]) Remove(key string) {
	p.mu.Lock()
	e, ok := p.entries[key]
	if ok {
		delete(p.entries, key)
	}
	p.mu.Unlock()

	if ok {
		p.closeClient(key, e.client)
	}
}

// Len returns the number of pooled clients.
func (p *Pool[C]) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Shutdown stops the sweeper and closes every client. It is idempotent and
// safe to call concurrently; only the first call does the work, later calls
// wait for it to finish.
func (p *Pool[C]) Shutdown() {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		<-p.done
		return
	}
	p.shutdown = true
	close(p.stop)
	p.mu.Unlock()

	<-p.done

	p.mu.Lock()
	entries := p.entries
	p.entries = make(map[string]*entry[C])
	p.mu.Unlock()

	for key, e := range entries {
		p.closeClient(key, e.client)
	}
	logging.Info("Pool", "Shut down, closed %d client(s)", len(entries))
}

// evictOldestLocked removes the least-recently-used entry. Capacity is small
// enough that a scan beats maintaining an ordered structure. Requires p.mu
// held; the close runs inline because eviction must complete before the
// slot is reused.
func (p *Pool[C]) evictOldestLocked() {
	var oldestKey string
	var oldest time.Time

	for key, e := range p.entries {
		if oldestKey == "" || e.lastUsed.Before(oldest) {
			oldestKey = key
			oldest = e.lastUsed
		}
	}
	if oldestKey == "" {
		return
	}

	e := p.entries[oldestKey]
	delete(p.entries, oldestKey)
	logging.Debug("Pool", "Evicting least-recently-used client %s (idle since %v)", oldestKey, oldest)
	p.closeClient(oldestKey, e.client)
}

func (p *Pool[C]) cleanupLoop() {
	defer close(p.done)

	ticker := time.NewTicker(p.opts.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.cleanup()
		case <-p.stop:
			return
		}
	}
}

// cleanup evicts entries idle longer than the TTL.
func (p *Pool[C]) cleanup() {
	cutoff := time.Now().Add(-p.opts.TTL)

	p.mu.Lock()
	var expired []string
	var clients []C
	for key, e := range p.entries {
		if e.lastUsed.Before(cutoff) {
			expired = append(expired, key)
			clients = append(clients, e.client)
			delete(p.entries, key)
		}
	}
	p.mu.Unlock()

	for i, key := range expired {
		logging.Debug("Pool", "Evicting idle client %s", key)
		p.closeClient(key, clients[i])
	}
}

func (p *Pool[C]) closeClient(key string, client C) {
	if err := client.Close(); err != nil {
		logging.Warn("Pool", "Failed to close client %s: %v", key, err)
	}
}
