package pgpool

import (
	"context"
	"fmt"
	"sync"
)

// Pool is a fixed-size set of Conns. Submitted queries are dispatched to the
// first free connection; when every connection is busy, the query is queued
// pool-wide (FIFO) and drained as connections finish their current query.
// Grounded on AsyncPostgresClient's ConnectionWrapper pool and
// queryQueue_/processNextQueuedQuery.
type Pool struct {
	cfg   Config
	conns []*Conn

	mu      sync.Mutex
	waiting []queuedSubmit
}

type queuedSubmit struct {
	ctx           context.Context
	query         string
	params        []string
	expectResults bool
	onSuccess     func([]Row)
	onError       func(error)
}

// NewPool constructs a Pool with cfg.poolSize() connections (default 5) and
// dials every one of them.
func NewPool(ctx context.Context, cfg Config) (*Pool, error) {
	p := &Pool{cfg: cfg}
	n := cfg.poolSize()
	p.conns = make([]*Conn, n)
	for i := 0; i < n; i++ {
		c := NewConn(cfg)
		if err := c.Start(ctx); err != nil {
			p.Close()
			return nil, fmt.Errorf("pgpool: connection %d: %w", i, err)
		}
		p.conns[i] = c
	}
	return p, nil
}

// Close shuts down every connection in the pool.
func (p *Pool) Close() {
	for _, c := range p.conns {
		if c != nil {
			c.Close()
		}
	}
}

// Exec runs a statement that returns no rows (e.g. INSERT/UPDATE), grounded
// on AsyncPostgresClient::exec(query, SuccessCallback, ErrorCallback).
func (p *Pool) Exec(ctx context.Context, query string, params []string, onSuccess func(), onError func(error)) {
	p.dispatch(ctx, query, params, false, func([]Row) {
		if onSuccess != nil {
			onSuccess()
		}
	}, onError)
}

// Query runs a statement that returns rows, grounded on
// AsyncPostgresClient::exec(query, QueryResultCallback, ErrorCallback,
// params).
func (p *Pool) Query(ctx context.Context, query string, params []string, onSuccess func([]Row), onError func(error)) {
	p.dispatch(ctx, query, params, true, onSuccess, onError)
}

func (p *Pool) dispatch(ctx context.Context, query string, params []string, expectResults bool, onSuccess func([]Row), onError func(error)) {
	if conn := p.acquireFree(); conn != nil {
		p.runOn(conn, ctx, query, params, expectResults, onSuccess, onError)
		return
	}

	p.mu.Lock()
	p.waiting = append(p.waiting, queuedSubmit{ctx: ctx, query: query, params: params, expectResults: expectResults, onSuccess: onSuccess, onError: onError})
	p.mu.Unlock()
}

// acquireFree returns the first connection currently idle (CONNECTED, not
// mid-query), or nil if every connection is busy.
func (p *Pool) acquireFree() *Conn {
	for _, c := range p.conns {
		if c.State() == StateConnected {
			return c
		}
	}
	return nil
}

func (p *Pool) runOn(conn *Conn, ctx context.Context, query string, params []string, expectResults bool, onSuccess func([]Row), onError func(error)) {
	conn.Submit(ctx, query, params, expectResults, onSuccess, onError, func() {
		p.processNextQueued()
	})
}

// processNextQueued pops the oldest pool-wide queued submission (if any) and
// runs it on whichever connection just freed up, mirroring
// AsyncPostgresClient::processNextQueuedQuery.
func (p *Pool) processNextQueued() {
	p.mu.Lock()
	if len(p.waiting) == 0 {
		p.mu.Unlock()
		return
	}
	next := p.waiting[0]
	p.waiting = p.waiting[1:]
	p.mu.Unlock()

	conn := p.acquireFree()
	if conn == nil {
		p.mu.Lock()
		p.waiting = append([]queuedSubmit{next}, p.waiting...)
		p.mu.Unlock()
		return
	}
	p.runOn(conn, next.ctx, next.query, next.params, next.expectResults, next.onSuccess, next.onError)
}
