// Package publisher implements spec.md §4.6: it receives every registry
// change, derives a Snapshot, applies change-detection to decide whether to
// emit, and delivers insert/update/delete operations to WebSocket
// subscribers. It also drives the (coalesced, off-mutex) summarizer calls.
package publisher

import (
	"context"
	"encoding/json"
	"log"
	"reflect"
	"sync"
	"time"

	"github.com/anthropics/agent-session-daemon/internal/registry"
	"github.com/anthropics/agent-session-daemon/internal/summarizer"
	"github.com/gorilla/websocket"
)

type client struct {
	conn *websocket.Conn
	send chan []byte
}

func newClient(conn *websocket.Conn) *client {
	c := &client{conn: conn, send: make(chan []byte, 64)}
	go c.writePump()
	return c
}

func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

func (c *client) close() {
	close(c.send)
}

// Publisher implements registry.Notifier. It is safe for concurrent use.
type Publisher struct {
	mu      sync.RWMutex
	clients map[*client]bool
	maxConn int

	privacyMu sync.RWMutex
	privacy   *registry.PrivacyFilter

	// last holds the last emitted snapshot per session, for change
	// detection (§4.6). Guarded by lastMu, separate from mu so delivery
	// and change-detection never contend on the same lock.
	lastMu sync.Mutex
	last   map[string]registry.Snapshot

	seq uint64
	reg *registry.Registry

	sum           summarizer.Summarizer
	inFlightSumMu sync.Mutex
	inFlightSum   map[string]bool

	snapshotTicker *time.Ticker
	stop           chan struct{}
}

// New constructs a Publisher bound to reg (used to read original-prompt
// context for summarizer calls) and sum (the summarizer collaborator).
// snapshotInterval drives the periodic full-snapshot fallback broadcast
// that keeps late joiners consistent even if a delivery was missed.
func New(reg *registry.Registry, sum summarizer.Summarizer, privacy *registry.PrivacyFilter, maxConn int, snapshotInterval time.Duration) *Publisher {
	if privacy == nil {
		privacy = &registry.PrivacyFilter{}
	}
	if sum == nil {
		sum = summarizer.NullSummarizer{}
	}
	p := &Publisher{
		clients:     make(map[*client]bool),
		maxConn:     maxConn,
		privacy:     privacy,
		last:        make(map[string]registry.Snapshot),
		reg:         reg,
		sum:         sum,
		inFlightSum: make(map[string]bool),
		stop:        make(chan struct{}),
	}
	if snapshotInterval > 0 {
		p.snapshotTicker = time.NewTicker(snapshotInterval)
		go p.snapshotLoop()
	}
	return p
}

// SetPrivacyFilter swaps the active privacy filter, used by a config-reload
// path to apply new mask/allow/block settings without restarting the
// daemon. Safe for concurrent use with deliver/currentBulk.
func (p *Publisher) SetPrivacyFilter(privacy *registry.PrivacyFilter) {
	if privacy == nil {
		privacy = &registry.PrivacyFilter{}
	}
	p.privacyMu.Lock()
	p.privacy = privacy
	p.privacyMu.Unlock()
}

func (p *Publisher) currentPrivacy() *registry.PrivacyFilter {
	p.privacyMu.RLock()
	defer p.privacyMu.RUnlock()
	return p.privacy
}

// Stop halts the periodic snapshot fallback.
func (p *Publisher) Stop() {
	if p.snapshotTicker != nil {
		p.snapshotTicker.Stop()
	}
	close(p.stop)
}

// changeDetectionFields is an intermediate projection used purely to
// compare "does anything the publisher cares about differ" (§4.6): status,
// pending-tool flag, message count, git branch, ledger contents, todo
// progress.
type changeDetectionFields struct {
	PublishedStatus   string
	HasPendingToolUse bool
	MessageCount      int
	GitBranch         string
	ActiveTasks       []registry.ActiveTaskDTO
	ActiveTools       []registry.ActiveToolDTO
	TodoProgress      *registry.TodoProgress
	DisplayName       string
	SourceHealth      registry.SourceHealth
}

func project(s registry.Snapshot) changeDetectionFields {
	return changeDetectionFields{
		PublishedStatus:   s.PublishedStatus,
		HasPendingToolUse: s.HasPendingToolUse,
		MessageCount:      s.MessageCount,
		GitBranch:         s.GitBranch,
		ActiveTasks:       s.ActiveTasks,
		ActiveTools:       s.ActiveTools,
		TodoProgress:      s.TodoProgress,
		DisplayName:       s.DisplayName,
		SourceHealth:      s.SourceHealth,
	}
}

// Publish implements registry.Notifier. It is the single entry point for
// every registry change; change-detection (§4.6) decides insert vs update
// vs suppress.
func (p *Publisher) Publish(snap registry.Snapshot) {
	p.lastMu.Lock()
	prev, existed := p.last[snap.SessionID]
	changed := !existed || !reflect.DeepEqual(project(prev), project(snap))
	if changed {
		p.last[snap.SessionID] = snap
	}
	p.lastMu.Unlock()

	if !existed {
		p.deliver(Operation{Op: OpInsert, Snapshot: snap})
		p.maybeSummarize(snap)
		return
	}
	if !changed {
		return
	}
	p.deliver(Operation{Op: OpUpdate, Snapshot: snap})
	p.maybeSummarize(snap)
}

// PublishDelete implements registry.Notifier: exactly one delete with the
// last known snapshot.
func (p *Publisher) PublishDelete(snap registry.Snapshot) {
	p.lastMu.Lock()
	delete(p.last, snap.SessionID)
	p.lastMu.Unlock()
	p.deliver(Operation{Op: OpDelete, Snapshot: snap})
}

// maybeSummarize schedules at most one in-flight summarizer call per
// session (spec.md §9's "coalesce summarizer calls per session to avoid
// stampedes"), invoked entirely off the registry mutex.
func (p *Publisher) maybeSummarize(snap registry.Snapshot) {
	if snap.Summary != "" && snap.Goal != "" {
		return
	}

	p.inFlightSumMu.Lock()
	if p.inFlightSum[snap.SessionID] {
		p.inFlightSumMu.Unlock()
		return
	}
	p.inFlightSum[snap.SessionID] = true
	p.inFlightSumMu.Unlock()

	go func() {
		defer func() {
			p.inFlightSumMu.Lock()
			delete(p.inFlightSum, snap.SessionID)
			p.inFlightSumMu.Unlock()
		}()
		defer func() {
			if r := recover(); r != nil {
				log.Printf("publisher: recovered panic in summarizer call for %s: %v", snap.SessionID, r)
			}
		}()

		prompt, _, ok := p.reg.OriginalPromptAndCwd(snap.SessionID)
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()
		res, err := p.sum.Summarize(ctx, prompt, nil)
		if err != nil {
			log.Printf("publisher: summarizer call failed for %s: %v", snap.SessionID, err)
			return
		}
		if res.Goal == "" && res.Summary == "" {
			return
		}
		p.reg.SetSummary(snap.SessionID, res.Goal, res.Summary)
	}()
}

// deliver applies the privacy filter and fans the operation out to every
// connected client, disconnecting any that can't keep up.
func (p *Publisher) deliver(op Operation) {
	privacy := p.currentPrivacy()
	if !privacy.IsAllowed(op.Snapshot.Cwd) {
		return
	}
	op.Snapshot = privacy.Apply(op.Snapshot)
	op.Seq = p.nextSeq()

	data, err := json.Marshal(op)
	if err != nil {
		log.Printf("publisher: marshal error: %v", err)
		return
	}

	p.mu.RLock()
	clients := make([]*client, 0, len(p.clients))
	for c := range p.clients {
		clients = append(clients, c)
	}
	p.mu.RUnlock()

	for _, c := range clients {
		select {
		case c.send <- data:
		default:
			log.Printf("publisher: client too slow, disconnecting")
			p.removeClient(c)
		}
	}
}

func (p *Publisher) nextSeq() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	return p.seq
}

// snapshotLoop periodically re-delivers a full bulk to every client, a
// safety net against a missed delivery (teacher's periodic-snapshot
// pattern, kept for the same reason: late joiners and lost messages both
// self-heal on the next tick).
func (p *Publisher) snapshotLoop() {
	for {
		select {
		case <-p.snapshotTicker.C:
			p.broadcastBulkToAll()
		case <-p.stop:
			return
		}
	}
}

func (p *Publisher) broadcastBulkToAll() {
	bulk := p.currentBulk()
	data, err := json.Marshal(bulk)
	if err != nil {
		log.Printf("publisher: bulk marshal error: %v", err)
		return
	}
	p.mu.RLock()
	clients := make([]*client, 0, len(p.clients))
	for c := range p.clients {
		clients = append(clients, c)
	}
	p.mu.RUnlock()
	for _, c := range clients {
		select {
		case c.send <- data:
		default:
			p.removeClient(c)
		}
	}
}

func (p *Publisher) currentBulk() Bulk {
	privacy := p.currentPrivacy()
	p.lastMu.Lock()
	ops := make([]Operation, 0, len(p.last))
	for _, snap := range p.last {
		if !privacy.IsAllowed(snap.Cwd) {
			continue
		}
		ops = append(ops, Operation{Op: OpInsert, Snapshot: privacy.Apply(snap)})
	}
	p.lastMu.Unlock()
	return Bulk{Operations: ops, Seq: p.nextSeq()}
}

// sendBulkTo delivers the initial bulk of inserts to one newly connected
// client (spec.md §6).
func (p *Publisher) sendBulkTo(c *client) {
	bulk := p.currentBulk()
	data, err := json.Marshal(bulk)
	if err != nil {
		log.Printf("publisher: bulk marshal error: %v", err)
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

func (p *Publisher) removeClient(c *client) {
	p.mu.Lock()
	if _, ok := p.clients[c]; ok {
		delete(p.clients, c)
		c.close()
	}
	p.mu.Unlock()
}

// ClientCount reports the number of currently connected subscribers.
func (p *Publisher) ClientCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.clients)
}
