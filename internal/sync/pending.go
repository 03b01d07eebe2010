package sync

import (
	gosync "sync"
	"time"

	"github.com/matheus3301/msgsync/internal/event"
)

type pendingKey struct {
	conversationID string
	messageID      string
}

type pendingEntry struct {
	ev      event.Event
	arrival time.Time
	seq     uint64
}

// pendingBuffer holds events that reference a message the store has not
// seen yet, until the message appears or the entry expires.
type pendingBuffer struct {
	mu    gosync.Mutex
	ttl   time.Duration
	limit int
	seq   uint64
	count int
	byKey map[pendingKey][]pendingEntry
}

func newPendingBuffer(ttl time.Duration, limit int) *pendingBuffer {
	return &pendingBuffer{
		ttl:   ttl,
		limit: limit,
		byKey: make(map[pendingKey][]pendingEntry),
	}
}

// add buffers ev. When the buffer is full the oldest entry is evicted;
// evicted reports whether that happened.
func (p *pendingBuffer) add(ev event.Targeted, now time.Time) (evicted bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.limit > 0 && p.count >= p.limit {
		p.evictOldestLocked()
		evicted = true
	}
	p.seq++
	k := pendingKey{ev.Conversation(), ev.Target()}
	p.byKey[k] = append(p.byKey[k], pendingEntry{ev: ev, arrival: now, seq: p.seq})
	p.count++
	return evicted
}

func (p *pendingBuffer) evictOldestLocked() {
	var (
		oldest pendingKey
		found  bool
		minSeq uint64
	)
	for k, entries := range p.byKey {
		if s := entries[0].seq; !found || s < minSeq {
			oldest, minSeq, found = k, s, true
		}
	}
	if !found {
		return
	}
	entries := p.byKey[oldest][1:]
	if len(entries) == 0 {
		delete(p.byKey, oldest)
	} else {
		p.byKey[oldest] = entries
	}
	p.count--
}

// take removes and returns the events waiting on one message, in arrival
// order.
func (p *pendingBuffer) take(conversationID, messageID string) []event.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	k := pendingKey{conversationID, messageID}
	entries := p.byKey[k]
	if len(entries) == 0 {
		return nil
	}
	delete(p.byKey, k)
	p.count -= len(entries)
	out := make([]event.Event, len(entries))
	for i, e := range entries {
		out[i] = e.ev
	}
	return out
}

// sweep drops entries older than the TTL and returns how many it dropped.
func (p *pendingBuffer) sweep(now time.Time) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	dropped := 0
	for k, entries := range p.byKey {
		keep := entries[:0]
		for _, e := range entries {
			if now.Sub(e.arrival) >= p.ttl {
				dropped++
				continue
			}
			keep = append(keep, e)
		}
		if len(keep) == 0 {
			delete(p.byKey, k)
		} else {
			p.byKey[k] = keep
		}
	}
	p.count -= dropped
	return dropped
}

func (p *pendingBuffer) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.count
}
