package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used when no shared store is
// configured and in tests. Sorted sets are a mutex-guarded slice, streams
// are a mutex-guarded append-only log, pub/sub is local fan-out channels.
type MemoryStore struct {
	mu sync.Mutex

	strings map[string]memString
	hashes  map[string]map[string]string
	zsets   map[string][]zEntry
	streams map[string]*memStream

	subsMu sync.Mutex
	subs   []*memPubSub
}

type memString struct {
	value   string
	expires time.Time // zero means no expiry
}

type zEntry struct {
	member string
	score  float64
}

type memStream struct {
	entries []StreamEntry
	nextID  int64
	groups  map[string]*memGroup
}

type memGroup struct {
	cursor int // index into entries of the next undelivered entry
}

// NewMemoryStore constructs an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		strings: make(map[string]memString),
		hashes:  make(map[string]map[string]string),
		zsets:   make(map[string][]zEntry),
		streams: make(map[string]*memStream),
	}
}

func (m *MemoryStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := memString{value: value}
	if ttl > 0 {
		e.expires = time.Now().Add(ttl)
	}
	m.strings[key] = e
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.strings[key]
	if !ok || m.expiredLocked(e.expires) {
		delete(m.strings, key)
		return "", ErrNotFound
	}
	return e.value, nil
}

func (m *MemoryStore) expiredLocked(t time.Time) bool {
	return !t.IsZero() && time.Now().After(t)
}

func (m *MemoryStore) Del(ctx context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.strings, k)
		delete(m.hashes, k)
		delete(m.zsets, k)
		delete(m.streams, k)
	}
	return nil
}

func (m *MemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.strings[key]; ok && !m.expiredLocked(e.expires) {
		return true, nil
	}
	if _, ok := m.hashes[key]; ok {
		return true, nil
	}
	return false, nil
}

func (m *MemoryStore) HSet(ctx context.Context, key string, fields map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hashes[key]
	if !ok {
		h = make(map[string]string)
		m.hashes[key] = h
	}
	for k, v := range fields {
		h[k] = v
	}
	return nil
}

func (m *MemoryStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hashes[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out, nil
}

// Expire is approximate for hashes/zsets/streams in the memory store: it
// only takes effect on string keys, matching the only callers that rely on
// it for expiry semantics (heartbeat keys); hash TTLs are enforced by the
// registry's own cleanup sweep instead.
func (m *MemoryStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.strings[key]; ok {
		e.expires = time.Now().Add(ttl)
		m.strings[key] = e
	}
	return nil
}

func (m *MemoryStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prefix := strings.TrimSuffix(pattern, "*")
	seen := make(map[string]bool)
	var out []string
	for k, e := range m.strings {
		if strings.HasPrefix(k, prefix) && !m.expiredLocked(e.expires) && !seen[k] {
			out = append(out, k)
			seen[k] = true
		}
	}
	for k := range m.hashes {
		if strings.HasPrefix(k, prefix) && !seen[k] {
			out = append(out, k)
			seen[k] = true
		}
	}
	sort.Strings(out)
	return out, nil
}

// SlidingWindowAdmit performs the same three steps as the Redis script:
// trim expired members, check cardinality, admit and record if under limit.
func (m *MemoryStore) SlidingWindowAdmit(ctx context.Context, key string, now time.Time, limit int, window time.Duration) (bool, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := float64(now.Add(-window).UnixNano())
	entries := m.zsets[key]
	kept := entries[:0:0]
	for _, e := range entries {
		if e.score > cutoff {
			kept = append(kept, e)
		}
	}

	if len(kept) >= limit {
		m.zsets[key] = kept
		return false, 0, nil
	}

	kept = append(kept, zEntry{member: uniqueMember(now), score: float64(now.UnixNano())})
	m.zsets[key] = kept
	remaining := limit - len(kept)
	if remaining < 0 {
		remaining = 0
	}
	return true, remaining, nil
}

var memberSeq uint64
var memberSeqMu sync.Mutex

func uniqueMember(t time.Time) string {
	memberSeqMu.Lock()
	memberSeq++
	seq := memberSeq
	memberSeqMu.Unlock()
	return t.Format(time.RFC3339Nano) + "-" + itoa(seq)
}

func itoa(n uint64) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

func (m *MemoryStore) StreamAdd(ctx context.Context, stream string, fields map[string]string, maxLen int64) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.streams[stream]
	if !ok {
		s = &memStream{groups: make(map[string]*memGroup)}
		m.streams[stream] = s
	}
	s.nextID++
	id := time.Now().Format("20060102150405.000000") + "-" + itoa(uint64(s.nextID))
	copied := make(map[string]string, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	s.entries = append(s.entries, StreamEntry{ID: id, Fields: copied})
	if maxLen > 0 && int64(len(s.entries)) > maxLen {
		trimmed := int64(len(s.entries)) - maxLen
		s.entries = s.entries[trimmed:]
		for _, g := range s.groups {
			g.cursor -= int(trimmed)
			if g.cursor < 0 {
				g.cursor = 0
			}
		}
	}
	return id, nil
}

func (m *MemoryStore) StreamCreateGroup(ctx context.Context, stream, group string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.streams[stream]
	if !ok {
		s = &memStream{groups: make(map[string]*memGroup)}
		m.streams[stream] = s
	}
	// a new group starts at the beginning of the stream, like the Redis
	// backend's group created at ID 0
	if _, ok := s.groups[group]; !ok {
		s.groups[group] = &memGroup{cursor: 0}
	}
	return nil
}

// StreamReadGroup delivers undelivered entries to any consumer in the
// group; the memory store does not track per-consumer pending entries, so
// concurrent consumers in the same group simply split the backlog.
func (m *MemoryStore) StreamReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]StreamEntry, error) {
	m.mu.Lock()
	s, ok := m.streams[stream]
	if !ok {
		m.mu.Unlock()
		return nil, nil
	}
	g, ok := s.groups[group]
	if !ok {
		m.mu.Unlock()
		return nil, nil
	}
	if g.cursor >= len(s.entries) && block > 0 {
		m.mu.Unlock()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(block):
		}
		m.mu.Lock()
	}
	defer m.mu.Unlock()
	if g.cursor >= len(s.entries) {
		return nil, nil
	}
	end := g.cursor + int(count)
	if count <= 0 || end > len(s.entries) {
		end = len(s.entries)
	}
	out := append([]StreamEntry(nil), s.entries[g.cursor:end]...)
	g.cursor = end
	return out, nil
}

func (m *MemoryStore) StreamAck(ctx context.Context, stream, group, id string) error {
	// the memory store delivers at-most-once per cursor advance already;
	// ack is a no-op kept for interface parity with the Redis backend.
	return nil
}

type memPubSub struct {
	patterns []string
	ch       chan PubSubMessage
	store    *MemoryStore
	closed   bool
	mu       sync.Mutex
}

func (p *memPubSub) Channel() <-chan PubSubMessage { return p.ch }

func (p *memPubSub) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	p.store.subsMu.Lock()
	for i, s := range p.store.subs {
		if s == p {
			p.store.subs = append(p.store.subs[:i], p.store.subs[i+1:]...)
			break
		}
	}
	p.store.subsMu.Unlock()
	close(p.ch)
	return nil
}

func matchPattern(pattern, channel string) bool {
	if pattern == channel {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(channel, strings.TrimSuffix(pattern, "*"))
	}
	return false
}

func (m *MemoryStore) Publish(ctx context.Context, channel, payload string) error {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, s := range m.subs {
		for _, p := range s.patterns {
			if matchPattern(p, channel) {
				select {
				case s.ch <- PubSubMessage{Channel: channel, Payload: payload}:
				default:
					// slow subscriber; drop rather than block the publisher
				}
				break
			}
		}
	}
	return nil
}

func (m *MemoryStore) Subscribe(ctx context.Context, patterns ...string) (PubSub, error) {
	p := &memPubSub{
		patterns: patterns,
		ch:       make(chan PubSubMessage, 64),
		store:    m,
	}
	m.subsMu.Lock()
	m.subs = append(m.subs, p)
	m.subsMu.Unlock()
	return p, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

func (m *MemoryStore) Close() error {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, s := range m.subs {
		s.closed = true
		close(s.ch)
	}
	m.subs = nil
	return nil
}
