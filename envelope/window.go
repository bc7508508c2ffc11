package envelope

import "time"

const (
	defaultWindowSize  = 1000
	defaultWindowTTL   = 5 * time.Minute
	defaultHistorySize = 100000
)

// tracked is one message remembered by the window.
type tracked struct {
	msg  *Message
	seen time.Time
	own  bool
}

// pinned entries are own messages still waiting on the gateway or on a
// retry. They are never evicted.
func (t *tracked) pinned() bool {
	return t.own && (t.msg.Status == StatusSending || t.msg.Status == StatusError)
}

// window remembers recently seen messages, indexed by correlation id and
// server id. It keeps up to size entries or ttl, whichever is reached
// first, except pinned ones. Identities outlive their entries in seen.
// Not safe for concurrent use; the Processor serializes access.
type window struct {
	size    int
	ttl     time.Duration
	entries []*tracked
	byCorr  map[string]*tracked
	byID    map[string]*tracked
	seen    *history
}

func newWindow(size int, ttl time.Duration) *window {
	if size <= 0 {
		size = defaultWindowSize
	}
	if ttl <= 0 {
		ttl = defaultWindowTTL
	}
	return &window{
		size:    size,
		ttl:     ttl,
		entries: make([]*tracked, 0, size),
		byCorr:  make(map[string]*tracked),
		byID:    make(map[string]*tracked),
		seen:    newHistory(defaultHistorySize),
	}
}

// evict drops expired entries and, while at capacity, the oldest unpinned
// ones.
func (w *window) evict(now time.Time) {
	cutoff := now.Add(-w.ttl)
	excess := len(w.entries) + 1 - w.size
	kept := w.entries[:0]
	for _, t := range w.entries {
		if !t.pinned() && (excess > 0 || t.seen.Before(cutoff)) {
			w.unindex(t)
			excess--
			continue
		}
		kept = append(kept, t)
	}
	clear(w.entries[len(kept):])
	w.entries = kept
}

func (w *window) unindex(t *tracked) {
	if t.msg.CorrelationID != "" && w.byCorr[t.msg.CorrelationID] == t {
		delete(w.byCorr, t.msg.CorrelationID)
	}
	if t.msg.ID != "" && w.byID[t.msg.ID] == t {
		delete(w.byID, t.msg.ID)
	}
}

func (w *window) add(m *Message, own bool, now time.Time) *tracked {
	w.evict(now)
	t := &tracked{msg: m, seen: now, own: own}
	w.entries = append(w.entries, t)
	if m.CorrelationID != "" {
		w.byCorr[m.CorrelationID] = t
		w.seen.add(corrKey(m.CorrelationID))
	}
	if m.ID != "" {
		w.byID[m.ID] = t
		w.seen.add(idKey(m.ID))
	}
	return t
}

// indexID records a server id learned after the message was tracked.
func (w *window) indexID(t *tracked) {
	if t.msg.ID != "" {
		w.byID[t.msg.ID] = t
		w.seen.add(idKey(t.msg.ID))
	}
}

// known reports whether either identity was seen before, even if its
// entry has since been evicted.
func (w *window) known(correlationID, id string) bool {
	return (correlationID != "" && w.seen.has(corrKey(correlationID))) ||
		(id != "" && w.seen.has(idKey(id)))
}

// touch refreshes the entry's age so in-flight messages outlive the TTL.
func (w *window) touch(t *tracked, now time.Time) {
	t.seen = now
	for i, e := range w.entries {
		if e == t {
			copy(w.entries[i:], w.entries[i+1:])
			w.entries[len(w.entries)-1] = t
			return
		}
	}
}

func (w *window) len() int { return len(w.entries) }

func corrKey(id string) string { return "c:" + id }
func idKey(id string) string   { return "s:" + id }

// history is a FIFO-bounded set of message identities.
type history struct {
	limit int
	keys  map[string]struct{}
	order []string
}

func newHistory(limit int) *history {
	return &history{limit: limit, keys: make(map[string]struct{})}
}

func (h *history) add(key string) {
	if _, ok := h.keys[key]; ok {
		return
	}
	h.keys[key] = struct{}{}
	h.order = append(h.order, key)
	if len(h.order) > h.limit {
		delete(h.keys, h.order[0])
		h.order[0] = ""
		h.order = h.order[1:]
	}
}

func (h *history) has(key string) bool {
	_, ok := h.keys[key]
	return ok
}
