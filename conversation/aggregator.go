package conversation

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/NeboLoop/chatsync-go-sdk/envelope"
)

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithClock overrides the time source used for new provisional entries.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

// Aggregator keeps the ordered conversation list for one local user.
// Every mutation is atomic with respect to the others and leaves the list
// sorted. Safe for concurrent use.
type Aggregator struct {
	mu      sync.Mutex
	self    string
	byID    map[string]*Conversation
	byPair  map[string]string // pairKey -> conversation id, DIRECT only
	order   []*Conversation
	focused string
	opened  map[string]struct{}

	observers []func([]Conversation)
	now       func() time.Time
}

// NewAggregator creates an empty aggregator for localUserID.
func NewAggregator(localUserID string, opts ...Option) *Aggregator {
	a := &Aggregator{
		self:   localUserID,
		byID:   make(map[string]*Conversation),
		byPair: make(map[string]string),
		opened: make(map[string]struct{}),
		now:    time.Now,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// OnChange registers an observer called with the sorted list after every
// mutation. Observers run on the mutating goroutine, outside the lock.
func (a *Aggregator) OnChange(fn func([]Conversation)) {
	a.mu.Lock()
	a.observers = append(a.observers, fn)
	a.mu.Unlock()
}

// Load merges server-provided summaries, e.g. the REST conversation list.
func (a *Aggregator) Load(list []Conversation) {
	a.mu.Lock()
	for _, c := range list {
		c := c.clone()
		c.ParticipantIDs = participantSet(c.ParticipantIDs...)
		if c.Kind == "" {
			c.Kind = Direct
		}
		c.Provisional = IsProvisionalID(c.ID)

		if c.Kind == Direct && len(c.ParticipantIDs) == 2 {
			key := pairKey(c.ParticipantIDs[0], c.ParticipantIDs[1])
			if id, ok := a.byPair[key]; ok && id != c.ID {
				if prev := a.byID[id]; prev != nil && prev.Provisional && !c.Provisional {
					a.insert(&c)
					a.mergeInto(prev, &c)
					continue
				}
			}
		}
		if existing, ok := a.byID[c.ID]; ok {
			if c.UnreadCount < existing.UnreadCount {
				c.UnreadCount = existing.UnreadCount
			}
			if existing.LastActivityAt.After(c.LastActivityAt) {
				c.LastActivityAt = existing.LastActivityAt
				c.LastMessagePreview = existing.LastMessagePreview
			}
		}
		if c.ID == a.focused {
			c.UnreadCount = 0
		}
		a.insert(&c)
	}
	snapshot, observers := a.commit()
	a.mu.Unlock()
	notify(observers, snapshot)
}

// ApplyMessage folds m into its conversation, creating one when m involves
// the local user and no conversation matches. Callers must have filtered
// duplicates already.
func (a *Aggregator) ApplyMessage(m envelope.Message) {
	a.mu.Lock()
	c := a.locate(m)
	if c == nil {
		if !a.involves(m) {
			a.mu.Unlock()
			return
		}
		c = a.synthesize(m)
	}
	if c.Provisional && m.ConversationID != "" && !IsProvisionalID(m.ConversationID) {
		c = a.reconcile(c, m.ConversationID)
	}

	if !m.SentAt.Before(c.LastActivityAt) {
		c.LastActivityAt = m.SentAt
		c.LastMessagePreview = preview(m.Content)
	}
	if m.SenderID != a.self && c.ID != a.focused {
		c.UnreadCount++
	}
	snapshot, observers := a.commit()
	a.mu.Unlock()
	notify(observers, snapshot)
}

// StartDirect returns the DIRECT conversation with peerID, creating a
// provisional one when there is no prior history.
func (a *Aggregator) StartDirect(peerID string) Conversation {
	a.mu.Lock()
	if id, ok := a.byPair[pairKey(a.self, peerID)]; ok {
		c := a.byID[id].clone()
		a.mu.Unlock()
		return c
	}
	c := &Conversation{
		ID:             ProvisionalPrefix + uuid.NewString(),
		Kind:           Direct,
		ParticipantIDs: participantSet(a.self, peerID),
		LastActivityAt: a.now(),
		Provisional:    true,
	}
	a.insert(c)
	out := c.clone()
	snapshot, observers := a.commit()
	a.mu.Unlock()
	notify(observers, snapshot)
	return out
}

// Reconcile replaces the provisional DIRECT conversation with peerID by the
// server-confirmed realID. It reports whether anything changed.
func (a *Aggregator) Reconcile(peerID, realID string) bool {
	if realID == "" || IsProvisionalID(realID) {
		return false
	}
	a.mu.Lock()
	id, ok := a.byPair[pairKey(a.self, peerID)]
	if !ok || !a.byID[id].Provisional {
		a.mu.Unlock()
		return false
	}
	a.reconcile(a.byID[id], realID)
	snapshot, observers := a.commit()
	a.mu.Unlock()
	notify(observers, snapshot)
	return true
}

// Open focuses the conversation and resets its unread count in one step.
func (a *Aggregator) Open(id string) (Conversation, bool) {
	a.mu.Lock()
	c, ok := a.byID[id]
	if !ok {
		a.mu.Unlock()
		return Conversation{}, false
	}
	a.focused = id
	c.UnreadCount = 0
	if c.Kind == Group {
		a.opened[id] = struct{}{}
	}
	out := c.clone()
	snapshot, observers := a.commit()
	a.mu.Unlock()
	notify(observers, snapshot)
	return out, true
}

// Blur clears the focused conversation.
func (a *Aggregator) Blur() {
	a.mu.Lock()
	a.focused = ""
	a.mu.Unlock()
}

// Focused returns the id of the focused conversation, if any.
func (a *Aggregator) Focused() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.focused
}

// OpenedGroups returns the group conversations opened this session, whose
// topics must be re-joined after a reconnect.
func (a *Aggregator) OpenedGroups() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.opened))
	for id := range a.opened {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Remove drops a conversation, e.g. after leaving a group.
func (a *Aggregator) Remove(id string) bool {
	a.mu.Lock()
	c, ok := a.byID[id]
	if !ok {
		a.mu.Unlock()
		return false
	}
	a.drop(c)
	delete(a.opened, id)
	if a.focused == id {
		a.focused = ""
	}
	snapshot, observers := a.commit()
	a.mu.Unlock()
	notify(observers, snapshot)
	return true
}

// List returns the sorted conversation list.
func (a *Aggregator) List() []Conversation {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshot()
}

// Get returns a conversation by id.
func (a *Aggregator) Get(id string) (Conversation, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.byID[id]
	if !ok {
		return Conversation{}, false
	}
	return c.clone(), true
}

// FindDirect returns the DIRECT conversation with peerID, if any.
func (a *Aggregator) FindDirect(peerID string) (Conversation, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	id, ok := a.byPair[pairKey(a.self, peerID)]
	if !ok {
		return Conversation{}, false
	}
	return a.byID[id].clone(), true
}

// --- internal, a.mu held ---

func (a *Aggregator) locate(m envelope.Message) *Conversation {
	if m.IsGroup() {
		return a.byID[m.ConversationID]
	}
	if m.ConversationID != "" {
		if c, ok := a.byID[m.ConversationID]; ok {
			return c
		}
	}
	if id, ok := a.byPair[pairKey(m.SenderID, m.ReceiverID)]; ok {
		return a.byID[id]
	}
	return nil
}

func (a *Aggregator) involves(m envelope.Message) bool {
	if m.IsGroup() {
		return m.ConversationID != ""
	}
	return m.SenderID == a.self || m.ReceiverID == a.self
}

func (a *Aggregator) synthesize(m envelope.Message) *Conversation {
	c := &Conversation{ID: m.ConversationID}
	if m.IsGroup() {
		c.Kind = Group
		c.ParticipantIDs = participantSet(a.self, m.SenderID)
	} else {
		c.Kind = Direct
		c.ParticipantIDs = participantSet(m.SenderID, m.ReceiverID)
		if c.ID == "" {
			c.ID = ProvisionalPrefix + uuid.NewString()
			c.Provisional = true
		}
	}
	a.insert(c)
	return c
}

func (a *Aggregator) insert(c *Conversation) {
	a.byID[c.ID] = c
	if c.Kind == Direct && len(c.ParticipantIDs) == 2 {
		key := pairKey(c.ParticipantIDs[0], c.ParticipantIDs[1])
		if _, taken := a.byPair[key]; !taken || !c.Provisional {
			a.byPair[key] = c.ID
		}
	}
}

func (a *Aggregator) drop(c *Conversation) {
	delete(a.byID, c.ID)
	if c.Kind == Direct && len(c.ParticipantIDs) == 2 {
		key := pairKey(c.ParticipantIDs[0], c.ParticipantIDs[1])
		if a.byPair[key] == c.ID {
			delete(a.byPair, key)
		}
	}
}

// reconcile turns provisional c into realID, merging into an existing
// server entry when one is already known. It returns the surviving entry.
func (a *Aggregator) reconcile(c *Conversation, realID string) *Conversation {
	if existing, ok := a.byID[realID]; ok && existing != c {
		a.mergeInto(c, existing)
		return existing
	}
	oldID := c.ID
	a.drop(c)
	c.ID = realID
	c.Provisional = false
	a.insert(c)
	if a.focused == oldID {
		a.focused = realID
	}
	return c
}

// mergeInto folds provisional p into confirmed c and removes p.
func (a *Aggregator) mergeInto(p, c *Conversation) {
	if p.LastActivityAt.After(c.LastActivityAt) {
		c.LastActivityAt = p.LastActivityAt
		c.LastMessagePreview = p.LastMessagePreview
	}
	c.UnreadCount += p.UnreadCount
	a.drop(p)
	a.insert(c)
	if a.focused == p.ID {
		a.focused = c.ID
		c.UnreadCount = 0
	}
}

// commit re-sorts and returns what observers need.
func (a *Aggregator) commit() ([]Conversation, []func([]Conversation)) {
	a.order = a.order[:0]
	for _, c := range a.byID {
		a.order = append(a.order, c)
	}
	sort.Slice(a.order, func(i, j int) bool { return less(a.order[i], a.order[j]) })
	if len(a.observers) == 0 {
		return nil, nil
	}
	return a.snapshot(), append(([]func([]Conversation))(nil), a.observers...)
}

func (a *Aggregator) snapshot() []Conversation {
	out := make([]Conversation, len(a.order))
	for i, c := range a.order {
		out[i] = c.clone()
	}
	return out
}

func notify(observers []func([]Conversation), list []Conversation) {
	for _, fn := range observers {
		fn(list)
	}
}
