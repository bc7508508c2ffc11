// Package conversation folds chat messages into per-conversation summaries
// and keeps them ordered by unread state and recency.
package conversation

import (
	"slices"
	"sort"
	"strings"
	"time"
)

// Kind distinguishes one-to-one conversations from groups.
type Kind string

const (
	Direct Kind = "DIRECT"
	Group  Kind = "GROUP"
)

// ProvisionalPrefix marks ids generated client-side before the backend
// confirmed the conversation.
const ProvisionalPrefix = "temp_"

// previewLimit caps the stored preview, in runes.
const previewLimit = 120

// Conversation is the summary row the client keeps per conversation.
type Conversation struct {
	ID                 string
	Kind               Kind
	Name               string
	ParticipantIDs     []string // sorted, unique
	LastMessagePreview string
	LastActivityAt     time.Time
	UnreadCount        int
	Provisional        bool
}

// HasParticipant reports whether id is a member.
func (c Conversation) HasParticipant(id string) bool {
	return slices.Contains(c.ParticipantIDs, id)
}

// Peer returns the other participant of a DIRECT conversation.
func (c Conversation) Peer(self string) string {
	for _, p := range c.ParticipantIDs {
		if p != self {
			return p
		}
	}
	return ""
}

func (c Conversation) clone() Conversation {
	c.ParticipantIDs = append([]string(nil), c.ParticipantIDs...)
	return c
}

// IsProvisionalID reports whether id was generated client-side.
func IsProvisionalID(id string) bool {
	return strings.HasPrefix(id, ProvisionalPrefix)
}

func participantSet(ids ...string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// pairKey identifies a DIRECT conversation by its unordered member pair.
func pairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "\x00" + b
}

func preview(content string) string {
	r := []rune(strings.TrimSpace(content))
	if len(r) <= previewLimit {
		return string(r)
	}
	return string(r[:previewLimit]) + "…"
}

// less is the list order: unread conversations first, then most recent
// activity, then id for a stable result.
func less(a, b *Conversation) bool {
	au, bu := a.UnreadCount > 0, b.UnreadCount > 0
	if au != bu {
		return au
	}
	if !a.LastActivityAt.Equal(b.LastActivityAt) {
		return a.LastActivityAt.After(b.LastActivityAt)
	}
	return a.ID < b.ID
}
