package frame

import (
	"crypto/rand"
	"encoding/binary"
	"sync"
	"time"
)

// IDGen generates monotonic ULID frame ids. Safe for concurrent use.
type IDGen struct {
	mu     sync.Mutex
	lastMs uint64
	last   [16]byte
	now    func() time.Time
}

// NewIDGen creates a frame id generator.
func NewIDGen() *IDGen {
	return &IDGen{now: time.Now}
}

// Next returns a new id. Within one millisecond the 80-bit random tail is
// incremented so ids stay strictly ordered.
func (g *IDGen) Next() [16]byte {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := uint64(g.now().UnixMilli())
	var id [16]byte
	binary.BigEndian.PutUint16(id[0:2], uint16(ms>>32))
	binary.BigEndian.PutUint32(id[2:6], uint32(ms))

	if ms == g.lastMs {
		copy(id[6:], g.last[6:])
		for i := 15; i >= 6; i-- {
			id[i]++
			if id[i] != 0 {
				break
			}
		}
	} else {
		_, _ = rand.Read(id[6:])
		g.lastMs = ms
	}
	g.last = id
	return id
}
