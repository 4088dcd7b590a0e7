package node

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"difs/net/mcast"
	"difs/oid"
)

// Member is one node learned from the announcement channel.
type Member struct {
	ID         oid.Oid
	DataPrefix string
	Addresses  []string
	Segments   uint64
	LastSeen   time.Time
}

// Ring tracks the announced membership of the key-space ring. Updates
// arrive from the multicast listener goroutine, reads from the dispatcher,
// so access is locked.
type Ring struct {
	mu      sync.Mutex
	ttl     time.Duration
	members map[string]*Member
}

func NewRing(ttl time.Duration) *Ring {
	return &Ring{ttl: ttl, members: make(map[string]*Member)}
}

func (r *Ring) Update(msg *mcast.Announcement) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.members[msg.NodeID.String()] = &Member{
		ID:         msg.NodeID,
		DataPrefix: msg.DataPrefix,
		Addresses:  msg.Addresses,
		Segments:   msg.Segments,
		LastSeen:   time.Now(),
	}
}

// Members returns the live membership sorted by node id, dropping entries
// not heard from within the TTL.
func (r *Ring) Members() []*Member {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-r.ttl)
	var out []*Member
	for id, m := range r.members {
		if m.LastSeen.Before(cutoff) {
			delete(r.members, id)
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}

// Render draws the ring layout. Each member owns the arc from its own id
// up to its successor's; a lone node owns the whole key space.
func (r *Ring) Render() string {
	members := r.Members()
	if len(members) == 0 {
		return "ring is empty\n"
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "ring with %d node(s)\n", len(members))
	for i, m := range members {
		succ := members[(i+1)%len(members)]
		from := m.ID.String()
		to := succ.ID.String()
		if len(members) == 1 {
			fmt.Fprintf(&sb, "  %s at %s owns the whole key space (%d segments)\n",
				from, m.DataPrefix, m.Segments)
			continue
		}
		fmt.Fprintf(&sb, "  %s at %s owns [%s, %s) (%d segments)\n",
			from, m.DataPrefix, from, to, m.Segments)
	}
	return sb.String()
}
