// Package team models PE membership: the world, sub-teams, and the
// translation between team-relative ranks and global PE ids.
//
// Teams are immutable once built. The collective construction protocol
// (every member must participate) is driven by the engine; this package only
// holds the resulting membership tables.
package team

import (
	"fmt"
	"sort"

	"github.com/nmxmxh/pgas_v1/internal/lamellae"
)

// ID names a team. The world is always team 0.
type ID uint32

// WorldID is the id of the all-PEs team.
const WorldID ID = 0

// Team is an ordered, immutable set of global PE ids.
type Team struct {
	id     ID
	pes    []lamellae.PE
	index  map[lamellae.PE]int
	parent *Team
}

// World builds the root team over PEs 0..n-1.
func World(n int) *Team {
	pes := make([]lamellae.PE, n)
	for i := range pes {
		pes[i] = lamellae.PE(i)
	}
	t, _ := build(WorldID, pes, nil)
	return t
}

// Sub derives a child team from t. Every pe must be a member of t, and the
// member list is stored sorted so all participants agree on rank order.
func (t *Team) Sub(id ID, pes []lamellae.PE) (*Team, error) {
	for _, pe := range pes {
		if !t.Contains(pe) {
			return nil, fmt.Errorf("team: pe %d is not a member of team %d", pe, t.id)
		}
	}
	return build(id, pes, t)
}

func build(id ID, pes []lamellae.PE, parent *Team) (*Team, error) {
	if len(pes) == 0 {
		return nil, fmt.Errorf("team: empty member list")
	}
	sorted := make([]lamellae.PE, len(pes))
	copy(sorted, pes)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	index := make(map[lamellae.PE]int, len(sorted))
	for rank, pe := range sorted {
		if _, dup := index[pe]; dup {
			return nil, fmt.Errorf("team: duplicate pe %d", pe)
		}
		index[pe] = rank
	}
	return &Team{id: id, pes: sorted, index: index, parent: parent}, nil
}

// ID returns the team id.
func (t *Team) ID() ID { return t.id }

// Size returns the member count.
func (t *Team) Size() int { return len(t.pes) }

// Members returns the ordered global PE list. Callers must not mutate it.
func (t *Team) Members() []lamellae.PE { return t.pes }

// Parent returns the team this one was derived from, nil for the world.
func (t *Team) Parent() *Team { return t.parent }

// Contains reports membership of a global PE.
func (t *Team) Contains(pe lamellae.PE) bool {
	_, ok := t.index[pe]
	return ok
}

// Rank translates a global PE to its team-relative rank.
func (t *Team) Rank(pe lamellae.PE) (int, bool) {
	r, ok := t.index[pe]
	return r, ok
}

// Global translates a team-relative rank to the global PE id.
func (t *Team) Global(rank int) (lamellae.PE, error) {
	if rank < 0 || rank >= len(t.pes) {
		return 0, fmt.Errorf("team: rank %d out of range [0,%d)", rank, len(t.pes))
	}
	return t.pes[rank], nil
}

// Root returns the global PE acting as this team's root (lowest rank). The
// Darc coordinator and team-construction leader both live there.
func (t *Team) Root() lamellae.PE { return t.pes[0] }
