package room

import (
	"fmt"
	"sort"
)

// regenerateNameIfNeeded computes the derived display name from up to three
// non-self members when the room has no explicit m.room.name (spec §4.4
// "Derived name"): joined members take priority, falling back to invited if
// no one has joined yet.
func (r *Room) regenerateNameIfNeeded() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.meta.Name != "" {
		return
	}
	r.meta.Name = deriveRoomName(r.joined, r.invited, r.selfID)
}

func deriveRoomName(joined, invited map[string]*Member, selfID string) string {
	others := otherMembers(joined, selfID)
	if len(others) == 0 {
		others = otherMembers(invited, selfID)
	}
	if len(others) == 0 {
		return "Empty room"
	}

	sort.Slice(others, func(i, j int) bool { return others[i].UserID < others[j].UserID })

	names := make([]string, 0, len(others))
	for _, m := range others {
		name := m.DisplayName
		if name == "" {
			name = m.UserID
		}
		names = append(names, name)
	}

	switch {
	case len(names) == 1:
		return names[0]
	case len(names) == 2:
		return fmt.Sprintf("%s and %s", names[0], names[1])
	default:
		return fmt.Sprintf("%s and %s and %d other(s)", names[0], names[1], len(names)-2)
	}
}

func otherMembers(members map[string]*Member, selfID string) []*Member {
	out := make([]*Member, 0, len(members))
	for uid, m := range members {
		if uid == selfID {
			continue
		}
		out = append(out, m)
	}
	return out
}
