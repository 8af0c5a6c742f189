package room

// applyStateEvent mirrors one state event into Metadata or the roster,
// per spec §4.4 "mirror state-changing events (name, topic, power levels,
// encryption, tombstone, membership) into per-room fields."
func (r *Room) applyStateEvent(ev RawEvent) {
	switch ev.Type {
	case "m.room.name":
		name, _ := ev.Content["name"].(string)
		r.mu.Lock()
		r.meta.Name = name
		r.mu.Unlock()
	case "m.room.topic":
		topic, _ := ev.Content["topic"].(string)
		r.mu.Lock()
		r.meta.Topic = topic
		r.mu.Unlock()
	case "m.room.power_levels":
		r.mu.Lock()
		r.meta.PowerLevels = parsePowerLevels(ev.Content)
		r.mu.Unlock()
	case "m.room.encryption":
		r.mu.Lock()
		r.meta.Encrypted = true
		r.mu.Unlock()
	case "m.room.tombstone":
		replacement, _ := ev.Content["replacement_room"].(string)
		r.mu.Lock()
		r.meta.TombstoneRoom = replacement
		r.mu.Unlock()
	case "m.room.member":
		if ev.StateKey != nil {
			r.applyMembership(*ev.StateKey, ev)
		}
	}
}

func parsePowerLevels(content map[string]interface{}) map[string]int64 {
	users, _ := content["users"].(map[string]interface{})
	out := make(map[string]int64, len(users))
	for uid, v := range users {
		switch n := v.(type) {
		case float64:
			out[uid] = int64(n)
		case int64:
			out[uid] = n
		}
	}
	return out
}

// applyMembership projects one m.room.member event into the joined/invited
// rosters: add to joined, move invited->joined, or remove from joined on
// leave/ban (spec §4.4).
func (r *Room) applyMembership(userID string, ev RawEvent) {
	membership, _ := ev.Content["membership"].(string)
	displayName, _ := ev.Content["displayname"].(string)

	r.mu.Lock()
	defer r.mu.Unlock()

	switch membership {
	case "join":
		delete(r.invited, userID)
		r.joined[userID] = &Member{UserID: userID, DisplayName: displayName, Membership: "join"}
	case "invite":
		if _, alreadyJoined := r.joined[userID]; !alreadyJoined {
			r.invited[userID] = &Member{UserID: userID, DisplayName: displayName, Membership: "invite"}
		}
	case "leave", "ban":
		delete(r.joined, userID)
		delete(r.invited, userID)
	}
}
