package session

import "sync"

// GroupCache holds, per group, the members currently connected to this node.
// It is a delivery shortcut for inbound cross-node group messages, never the
// source of truth for membership (the group store is). It is populated at
// login and trimmed as members disconnect; a group key is dropped entirely
// when its local member set empties.
//
// A reverse index (user → groups) lets disconnect cleanup run without
// re-querying the group store. Both maps belong to this one component and
// share its single mutex.
type GroupCache struct {
	mu      sync.Mutex
	members map[int64]map[int64]struct{} // groupID → local member set
	byUser  map[int64]map[int64]struct{} // userID → groups it is cached in
}

func NewGroupCache() *GroupCache {
	return &GroupCache{
		members: make(map[int64]map[int64]struct{}),
		byUser:  make(map[int64]map[int64]struct{}),
	}
}

// AddMember records that a locally connected user belongs to a group.
func (g *GroupCache) AddMember(groupID, userID int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	set, ok := g.members[groupID]
	if !ok {
		set = make(map[int64]struct{})
		g.members[groupID] = set
	}
	set[userID] = struct{}{}

	groups, ok := g.byUser[userID]
	if !ok {
		groups = make(map[int64]struct{})
		g.byUser[userID] = groups
	}
	groups[groupID] = struct{}{}
}

// RemoveMember drops one membership, pruning the group key if it empties.
func (g *GroupCache) RemoveMember(groupID, userID int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.removeLocked(groupID, userID)
}

// RemoveUser drops the user from every group it was cached in; called from
// the shared logout/disconnect cleanup path.
func (g *GroupCache) RemoveUser(userID int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for groupID := range g.byUser[userID] {
		g.removeLocked(groupID, userID)
	}
}

// Members returns a snapshot of the group's locally connected members.
func (g *GroupCache) Members(groupID int64) []int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	set := g.members[groupID]
	if len(set) == 0 {
		return nil
	}
	out := make([]int64, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// Groups returns a snapshot of the groups a user is cached in.
func (g *GroupCache) Groups(userID int64) []int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	set := g.byUser[userID]
	if len(set) == 0 {
		return nil
	}
	out := make([]int64, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

func (g *GroupCache) removeLocked(groupID, userID int64) {
	if set, ok := g.members[groupID]; ok {
		delete(set, userID)
		if len(set) == 0 {
			delete(g.members, groupID)
		}
	}
	if groups, ok := g.byUser[userID]; ok {
		delete(groups, groupID)
		if len(groups) == 0 {
			delete(g.byUser, userID)
		}
	}
}
