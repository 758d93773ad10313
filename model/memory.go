package model

import (
	"context"
	"sync"
)

// In-memory store implementations. They back the router tests and double as
// a storage mode for local development without MySQL.

// MemoryUserStore is a map-backed UserStore.
type MemoryUserStore struct {
	mu     sync.Mutex
	nextID int64
	users  map[int64]User
}

func NewMemoryUserStore() *MemoryUserStore {
	return &MemoryUserStore{nextID: 1, users: make(map[int64]User)}
}

func (s *MemoryUserStore) Insert(_ context.Context, name, passwordHash string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.users[id] = User{ID: id, Name: name, Password: passwordHash}
	return id, nil
}

func (s *MemoryUserStore) QueryByID(_ context.Context, id int64) (User, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	return u, ok, nil
}

// MemoryFriendStore is a map-backed FriendStore.
type MemoryFriendStore struct {
	mu      sync.Mutex
	friends map[int64][]int64
	users   *MemoryUserStore
}

func NewMemoryFriendStore(users *MemoryUserStore) *MemoryFriendStore {
	return &MemoryFriendStore{friends: make(map[int64][]int64), users: users}
}

func (s *MemoryFriendStore) Insert(_ context.Context, userID, friendID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.friends[userID] = append(s.friends[userID], friendID)
	return nil
}

func (s *MemoryFriendStore) QueryFriendsOf(ctx context.Context, userID int64) ([]User, error) {
	s.mu.Lock()
	ids := append([]int64(nil), s.friends[userID]...)
	s.mu.Unlock()

	var out []User
	for _, id := range ids {
		if u, ok, _ := s.users.QueryByID(ctx, id); ok {
			out = append(out, u)
		}
	}
	return out, nil
}

// MemoryGroupStore is a map-backed GroupStore.
type MemoryGroupStore struct {
	mu      sync.Mutex
	nextID  int64
	groups  map[int64]Group
	members map[int64][]int64
	users   *MemoryUserStore
}

func NewMemoryGroupStore(users *MemoryUserStore) *MemoryGroupStore {
	return &MemoryGroupStore{
		nextID:  1,
		groups:  make(map[int64]Group),
		members: make(map[int64][]int64),
		users:   users,
	}
}

func (s *MemoryGroupStore) CreateGroup(_ context.Context, name, desc string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.groups[id] = Group{ID: id, Name: name, Desc: desc}
	return id, nil
}

func (s *MemoryGroupStore) AddMember(_ context.Context, userID, groupID int64, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.members[groupID] = append(s.members[groupID], userID)
	return nil
}

func (s *MemoryGroupStore) QueryGroupsOf(ctx context.Context, userID int64) ([]Group, error) {
	s.mu.Lock()
	var groupIDs []int64
	for gid, members := range s.members {
		for _, uid := range members {
			if uid == userID {
				groupIDs = append(groupIDs, gid)
				break
			}
		}
	}
	s.mu.Unlock()

	var out []Group
	for _, gid := range groupIDs {
		s.mu.Lock()
		g := s.groups[gid]
		memberIDs := append([]int64(nil), s.members[gid]...)
		s.mu.Unlock()
		for _, uid := range memberIDs {
			if u, ok, _ := s.users.QueryByID(ctx, uid); ok {
				g.Members = append(g.Members, u)
			}
		}
		out = append(out, g)
	}
	return out, nil
}

func (s *MemoryGroupStore) QueryMembersOf(_ context.Context, groupID int64) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.members[groupID]...), nil
}

// MemoryOfflineStore is a map-backed OfflineStore.
type MemoryOfflineStore struct {
	mu   sync.Mutex
	msgs map[int64][][]byte
}

func NewMemoryOfflineStore() *MemoryOfflineStore {
	return &MemoryOfflineStore{msgs: make(map[int64][][]byte)}
}

func (s *MemoryOfflineStore) Insert(_ context.Context, userID int64, envelope []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := append([]byte(nil), envelope...)
	s.msgs[userID] = append(s.msgs[userID], cp)
	return nil
}

func (s *MemoryOfflineStore) Query(_ context.Context, userID int64) ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.msgs[userID]))
	copy(out, s.msgs[userID])
	return out, nil
}

func (s *MemoryOfflineStore) Remove(_ context.Context, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.msgs, userID)
	return nil
}
