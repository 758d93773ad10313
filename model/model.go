// Package model holds the persistent collaborator contracts the router
// consumes (users, friendships, groups, offline messages) and their MySQL
// implementations. The router only ever sees the interfaces; tests use the
// in-memory variants.
package model

import "context"

// User is a registered account. Password holds the bcrypt hash, never the
// plaintext.
type User struct {
	ID       int64
	Name     string
	Password string
}

// Group is a chat group with its full member roster.
type Group struct {
	ID      int64
	Name    string
	Desc    string
	Members []User
}

// UserStore persists accounts.
type UserStore interface {
	// Insert creates an account and returns its assigned id.
	Insert(ctx context.Context, name, passwordHash string) (int64, error)
	// QueryByID fetches an account; ok=false means no such user.
	QueryByID(ctx context.Context, id int64) (User, bool, error)
}

// FriendStore persists the (symmetric) friendship relation.
type FriendStore interface {
	Insert(ctx context.Context, userID, friendID int64) error
	QueryFriendsOf(ctx context.Context, userID int64) ([]User, error)
}

// GroupStore persists groups and the authoritative membership relation.
type GroupStore interface {
	CreateGroup(ctx context.Context, name, desc string) (int64, error)
	AddMember(ctx context.Context, userID, groupID int64, role string) error
	// QueryGroupsOf returns every group the user belongs to, rosters
	// included.
	QueryGroupsOf(ctx context.Context, userID int64) ([]Group, error)
	// QueryMembersOf returns the full member id list of one group.
	QueryMembersOf(ctx context.Context, groupID int64) ([]int64, error)
}

// OfflineStore holds messages for recipients with no current presence,
// delivered and purged on their next login.
type OfflineStore interface {
	Insert(ctx context.Context, userID int64, envelope []byte) error
	Query(ctx context.Context, userID int64) ([][]byte, error)
	Remove(ctx context.Context, userID int64) error
}
