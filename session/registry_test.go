package session

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

type stubConn struct {
	mu     sync.Mutex
	sent   [][]byte
	authID int64
}

func (c *stubConn) Send(payload []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, payload)
	return true
}

func (c *stubConn) AuthUserID() (int64, bool) { return c.authID, c.authID != 0 }
func (c *stubConn) SetAuthUserID(id int64)    { c.authID = id }
func (c *stubConn) Close()                    {}

func TestRegistryAddGetRemove(t *testing.T) {
	r := NewRegistry()
	conn := &stubConn{}

	_, ok := r.Get(7)
	assert.False(t, ok)

	r.Add(7, conn)
	got, ok := r.Get(7)
	assert.True(t, ok)
	assert.Same(t, conn, got)
	assert.Equal(t, 1, r.Len())

	r.Remove(7)
	_, ok = r.Get(7)
	assert.False(t, ok)
	assert.Equal(t, 0, r.Len())

	// Removing an absent user is a no-op.
	r.Remove(7)
}

func TestGroupCacheMembership(t *testing.T) {
	g := NewGroupCache()

	g.AddMember(10, 1)
	g.AddMember(10, 2)
	g.AddMember(20, 1)

	assert.ElementsMatch(t, []int64{1, 2}, g.Members(10))
	assert.ElementsMatch(t, []int64{1}, g.Members(20))
	assert.ElementsMatch(t, []int64{10, 20}, g.Groups(1))

	g.RemoveMember(10, 2)
	assert.ElementsMatch(t, []int64{1}, g.Members(10))
}

func TestGroupCachePrunesEmptyGroups(t *testing.T) {
	g := NewGroupCache()
	g.AddMember(10, 1)
	g.RemoveMember(10, 1)

	assert.Nil(t, g.Members(10))
	assert.Nil(t, g.Groups(1))
}

func TestGroupCacheRemoveUserEverywhere(t *testing.T) {
	g := NewGroupCache()
	g.AddMember(10, 1)
	g.AddMember(10, 2)
	g.AddMember(20, 1)
	g.AddMember(30, 1)

	g.RemoveUser(1)

	assert.ElementsMatch(t, []int64{2}, g.Members(10))
	assert.Nil(t, g.Members(20), "group 20 emptied and must be dropped")
	assert.Nil(t, g.Members(30), "group 30 emptied and must be dropped")
	assert.Nil(t, g.Groups(1))
}

func TestGroupCacheConcurrentAccess(t *testing.T) {
	g := NewGroupCache()
	var wg sync.WaitGroup
	for i := int64(0); i < 8; i++ {
		wg.Add(1)
		go func(user int64) {
			defer wg.Done()
			for gid := int64(1); gid <= 50; gid++ {
				g.AddMember(gid, user)
			}
			g.RemoveUser(user)
		}(i + 1)
	}
	wg.Wait()

	for gid := int64(1); gid <= 50; gid++ {
		assert.Nil(t, g.Members(gid))
	}
}
