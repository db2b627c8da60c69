package relay

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSubscriber struct {
	id     string
	mu     sync.Mutex
	msgs   [][]byte
	refuse bool
}

func newFakeSubscriber(id string) *fakeSubscriber { return &fakeSubscriber{id: id} }

func (s *fakeSubscriber) ID() string { return s.id }

func (s *fakeSubscriber) Send(msg []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refuse {
		return false
	}
	s.msgs = append(s.msgs, msg)
	return true
}

func (s *fakeSubscriber) received() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.msgs...)
}

func TestRoomRegistry_JoinLeave(t *testing.T) {
	r := NewRoomRegistry()
	a := newFakeSubscriber("a")
	b := newFakeSubscriber("b")

	assert.True(t, r.Join("tenant-1", a))
	assert.False(t, r.Join("tenant-1", a), "second join is a no-op")
	assert.True(t, r.Join("tenant-1", b))
	assert.True(t, r.Join("tenant-2", a))

	assert.Equal(t, 2, r.RoomCount())
	assert.Equal(t, 2, r.SubscriberCount())
	assert.Equal(t, []Subscriber{a, b}, r.Members("tenant-1"))
	assert.True(t, r.IsMember("tenant-2", "a"))

	assert.True(t, r.Leave("tenant-2", "a"))
	assert.False(t, r.Leave("tenant-2", "a"))
	assert.Equal(t, 1, r.RoomCount(), "empty rooms are pruned")
	assert.Empty(t, r.Members("tenant-2"))

	assert.Equal(t, 2, r.SubscriberCount())
}

func TestRoomRegistry_LeaveAll(t *testing.T) {
	r := NewRoomRegistry()
	a := newFakeSubscriber("a")
	r.Join("tenant-2", a)
	r.Join("tenant-1", a)
	r.Join("tenant-1", newFakeSubscriber("b"))

	assert.Equal(t, []string{"tenant-1", "tenant-2"}, r.LeaveAll("a"))
	assert.Nil(t, r.LeaveAll("a"))
	assert.Equal(t, 1, r.RoomCount())
	assert.Equal(t, 1, r.SubscriberCount())
}

func TestRoomRegistry_ConcurrentIsolation(t *testing.T) {
	r := NewRoomRegistry()
	const tenants = 8
	const perTenant = 25

	var wg sync.WaitGroup
	for ti := 0; ti < tenants; ti++ {
		for si := 0; si < perTenant; si++ {
			wg.Add(1)
			go func(ti, si int) {
				defer wg.Done()
				tenant := fmt.Sprintf("tenant-%d", ti)
				sub := newFakeSubscriber(fmt.Sprintf("%s/sub-%d", tenant, si))
				r.Join(tenant, sub)
				if si%5 == 0 {
					r.Leave(tenant, sub.ID())
				}
				_ = r.Members(tenant)
			}(ti, si)
		}
	}
	wg.Wait()

	require.Equal(t, tenants, r.RoomCount())
	for ti := 0; ti < tenants; ti++ {
		tenant := fmt.Sprintf("tenant-%d", ti)
		members := r.Members(tenant)
		assert.Len(t, members, perTenant-perTenant/5)
		for _, m := range members {
			assert.Contains(t, m.ID(), tenant+"/", "member of another tenant in %s", tenant)
		}
	}
}

func TestRoomName(t *testing.T) {
	assert.Equal(t, "transporteur_T1", RoomName("T1"))
}
