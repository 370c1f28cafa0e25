package rule

import (
	"encoding/json"
	"net/netip"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/vpnrelay/internal/core"
)

func addr(ip string, port uint16) core.NetworkAddress {
	return core.NetworkAddress{IP: netip.MustParseAddr(ip), Port: port}
}

func request(dst core.NetworkAddress) core.RelayRequest {
	return core.RelayRequest{User: "any", Password: "any", Destination: dst}
}

var (
	user1 = core.User{ID: 1, Name: "alice", VLANID: 10}
	user2 = core.User{ID: 2, Name: "bob", VLANID: 10}
	user3 = core.User{ID: 3, Name: "carol", VLANID: 20}
)

func TestRestrictUserIsScopeExact(t *testing.T) {
	rules := []Rule{{Name: "r1", Kind: KindUser, ScopeID: user1.ID, Blocked: addr("1.2.3.4", 80)}}

	r, blocked := Evaluate(rules, user1, request(addr("1.2.3.4", 80)))
	assert.True(t, blocked)
	assert.Equal(t, "r1", r.Name)

	_, blocked = Evaluate(rules, user1, request(addr("1.2.3.4", 81)))
	assert.False(t, blocked)

	_, blocked = Evaluate(rules, user2, request(addr("1.2.3.4", 80)))
	assert.False(t, blocked)

	_, blocked = Evaluate(rules, user1, request(addr("1.2.3.5", 80)))
	assert.False(t, blocked)
}

func TestRestrictVLANBlocksEveryMember(t *testing.T) {
	rules := []Rule{{Name: "v10", Kind: KindVLAN, ScopeID: 10, Blocked: addr("8.8.8.8", 53)}}
	dst := addr("8.8.8.8", 53)

	for _, u := range []core.User{user1, user2} {
		r, blocked := Evaluate(rules, u, request(dst))
		assert.True(t, blocked, u.Name)
		assert.Equal(t, "v10", r.Name)
	}
	_, blocked := Evaluate(rules, user3, request(dst))
	assert.False(t, blocked)
}

func TestEvaluateReturnsFirstBlockingRule(t *testing.T) {
	dst := addr("10.1.1.1", 22)
	rules := []Rule{
		{ID: 0, Name: "other-dest", Kind: KindUser, ScopeID: user1.ID, Blocked: addr("10.1.1.1", 23)},
		{ID: 1, Name: "by-vlan", Kind: KindVLAN, ScopeID: user1.VLANID, Blocked: dst},
		{ID: 2, Name: "by-user", Kind: KindUser, ScopeID: user1.ID, Blocked: dst},
	}

	r, blocked := Evaluate(rules, user1, request(dst))
	require.True(t, blocked)
	assert.Equal(t, "by-vlan", r.Name)

	_, blocked = Evaluate(nil, user1, request(dst))
	assert.False(t, blocked)
}

func TestUnknownKindNeverBlocks(t *testing.T) {
	r := Rule{Name: "zero", ScopeID: user1.ID, Blocked: addr("1.1.1.1", 1)}
	assert.False(t, r.Blocks(user1, request(addr("1.1.1.1", 1))))
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("USER")
	require.NoError(t, err)
	assert.Equal(t, KindUser, k)

	k, err = ParseKind("vlan")
	require.NoError(t, err)
	assert.Equal(t, KindVLAN, k)

	_, err = ParseKind("subnet")
	assert.Error(t, err)
}

func TestRuleJSON(t *testing.T) {
	r := Rule{ID: 3, Name: "dns", Kind: KindVLAN, ScopeID: 7, Blocked: addr("8.8.4.4", 53)}

	data, err := json.Marshal(r)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":3,"name":"dns","kind":"vlan","scope_id":7,"blocked":{"ip":"8.8.4.4","port":53}}`, string(data))

	var back Rule
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, r, back)

	assert.Error(t, json.Unmarshal([]byte(`{"kind":"subnet"}`), &back))
}

func TestSetCompactsIDs(t *testing.T) {
	s := NewSet()
	for _, name := range []string{"a", "b", "c"} {
		s.Add(Rule{Name: name, Kind: KindUser})
	}

	require.NoError(t, s.Remove(1))
	rules := s.List()
	require.Len(t, rules, 2)
	assert.Equal(t, uint32(0), rules[0].ID)
	assert.Equal(t, "a", rules[0].Name)
	assert.Equal(t, uint32(1), rules[1].ID)
	assert.Equal(t, "c", rules[1].Name)

	assert.ErrorIs(t, s.Remove(2), core.ErrRuleNotFound)
	assert.Equal(t, 2, s.Len())

	added := s.Add(Rule{Name: "d", Kind: KindVLAN})
	assert.Equal(t, uint32(2), added.ID)
}

func TestSetListIsSnapshot(t *testing.T) {
	s := NewSet()
	s.Add(Rule{Name: "a", Kind: KindUser})
	list := s.List()
	list[0].Name = "changed"
	assert.Equal(t, "a", s.List()[0].Name)
}

func TestSetConcurrentEvaluate(t *testing.T) {
	s := NewSet()
	dst := addr("1.2.3.4", 80)
	s.Add(Rule{Name: "r1", Kind: KindUser, ScopeID: user1.ID, Blocked: dst})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				s.Evaluate(user1, request(dst))
				s.Add(Rule{Name: "x", Kind: KindVLAN, ScopeID: 99})
			}
		}()
	}
	wg.Wait()

	r, blocked := s.Evaluate(user1, request(dst))
	assert.True(t, blocked)
	assert.Equal(t, "r1", r.Name)
	assert.Equal(t, 801, s.Len())
}
