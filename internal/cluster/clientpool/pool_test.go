package clientpool

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"

	"github.com/easynet-cn/batata-sub002/internal/types"
	"github.com/easynet-cn/batata-sub002/internal/wire"
)

type fakeRequester struct {
	mu        sync.Mutex
	sentTo    []string
	failFirstN map[string]int
}

func (f *fakeRequester) RequestWithContext(ctx context.Context, subj string, data []byte) (*nats.Msg, error) {
	f.mu.Lock()
	f.sentTo = append(f.sentTo, subj)
	remaining := f.failFirstN[subj]
	if remaining > 0 {
		f.failFirstN[subj] = remaining - 1
	}
	f.mu.Unlock()

	if remaining > 0 {
		return nil, errors.New("transient dial failure")
	}

	var env wire.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	reply, err := wire.NewRequest(env.RequestID, "ConfigChangeClusterSyncResponse", struct{}{})
	if err != nil {
		return nil, err
	}
	replyData, err := json.Marshal(reply)
	if err != nil {
		return nil, err
	}
	return &nats.Msg{Data: replyData}, nil
}

func (f *fakeRequester) callCount(subj string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.sentTo {
		if s == subj {
			n++
		}
	}
	return n
}

type fakeMembers struct {
	self    *types.Member
	members []*types.Member
}

func (f *fakeMembers) GetSelf() *types.Member     { return f.self }
func (f *fakeMembers) AllMembers() []*types.Member { return f.members }

func newPool(req *fakeRequester, members *fakeMembers) *Pool {
	return &Pool{conn: req, members: members}
}

func TestSendSucceedsOnFirstTry(t *testing.T) {
	req := &fakeRequester{failFirstN: map[string]int{}}
	p := newPool(req, &fakeMembers{self: &types.Member{Address: "node-a:8848"}})

	env, err := wire.NewRequest("req-1", wire.TypeConfigChangeClusterSyncRequest, wire.ConfigChangeClusterSyncArgs{})
	require.NoError(t, err)

	reply, err := p.Send(context.Background(), "node-b:8848", env)
	require.NoError(t, err)
	require.Equal(t, "req-1", reply.RequestID)
}

func TestSendRetriesOnTransientFailureThenSucceeds(t *testing.T) {
	subj := "batata.cluster.peer.node-b_8848"
	req := &fakeRequester{failFirstN: map[string]int{subj: 2}}
	p := newPool(req, &fakeMembers{self: &types.Member{Address: "node-a:8848"}})

	env, _ := wire.NewRequest("req-2", wire.TypeConfigChangeClusterSyncRequest, wire.ConfigChangeClusterSyncArgs{})
	_, err := p.Send(context.Background(), "node-b:8848", env)
	if err != nil {
		t.Fatalf("expected eventual success within retry budget, got %v", err)
	}
}

func TestSendGivesUpAfterMaxRetries(t *testing.T) {
	subj := "batata.cluster.peer.node-b_8848"
	req := &fakeRequester{failFirstN: map[string]int{subj: MaxRetries + 5}}
	p := newPool(req, &fakeMembers{self: &types.Member{Address: "node-a:8848"}})

	env, _ := wire.NewRequest("req-3", wire.TypeConfigChangeClusterSyncRequest, wire.ConfigChangeClusterSyncArgs{})
	_, err := p.Send(context.Background(), "node-b:8848", env)
	if err == nil {
		t.Fatalf("expected failure once retries are exhausted")
	}
}

func TestBroadcastSkipsSelfAndIsolatedMembers(t *testing.T) {
	req := &fakeRequester{failFirstN: map[string]int{}}
	self := &types.Member{Address: "node-a:8848"}
	members := &fakeMembers{
		self: self,
		members: []*types.Member{
			self,
			{Address: "node-b:8848", State: types.MemberUp},
			{Address: "node-c:8848", State: types.MemberIsolation},
		},
	}
	p := newPool(req, members)

	args := wire.ConfigChangeClusterSyncArgs{}
	p.BroadcastConfigChange(context.Background(), args)

	require.Equal(t, 1, req.callCount("batata.cluster.peer.node-b_8848"), "expected exactly one send to up member")
	require.Equal(t, 0, req.callCount("batata.cluster.peer.node-a_8848"), "expected no send to self")
	require.Equal(t, 0, req.callCount("batata.cluster.peer.node-c_8848"), "expected no send to isolated member")
}
