package presence

import (
	"io"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/aeolun/buddychat/pkg/protocol"
)

func TestMain(m *testing.M) {
	logrus.SetOutput(io.Discard)
	os.Exit(m.Run())
}

// recorder is an Endpoint that keeps what it receives.
type recorder struct {
	mu         sync.Mutex
	got        []protocol.Envelope
	fail       bool
	gate       chan struct{} // when set, the first Deliver blocks until closed
	gated      chan struct{}
	terminated int
}

func (r *recorder) Deliver(env protocol.Envelope) bool {
	r.mu.Lock()
	gate := r.gate
	r.gate = nil
	r.mu.Unlock()
	if gate != nil {
		close(r.gated)
		<-gate
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return false
	}
	r.got = append(r.got, env)
	return true
}

func (r *recorder) Terminate() {
	r.mu.Lock()
	r.terminated++
	r.mu.Unlock()
}

func (r *recorder) chats() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, env := range r.got {
		if c, ok := env.(*protocol.Chat); ok {
			out = append(out, c.Chat)
		}
	}
	return out
}

func chat(to, text string) *protocol.Chat {
	return &protocol.Chat{
		Header:   protocol.Header{ID: to, Cmd: protocol.CmdChat},
		Chat:     text,
		FriendID: "10000",
		Nickname: "alice",
	}
}

func TestRouteLive(t *testing.T) {
	r := New(0)
	ep := &recorder{}
	require.NoError(t, r.Connect("10001", ep))
	assert.True(t, r.IsOnline("10001"))

	assert.True(t, r.Route("10001", chat("10001", "hi")))
	assert.Equal(t, []string{"hi"}, ep.chats())
	assert.Equal(t, 0, r.MailboxLen("10001"))
}

func TestRouteLiveFailureIsReported(t *testing.T) {
	r := New(0)
	require.NoError(t, r.Connect("10001", &recorder{fail: true}))
	assert.False(t, r.Route("10001", chat("10001", "hi")))
}

func TestMailboxFlushesInOrder(t *testing.T) {
	r := New(0)
	for _, m := range []string{"m1", "m2", "m3"} {
		assert.True(t, r.Route("10001", chat("10001", m)))
	}
	assert.Equal(t, 3, r.MailboxLen("10001"))
	assert.False(t, r.IsOnline("10001"))

	ep := &recorder{}
	require.NoError(t, r.Connect("10001", ep))

	require.Eventually(t, func() bool { return len(ep.chats()) == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"m1", "m2", "m3"}, ep.chats())
	assert.Equal(t, 0, r.MailboxLen("10001"))
}

func TestMailboxEvictsOldest(t *testing.T) {
	r := New(0)
	for i := 0; i < DefaultMailboxCapacity+1; i++ {
		r.Route("10001", chat("10001", strconv.Itoa(i)))
	}
	assert.Equal(t, DefaultMailboxCapacity, r.MailboxLen("10001"))

	ep := &recorder{}
	require.NoError(t, r.Connect("10001", ep))
	require.Eventually(t, func() bool { return len(ep.chats()) == DefaultMailboxCapacity }, time.Second, 5*time.Millisecond)

	got := ep.chats()
	assert.Equal(t, "1", got[0])
	assert.Equal(t, strconv.Itoa(DefaultMailboxCapacity), got[len(got)-1])
}

func TestPresenceNotificationNotQueued(t *testing.T) {
	r := New(0)
	assert.False(t, r.Route("10001", protocol.NewOnlineNotify("10001", "10000", "alice", true)))
	assert.Equal(t, 0, r.MailboxLen("10001"))

	ep := &recorder{}
	require.NoError(t, r.Connect("10001", ep))
	assert.True(t, r.Route("10001", protocol.NewOnlineNotify("10001", "10000", "alice", false)))
	require.Len(t, ep.got, 1)
	assert.Equal(t, protocol.CmdRetOnlineNotify, ep.got[0].Command())
}

func TestConnectRejectsSecondEndpoint(t *testing.T) {
	r := New(0)
	require.NoError(t, r.Connect("10001", &recorder{}))
	assert.ErrorIs(t, r.Connect("10001", &recorder{}), ErrAlreadyOnline)
}

func TestDisconnectIdempotent(t *testing.T) {
	r := New(0)
	assert.False(t, r.Disconnect("10001"))

	require.NoError(t, r.Connect("10001", &recorder{}))
	assert.True(t, r.Disconnect("10001"))
	assert.False(t, r.Disconnect("10001"))
	assert.False(t, r.IsOnline("10001"))

	// routed envelopes queue again once the user is gone
	assert.True(t, r.Route("10001", chat("10001", "later")))
	assert.Equal(t, 1, r.MailboxLen("10001"))
}

func TestRouteWaitsForFlush(t *testing.T) {
	r := New(0)
	r.Route("10001", chat("10001", "m1"))
	r.Route("10001", chat("10001", "m2"))

	gate := make(chan struct{})
	ep := &recorder{gate: gate, gated: make(chan struct{})}
	require.NoError(t, r.Connect("10001", ep))
	<-ep.gated

	routed := make(chan bool)
	go func() { routed <- r.Route("10001", chat("10001", "live")) }()

	select {
	case <-routed:
		t.Fatal("route completed while mailbox flush was in progress")
	case <-time.After(50 * time.Millisecond):
	}

	close(gate)
	assert.True(t, <-routed)
	assert.Equal(t, []string{"m1", "m2", "live"}, ep.chats())
}

func TestFailedFlushRequeues(t *testing.T) {
	r := New(0)
	r.Route("10001", chat("10001", "m1"))
	r.Route("10001", chat("10001", "m2"))

	ep := &recorder{fail: true}
	require.NoError(t, r.Connect("10001", ep))
	require.Eventually(t, func() bool { return r.MailboxLen("10001") == 2 }, time.Second, 5*time.Millisecond)

	require.True(t, r.Disconnect("10001"))
	ok := &recorder{}
	require.NoError(t, r.Connect("10001", ok))
	require.Eventually(t, func() bool { return len(ok.chats()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"m1", "m2"}, ok.chats())
}

func TestShutdownTerminatesEndpoints(t *testing.T) {
	r := New(0)
	a, b := &recorder{}, &recorder{}
	require.NoError(t, r.Connect("10001", a))
	require.NoError(t, r.Connect("10002", b))

	r.Shutdown()
	r.Shutdown()

	assert.Equal(t, 1, a.terminated)
	assert.Equal(t, 1, b.terminated)
	assert.Equal(t, 0, r.OnlineCount())

	assert.ErrorIs(t, r.Connect("10003", &recorder{}), ErrClosed)
	assert.False(t, r.Route("10003", chat("10003", "x")))
	assert.Equal(t, 0, r.MailboxLen("10003"))
}

type gauges struct {
	mu      sync.Mutex
	online  int
	mailbox int
}

func (g *gauges) SetOnlineUsers(n int) {
	g.mu.Lock()
	g.online = n
	g.mu.Unlock()
}

func (g *gauges) SetMailboxDepth(n int) {
	g.mu.Lock()
	g.mailbox = n
	g.mu.Unlock()
}

func TestMetricsTrackState(t *testing.T) {
	r := New(2)
	g := &gauges{}
	r.SetMetrics(g)

	r.Route("10001", chat("10001", "a"))
	r.Route("10001", chat("10001", "b"))
	r.Route("10001", chat("10001", "c"))
	assert.Equal(t, 2, g.mailbox)

	ep := &recorder{}
	require.NoError(t, r.Connect("10001", ep))
	g.mu.Lock()
	assert.Equal(t, 1, g.online)
	assert.Equal(t, 0, g.mailbox)
	g.mu.Unlock()
}

// Any sequence of routes while offline is delivered as its newest-capacity
// suffix, in order.
func TestMailboxProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		capacity := rapid.IntRange(1, 20).Draw(t, "capacity")
		n := rapid.IntRange(0, 60).Draw(t, "messages")

		r := New(capacity)
		var sent []string
		for i := 0; i < n; i++ {
			text := strconv.Itoa(i)
			sent = append(sent, text)
			if !r.Route("10001", chat("10001", text)) {
				t.Fatalf("route %d returned false", i)
			}
		}

		want := sent
		if len(want) > capacity {
			want = want[len(want)-capacity:]
		}
		if got := r.MailboxLen("10001"); got != len(want) {
			t.Fatalf("mailbox holds %d, want %d", got, len(want))
		}

		ep := &recorder{}
		if err := r.Connect("10001", ep); err != nil {
			t.Fatal(err)
		}
		r.Shutdown() // waits for the flush

		got := ep.chats()
		if len(got) != len(want) {
			t.Fatalf("delivered %d, want %d", len(got), len(want))
		}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("position %d: got %s, want %s", i, got[i], want[i])
			}
		}
	})
}
