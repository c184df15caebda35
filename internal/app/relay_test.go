package app

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/meet60/meet60/internal/core"
	"github.com/meet60/meet60/internal/domain"
	"github.com/meet60/meet60/internal/protocol"
)

type fakeConn struct {
	mu         sync.Mutex
	frames     []core.Frame
	unwritable bool
}

func (c *fakeConn) TrySend(f core.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.unwritable {
		return errors.New("unwritable")
	}
	c.frames = append(c.frames, f)
	return nil
}

func (c *fakeConn) Close() {}

// types decodes the envelope type of every received frame, in order.
func (c *fakeConn) types(t *testing.T) []string {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.frames))
	for _, f := range c.frames {
		var env protocol.Envelope
		if err := json.Unmarshal(f, &env); err != nil {
			t.Fatalf("bad frame %q: %v", f, err)
		}
		out = append(out, env.Type)
	}
	return out
}

func (c *fakeConn) countOf(t *testing.T, msgType string) int {
	t.Helper()
	n := 0
	for _, typ := range c.types(t) {
		if typ == msgType {
			n++
		}
	}
	return n
}

// last decodes the most recent frame into v.
func (c *fakeConn) last(t *testing.T, v any) {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.frames) == 0 {
		t.Fatalf("no frames received")
	}
	if err := json.Unmarshal(c.frames[len(c.frames)-1], v); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
}

func connect(t *testing.T, r *Relay, sid core.SessionID) *fakeConn {
	t.Helper()
	conn := &fakeConn{}
	peer := domain.NewPeer(domain.PeerID(sid), "")
	r.Connect(sid, core.NewMemberSession(&peer, conn))
	return conn
}

func TestJoinEmptyRoomYieldsEmptyRoster(t *testing.T) {
	relay := NewRelay(NewRegistry())
	alice := connect(t, relay, "alice")

	relay.Join("alice", "r1", "Alice")

	var roster protocol.PeersInRoom
	alice.last(t, &roster)
	if roster.Type != protocol.TypePeersInRoom {
		t.Fatalf("type=%q, want peers-in-room", roster.Type)
	}
	if len(roster.Peers) != 0 {
		t.Fatalf("peers=%v, want empty roster", roster.Peers)
	}
	if alice.countOf(t, protocol.TypePeerJoin) != 0 {
		t.Fatalf("joiner must not receive its own peer-join")
	}
}

func TestJoinAnnouncesToExistingMembers(t *testing.T) {
	relay := NewRelay(NewRegistry())
	alice := connect(t, relay, "alice")
	bob := connect(t, relay, "bob")

	relay.Join("alice", "r1", "Alice")
	relay.Join("bob", "r1", "Bob")

	if n := alice.countOf(t, protocol.TypePeerJoin); n != 1 {
		t.Fatalf("alice received %d peer-join, want exactly 1", n)
	}
	var announce protocol.PeerJoin
	alice.last(t, &announce)
	if announce.PeerID != "bob" || announce.DisplayName != "Bob" {
		t.Fatalf("announce=%+v, want bob/Bob", announce)
	}

	var roster protocol.PeersInRoom
	bob.last(t, &roster)
	if len(roster.Peers) != 1 || roster.Peers[0].ID != "alice" {
		t.Fatalf("bob roster=%+v, want exactly alice", roster.Peers)
	}
	// Roster and announcement are distinct deliveries, never merged.
	if n := bob.countOf(t, protocol.TypePeerJoin); n != 0 {
		t.Fatalf("joiner received %d peer-join frames about itself", n)
	}
}

func TestJoinRoomOfSizeK(t *testing.T) {
	relay := NewRelay(NewRegistry())
	const k = 3
	conns := make(map[core.SessionID]*fakeConn, k)
	for i := 0; i < k; i++ {
		sid := core.SessionID(fmt.Sprintf("m%d", i))
		conns[sid] = connect(t, relay, sid)
		relay.Join(sid, "r1", string(sid))
	}

	joiner := connect(t, relay, "new")
	relay.Join("new", "r1", "New")

	var roster protocol.PeersInRoom
	joiner.last(t, &roster)
	if len(roster.Peers) != k {
		t.Fatalf("joiner roster has %d entries, want %d", len(roster.Peers), k)
	}
	for sid, conn := range conns {
		got := 0
		conn.mu.Lock()
		for _, f := range conn.frames {
			var announce protocol.PeerJoin
			if json.Unmarshal(f, &announce) == nil &&
				announce.Type == protocol.TypePeerJoin && announce.PeerID == "new" {
				got++
			}
		}
		conn.mu.Unlock()
		if got != 1 {
			t.Fatalf("member %s received %d peer-join for the joiner, want exactly 1", sid, got)
		}
	}
}

func TestJoinIdempotentPerSession(t *testing.T) {
	relay := NewRelay(NewRegistry())
	alice := connect(t, relay, "alice")
	bob := connect(t, relay, "bob")

	relay.Join("alice", "r1", "Alice")
	relay.Join("bob", "r1", "Bob")
	relay.Join("bob", "r1", "Bob")

	if n := alice.countOf(t, protocol.TypePeerJoin); n != 1 {
		t.Fatalf("alice received %d peer-join for bob, want 1", n)
	}
	// The re-join still refreshes bob's roster.
	if n := bob.countOf(t, protocol.TypePeersInRoom); n != 2 {
		t.Fatalf("bob received %d rosters, want 2", n)
	}
}

func TestJoinAnotherRoomLeavesFirst(t *testing.T) {
	relay := NewRelay(NewRegistry())
	alice := connect(t, relay, "alice")
	connect(t, relay, "bob")

	relay.Join("alice", "r1", "Alice")
	relay.Join("bob", "r1", "Bob")
	relay.Join("bob", "r2", "Bob")

	if n := alice.countOf(t, protocol.TypePeerLeave); n != 1 {
		t.Fatalf("alice received %d peer-leave, want 1", n)
	}
	var left protocol.PeerLeave
	alice.last(t, &left)
	if left.PeerID != "bob" {
		t.Fatalf("peer-leave=%+v, want bob", left)
	}
	if relay.RoomCount() != 2 {
		t.Fatalf("RoomCount=%d, want 2 (r1 with alice, r2 with bob)", relay.RoomCount())
	}
}

func TestLeaveAnnouncesOnceAndDeletesEmptyRoom(t *testing.T) {
	relay := NewRelay(NewRegistry())
	alice := connect(t, relay, "alice")
	connect(t, relay, "bob")

	relay.Join("alice", "r1", "Alice")
	relay.Join("bob", "r1", "Bob")

	relay.Leave("bob")
	relay.Leave("bob") // second leave is a no-op

	if n := alice.countOf(t, protocol.TypePeerLeave); n != 1 {
		t.Fatalf("alice received %d peer-leave, want exactly 1", n)
	}

	relay.Leave("alice")
	if relay.RoomCount() != 0 {
		t.Fatalf("RoomCount=%d, want 0 after last member left", relay.RoomCount())
	}
}

func TestDisconnectBehavesLikeLeave(t *testing.T) {
	relay := NewRelay(NewRegistry())
	alice := connect(t, relay, "alice")
	connect(t, relay, "bob")

	relay.Join("alice", "r1", "Alice")
	relay.Join("bob", "r1", "Bob")

	// Abrupt disconnect, no leave message.
	relay.Disconnect("bob")

	if n := alice.countOf(t, protocol.TypePeerLeave); n != 1 {
		t.Fatalf("alice received %d peer-leave, want exactly 1", n)
	}
	if _, ok := relay.Registry.Get("bob"); ok {
		t.Fatalf("expected bob's session to be unbound")
	}

	relay.Disconnect("alice")
	if relay.RoomCount() != 0 {
		t.Fatalf("RoomCount=%d, want 0", relay.RoomCount())
	}
}

func TestForwardRetagsFrom(t *testing.T) {
	relay := NewRelay(NewRegistry())
	connect(t, relay, "alice")
	bob := connect(t, relay, "bob")

	relay.Join("alice", "r1", "Alice")
	relay.Join("bob", "r1", "Bob")

	// Client-supplied identity inside the payload must not matter.
	payload := json.RawMessage(`{"sdp":"v=0...","from":"mallory"}`)
	relay.Forward("alice", protocol.TypeOffer, "bob", payload)

	var sig protocol.Signal
	bob.last(t, &sig)
	if sig.Type != protocol.TypeOffer {
		t.Fatalf("type=%q, want offer", sig.Type)
	}
	if sig.From != "alice" {
		t.Fatalf("from=%q, want true sender id alice", sig.From)
	}
	if string(sig.Payload) != string(payload) {
		t.Fatalf("payload=%s, want passthrough", sig.Payload)
	}
}

func TestForwardSilentDrops(t *testing.T) {
	relay := NewRelay(NewRegistry())
	alice := connect(t, relay, "alice")
	bob := connect(t, relay, "bob")
	stranger := connect(t, relay, "stranger")

	relay.Join("alice", "r1", "Alice")
	relay.Join("bob", "r1", "Bob")
	relay.Join("stranger", "r2", "Stranger")

	payload := json.RawMessage(`{"candidate":"candidate:1"}`)

	t.Run("target not in sender's room", func(t *testing.T) {
		before := len(stranger.types(t))
		relay.Forward("alice", protocol.TypeICE, "stranger", payload)
		if got := len(stranger.types(t)); got != before {
			t.Fatalf("stranger received a cross-room forward")
		}
	})

	t.Run("sender has no room", func(t *testing.T) {
		roomless := connect(t, relay, "roomless")
		_ = roomless
		before := len(bob.types(t))
		relay.Forward("roomless", protocol.TypeICE, "bob", payload)
		if got := len(bob.types(t)); got != before {
			t.Fatalf("forward from roomless session was delivered")
		}
	})

	t.Run("unknown target", func(t *testing.T) {
		relay.Forward("alice", protocol.TypeICE, "ghost", payload)
	})

	t.Run("unwritable target", func(t *testing.T) {
		bob.mu.Lock()
		bob.unwritable = true
		bob.mu.Unlock()
		relay.Forward("alice", protocol.TypeICE, "bob", payload)
		// No error surfaced; alice's stream is unaffected.
		if n := alice.countOf(t, protocol.TypeICE); n != 0 {
			t.Fatalf("sender observed %d ice frames, want 0", n)
		}
	})
}

func TestConcurrentJoinLeaveSameRoom(t *testing.T) {
	relay := NewRelay(NewRegistry())
	alice := connect(t, relay, "alice")
	bob := connect(t, relay, "bob")

	// Interleave join/leave churn on one room from two sessions. Each
	// join must land in a live room and deliver a roster, even when the
	// other session's leave empties the room at the same moment.
	const rounds = 200
	var wg sync.WaitGroup
	for _, sid := range []core.SessionID{"alice", "bob"} {
		wg.Add(1)
		go func(sid core.SessionID) {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				relay.Join(sid, "churn", "")
				relay.Leave(sid)
			}
		}(sid)
	}
	wg.Wait()

	if got := alice.countOf(t, protocol.TypePeersInRoom); got != rounds {
		t.Fatalf("alice rosters=%d, want %d (some joins landed in a deleted room)", got, rounds)
	}
	if got := bob.countOf(t, protocol.TypePeersInRoom); got != rounds {
		t.Fatalf("bob rosters=%d, want %d (some joins landed in a deleted room)", got, rounds)
	}
	if got := relay.RoomCount(); got != 0 {
		t.Fatalf("RoomCount=%d after all leaves, want 0", got)
	}
}
