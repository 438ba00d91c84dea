package game

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"statesync/internal/protocol"
	"statesync/internal/reliable"
	"statesync/internal/transport"
)

type testClient struct {
	t     *testing.T
	conn  *net.UDPConn
	codec *protocol.Codec
}

func dialServer(t *testing.T, srv *transport.Server) *testClient {
	t.Helper()
	conn, err := net.DialUDP("udp", nil, net.UDPAddrFromAddrPort(srv.LocalAddr()))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &testClient{t: t, conn: conn, codec: protocol.NewCodec(0)}
}

func (c *testClient) send(tag protocol.Tag, v interface{}) {
	c.t.Helper()
	var payload []byte
	if v != nil {
		payload = marshal(c.t, v)
	}
	data, err := c.codec.Encode(protocol.Envelope{Type: tag, Payload: payload})
	if err != nil {
		c.t.Fatalf("encode: %v", err)
	}
	if _, err := c.conn.Write(data); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

// readUntil reads envelopes until match returns true or the timeout passes.
func (c *testClient) readUntil(timeout time.Duration, match func(protocol.Envelope) bool) bool {
	deadline := time.Now().Add(timeout)
	buf := make([]byte, 8192)
	for time.Now().Before(deadline) {
		c.conn.SetReadDeadline(deadline)
		n, err := c.conn.Read(buf)
		if err != nil {
			return false
		}
		env, err := c.codec.Decode(buf[:n])
		if err != nil {
			c.t.Errorf("server sent a malformed envelope: %v", err)
			continue
		}
		if match(env) {
			return true
		}
	}
	return false
}

func startStack(t *testing.T) (*transport.Server, *Game) {
	t.Helper()
	log := zap.NewNop().Sugar()
	srv := transport.NewServer(transport.Config{
		Addr:             "127.0.0.1:0",
		HeartbeatTimeout: 300 * time.Millisecond,
		ServiceInterval:  20 * time.Millisecond,
	}, protocol.NewCodec(64), log)
	if err := srv.Listen(); err != nil {
		t.Fatalf("listen: %v", err)
	}
	rel := reliable.New(srv, reliable.Config{ResendAfter: 150 * time.Millisecond}, log)
	g := New(DefaultConfig(), srv, rel, log)
	g.Register(srv)
	loop := NewLoop(g, 60, log)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); srv.Run(ctx) }()
	go func() { defer wg.Done(); loop.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})
	return srv, g
}

func TestEndToEndSession(t *testing.T) {
	srv, g := startStack(t)

	alice := dialServer(t, srv)
	alice.send(protocol.PlayerInput, protocol.Movement{1, 0})

	var welcome, world protocol.Envelope
	ok := alice.readUntil(2*time.Second, func(env protocol.Envelope) bool {
		switch env.Type {
		case protocol.Welcome:
			welcome = env
		case protocol.WorldInfo:
			world = env
		}
		return welcome.AckRequired && world.AckRequired
	})
	if !ok {
		t.Fatal("did not receive a reliable welcome and world info")
	}
	var me protocol.PlayerState
	if err := protocol.Unmarshal(welcome.Payload, &me); err != nil {
		t.Fatalf("decode welcome: %v", err)
	}

	// Retransmission until acknowledged.
	if !alice.readUntil(2*time.Second, func(env protocol.Envelope) bool {
		return env.Type == protocol.Welcome && env.Sequence == welcome.Sequence
	}) {
		t.Fatal("unacknowledged welcome was not retransmitted")
	}
	alice.send(protocol.Ack, protocol.AckList{welcome.Sequence, world.Sequence})

	if !alice.readUntil(2*time.Second, func(env protocol.Envelope) bool {
		if env.Type != protocol.PlayerUpdates {
			return false
		}
		var states []protocol.PlayerState
		protocol.Unmarshal(env.Payload, &states)
		return len(states) == 1 && states[0].ID == me.ID && states[0].X > me.X
	}) {
		t.Fatal("did not see the player move")
	}

	// A second client keeps itself alive while alice falls silent.
	bob := dialServer(t, srv)
	idle, _ := protocol.Marshal(protocol.Movement{0, 0})
	keepalive, _ := bob.codec.Encode(protocol.Envelope{Type: protocol.PlayerInput, Payload: idle})
	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				bob.conn.Write(keepalive)
			}
		}
	}()

	if !bob.readUntil(3*time.Second, func(env protocol.Envelope) bool {
		if env.Type != protocol.PlayerLeft {
			return false
		}
		var id uint32
		protocol.Unmarshal(env.Payload, &id)
		return id == me.ID
	}) {
		t.Fatal("remaining client was not told that alice left")
	}
	if n := g.PlayerCount(); n != 1 {
		t.Errorf("expected only bob to remain, got %d players", n)
	}
}
