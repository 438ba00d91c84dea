package reliable

import (
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"statesync/internal/protocol"
	"statesync/internal/transport"
)

// mockSender captures sent envelopes for testing
type mockSender struct {
	mu   sync.Mutex
	sent []protocol.Envelope
	to   []netip.AddrPort
	gone map[netip.AddrPort]bool
	fail int // next writes that fail with a socket error
}

var errNoBufs = errors.New("sendto: no buffer space available")

func (m *mockSender) SendEnvelope(client netip.AddrPort, env protocol.Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gone[client] {
		return transport.ErrUnknownClient
	}
	if m.fail > 0 {
		m.fail--
		return errNoBufs
	}
	m.sent = append(m.sent, env)
	m.to = append(m.to, client)
	return nil
}

func (m *mockSender) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

var (
	clientA = netip.MustParseAddrPort("127.0.0.1:4000")
	clientB = netip.MustParseAddrPort("127.0.0.1:4001")
)

func newTestLayer(max uint32) (*Layer, *mockSender, *fakeClock) {
	sender := &mockSender{gone: make(map[netip.AddrPort]bool)}
	clock := &fakeClock{t: time.Unix(1000, 0)}
	l := New(sender, Config{ResendAfter: 2 * time.Second, MaxSequence: max}, zap.NewNop().Sugar())
	l.SetClock(clock.now)
	return l, sender, clock
}

func TestNextSequenceWraps(t *testing.T) {
	l, _, _ := newTestLayer(3)
	wraps := 0
	l.OnWrap(func() { wraps++ })

	var got []uint32
	for i := 0; i < 5; i++ {
		got = append(got, l.NextSequence())
	}
	want := []uint32{0, 1, 2, 0, 1}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected sequence %v, got %v", want, got)
		}
	}
	if wraps != 1 {
		t.Errorf("expected 1 wrap event, got %d", wraps)
	}
	if l.Stats().Wraps != 1 {
		t.Errorf("expected wrap counter 1, got %d", l.Stats().Wraps)
	}
}

func TestRetransmitAfterThreshold(t *testing.T) {
	l, sender, clock := newTestLayer(DefaultMaxSequence)
	start := clock.t

	seq, err := l.SendReliable(clientA, protocol.Welcome, []byte("hello"))
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	if n := l.Sweep(start.Add(time.Second)); n != 0 {
		t.Errorf("expected no retransmission before threshold, got %d", n)
	}
	if n := l.Sweep(start.Add(2 * time.Second)); n != 1 {
		t.Fatalf("expected 1 retransmission at threshold, got %d", n)
	}
	if sender.count() != 2 {
		t.Fatalf("expected 2 transmissions, got %d", sender.count())
	}
	resent := sender.sent[1]
	if resent.Sequence != seq || !resent.AckRequired || resent.Type != protocol.Welcome || string(resent.Payload) != "hello" {
		t.Errorf("retransmission differs from original: %+v", resent)
	}
	if sender.to[1] != clientA {
		t.Errorf("expected retransmission to %v, got %v", clientA, sender.to[1])
	}
	if l.Pending() != 1 {
		t.Errorf("retransmitted send should stay pending, got %d", l.Pending())
	}

	// Re-queued with a fresh timestamp, so not due again immediately.
	if n := l.Sweep(start.Add(3 * time.Second)); n != 0 {
		t.Errorf("expected no retransmission 1s after resend, got %d", n)
	}
}

func TestAcknowledgeStopsRetransmit(t *testing.T) {
	l, sender, clock := newTestLayer(DefaultMaxSequence)

	seq, _ := l.SendReliable(clientA, protocol.Welcome, []byte("hello"))
	if !l.AcknowledgeFrom(clientA, seq) {
		t.Fatal("acknowledgment should match the pending send")
	}
	if n := l.Sweep(clock.t.Add(10 * time.Second)); n != 0 {
		t.Errorf("acknowledged send retransmitted %d times", n)
	}
	if sender.count() != 1 {
		t.Errorf("expected a single transmission, got %d", sender.count())
	}
	if l.AcknowledgeFrom(clientA, seq) {
		t.Error("duplicate acknowledgment should be ignored")
	}
}

func TestPendingQueueOrdering(t *testing.T) {
	l, sender, clock := newTestLayer(DefaultMaxSequence)
	t1 := clock.t

	s1, _ := l.SendReliable(clientA, protocol.Welcome, []byte("1"))
	clock.t = t1.Add(time.Second)
	l.SendReliable(clientA, protocol.WorldInfo, []byte("2"))
	clock.t = t1.Add(1500 * time.Millisecond)
	l.SendReliable(clientB, protocol.Welcome, []byte("3"))

	if n := l.Sweep(t1.Add(2*time.Second + 10*time.Millisecond)); n != 1 {
		t.Fatalf("expected only the oldest send to be retransmitted, got %d", n)
	}
	if last := sender.sent[sender.count()-1]; last.Sequence != s1 {
		t.Errorf("expected retransmission of seq %d, got %d", s1, last.Sequence)
	}
	if l.Pending() != 3 {
		t.Errorf("expected 3 pending sends, got %d", l.Pending())
	}
}

func TestAcknowledgeUnknownAndForeign(t *testing.T) {
	l, _, _ := newTestLayer(DefaultMaxSequence)

	if l.Acknowledge(5) {
		t.Error("acknowledgment before any send should be ignored")
	}
	seq, _ := l.SendReliable(clientA, protocol.Welcome, nil)
	if l.AcknowledgeFrom(clientB, seq) {
		t.Error("acknowledgment from another client should not match")
	}
	if l.Acknowledge(seq + 1) {
		t.Error("acknowledgment for an unsent sequence should not match")
	}
	if !l.Acknowledge(seq) {
		t.Error("acknowledgment should match regardless of sender")
	}
}

func TestStaleAckAheadOfCounter(t *testing.T) {
	l, _, _ := newTestLayer(DefaultMaxSequence)
	l.SendReliable(clientA, protocol.Welcome, nil)
	l.SendReliable(clientA, protocol.WorldInfo, nil)

	if l.AcknowledgeFrom(clientA, 50) {
		t.Error("ack ahead of the last issued sequence should be rejected")
	}
	if l.AcknowledgeFrom(clientA, DefaultMaxSequence+3) {
		t.Error("ack outside the sequence space should be rejected")
	}
	if got := l.Stats().StaleAcks; got != 2 {
		t.Errorf("expected 2 stale acks, got %d", got)
	}
}

func TestAcknowledgeAcrossWrap(t *testing.T) {
	l, _, _ := newTestLayer(10)
	for i := 0; i < 8; i++ {
		l.NextSequence()
	}
	before, _ := l.SendReliable(clientA, protocol.Welcome, nil)  // 8
	l.NextSequence()                                              // 9, wraps
	after, _ := l.SendReliable(clientA, protocol.WorldInfo, nil) // 0

	if before != 8 || after != 0 {
		t.Fatalf("unexpected sequences %d, %d", before, after)
	}
	if !l.AcknowledgeFrom(clientA, before) {
		t.Error("ack issued before the wrap should still match")
	}
	if !l.AcknowledgeFrom(clientA, after) {
		t.Error("ack issued after the wrap should match")
	}
}

func TestSweepDropsDepartedClients(t *testing.T) {
	l, sender, clock := newTestLayer(DefaultMaxSequence)
	l.SendReliable(clientA, protocol.Welcome, nil)
	l.SendReliable(clientB, protocol.Welcome, nil)

	sender.mu.Lock()
	sender.gone[clientA] = true
	sender.mu.Unlock()

	if n := l.Sweep(clock.t.Add(3 * time.Second)); n != 1 {
		t.Errorf("expected 1 retransmission, got %d", n)
	}
	if l.Pending() != 1 {
		t.Errorf("expected the departed client's send to be dropped, pending=%d", l.Pending())
	}
	if l.Stats().Dropped != 1 {
		t.Errorf("expected 1 dropped send, got %d", l.Stats().Dropped)
	}
}

func TestForget(t *testing.T) {
	l, _, _ := newTestLayer(DefaultMaxSequence)
	l.SendReliable(clientA, protocol.Welcome, nil)
	l.SendReliable(clientB, protocol.Welcome, nil)
	l.SendReliable(clientA, protocol.WorldInfo, nil)

	if n := l.Forget(clientA); n != 2 {
		t.Errorf("expected 2 forgotten sends, got %d", n)
	}
	if l.Pending() != 1 {
		t.Errorf("expected 1 pending send, got %d", l.Pending())
	}
}

func TestWriteErrorKeepsPending(t *testing.T) {
	l, sender, clock := newTestLayer(DefaultMaxSequence)
	start := clock.t

	sender.fail = 1
	seq, err := l.SendReliable(clientA, protocol.Welcome, []byte("hello"))
	if !errors.Is(err, errNoBufs) {
		t.Fatalf("expected the write error to be reported, got %v", err)
	}
	if l.Pending() != 1 {
		t.Fatalf("failed first write should stay pending, got %d", l.Pending())
	}

	// The first retransmission fails too.
	sender.fail = 1
	if n := l.Sweep(start.Add(3 * time.Second)); n != 0 {
		t.Errorf("failed retransmission counted as sent: %d", n)
	}
	if l.Pending() != 1 {
		t.Fatalf("failed retransmission should stay pending, got %d", l.Pending())
	}

	if n := l.Sweep(start.Add(6 * time.Second)); n != 1 {
		t.Fatalf("expected a retransmission once the socket recovers, got %d", n)
	}
	if sender.count() != 1 || sender.sent[0].Sequence != seq {
		t.Errorf("expected seq %d to be delivered once, got %+v", seq, sender.sent)
	}
	if st := l.Stats(); st.SendErrors != 2 || st.Dropped != 0 {
		t.Errorf("unexpected stats %+v", st)
	}
	if !l.AcknowledgeFrom(clientA, seq) {
		t.Error("acknowledgment should match the recovered send")
	}
}

func TestAcknowledgeOldRecord(t *testing.T) {
	l, _, _ := newTestLayer(10)
	old, _ := l.SendReliable(clientA, protocol.Welcome, nil) // 0
	for i := 0; i < 7; i++ {
		l.NextSequence()
	}

	// 0 now looks ahead of the last issued 7 across the wrap.
	if !MoreRecent(old, 7, 10) {
		t.Fatal("expected the old sequence to compare as more recent")
	}
	if !l.AcknowledgeFrom(clientA, old) {
		t.Error("ack for a pending record should match however old it is")
	}
	if l.Pending() != 0 || l.Stats().StaleAcks != 0 {
		t.Errorf("unexpected state after ack: pending=%d stats=%+v", l.Pending(), l.Stats())
	}
}

func TestMoreRecent(t *testing.T) {
	cases := []struct {
		a, b uint32
		want bool
	}{
		{1, 0, true},
		{0, 1, false},
		{5, 5, false},
		{6, 1, true},
		{7, 1, false},
		{0, 9, true},
		{9, 0, false},
	}
	for _, c := range cases {
		if got := MoreRecent(c.a, c.b, 10); got != c.want {
			t.Errorf("MoreRecent(%d, %d, 10) = %v, want %v", c.a, c.b, got, c.want)
		}
	}
}
