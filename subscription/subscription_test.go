package subscription

import (
	"bytes"
	"context"
	"encoding/binary"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/aquamarinepk/flowmq/address"
	"github.com/aquamarinepk/flowmq/conn"
	"github.com/aquamarinepk/flowmq/log"
	"github.com/aquamarinepk/flowmq/wire"
)

func okReplyBody() []byte {
	out := make([]byte, 4+2)
	copy(out[4:], "OK")
	return out
}

func messageReplyBody(id string, attempts uint16, payload string) []byte {
	var body bytes.Buffer
	var ts [8]byte
	body.Write(ts[:])
	var a [2]byte
	binary.BigEndian.PutUint16(a[:], attempts)
	body.Write(a[:])
	idBytes := make([]byte, 16)
	copy(idBytes, id)
	body.Write(idBytes)
	body.WriteString(payload)

	out := make([]byte, 4+body.Len())
	binary.BigEndian.PutUint32(out[:4], 2)
	copy(out[4:], body.Bytes())
	return out
}

// fakeBroker is a scripted in-memory broker for one SubConnection: it
// acknowledges IDENTIFY/SUB, records every subsequent command frame it
// receives, and lets the test push message frames to the client whenever it
// wants.
type fakeBroker struct {
	mu     sync.Mutex
	frames [][]byte
	server wire.Framer
}

func (b *fakeBroker) record(frame []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := make([]byte, len(frame))
	copy(cp, frame)
	b.frames = append(b.frames, cp)
}

func (b *fakeBroker) rdyValues() []int {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []int
	for _, f := range b.frames {
		if bytes.HasPrefix(f, []byte("RDY ")) {
			var n int
			fmtSscan(string(f), &n)
			out = append(out, n)
		}
	}
	return out
}

func fmtSscan(line string, n *int) {
	// line looks like "RDY 3\n"
	var val int
	for i := 4; i < len(line); i++ {
		if line[i] < '0' || line[i] > '9' {
			break
		}
		val = val*10 + int(line[i]-'0')
	}
	*n = val
}

func (b *fakeBroker) hasFrame(prefix string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, f := range b.frames {
		if bytes.HasPrefix(f, []byte(prefix)) {
			return true
		}
	}
	return false
}

func newFakeDialer(t *testing.T, brokers map[string]*fakeBroker) conn.Dialer {
	t.Helper()
	return func(ctx context.Context, addr string, timeout time.Duration) (wire.Framer, error) {
		server, client := net.Pipe()
		b := brokers[addr]
		b.server = wire.NewLengthPrefixedFramer(server)
		go func() {
			f := b.server
			if _, err := f.ReadFrame(); err != nil { // IDENTIFY
				return
			}
			_ = f.WriteFrame(okReplyBody())
			if _, err := f.ReadFrame(); err != nil { // SUB
				return
			}
			_ = f.WriteFrame(okReplyBody())

			for {
				frame, err := f.ReadFrame()
				if err != nil {
					return
				}
				b.record(frame)
			}
		}()
		return wire.NewLengthPrefixedFramer(client), nil
	}
}

func newBrokers(addrs ...string) map[string]*fakeBroker {
	out := make(map[string]*fakeBroker, len(addrs))
	for _, a := range addrs {
		out[a] = &fakeBroker{}
	}
	return out
}

func nodeSet(addrs ...string) map[address.HostAndPort]struct{} {
	out := make(map[address.HostAndPort]struct{}, len(addrs))
	for _, a := range addrs {
		hp, _ := address.ParseHostAndPort(a, 4150)
		out[hp] = struct{}{}
	}
	return out
}

func TestSubscriptionReconcileAddsConnections(t *testing.T) {
	brokers := newBrokers("127.0.0.1:4150", "127.0.0.1:4151")
	dial := newFakeDialer(t, brokers)

	s := New(NewId(), "t", "c", HandlerFunc(func(ctx context.Context, m *wire.Message) error { return nil }),
		200, dial, time.Second, Config{}, log.NewNoopLogger())
	defer s.Stop()

	s.Reconcile(context.Background(), nodeSet("127.0.0.1:4150", "127.0.0.1:4151"))

	if got := s.ConnectionCount(); got != 2 {
		t.Fatalf("expected 2 connections after reconcile, got %d", got)
	}
}

func TestSubscriptionReconcileRemovesConnections(t *testing.T) {
	brokers := newBrokers("127.0.0.1:4150", "127.0.0.1:4151")
	dial := newFakeDialer(t, brokers)

	s := New(NewId(), "t", "c", HandlerFunc(func(ctx context.Context, m *wire.Message) error { return nil }),
		200, dial, time.Second, Config{}, log.NewNoopLogger())
	defer s.Stop()

	s.Reconcile(context.Background(), nodeSet("127.0.0.1:4150", "127.0.0.1:4151"))
	if got := s.ConnectionCount(); got != 2 {
		t.Fatalf("expected 2 connections, got %d", got)
	}

	s.Reconcile(context.Background(), nodeSet("127.0.0.1:4150"))
	if got := s.ConnectionCount(); got != 1 {
		t.Fatalf("expected 1 connection after shrinking node set, got %d", got)
	}

	time.Sleep(20 * time.Millisecond)
	if !brokers["127.0.0.1:4151"].hasFrame("CLS") {
		t.Error("expected CLS to have been sent to the removed node")
	}
}

func TestSubscriptionStopClosesAllConnections(t *testing.T) {
	brokers := newBrokers("127.0.0.1:4150", "127.0.0.1:4151")
	dial := newFakeDialer(t, brokers)

	s := New(NewId(), "t", "c", HandlerFunc(func(ctx context.Context, m *wire.Message) error { return nil }),
		200, dial, time.Second, Config{}, log.NewNoopLogger())

	s.Reconcile(context.Background(), nodeSet("127.0.0.1:4150", "127.0.0.1:4151"))
	if got := s.ConnectionCount(); got != 2 {
		t.Fatalf("expected 2 connections, got %d", got)
	}

	s.Stop()
	if got := s.ConnectionCount(); got != 0 {
		t.Fatalf("expected 0 connections after Stop, got %d", got)
	}
}

func TestSubscriptionRDYDistributionMoreCreditThanConnections(t *testing.T) {
	brokers := newBrokers("127.0.0.1:4150", "127.0.0.1:4151")
	dial := newFakeDialer(t, brokers)

	s := New(NewId(), "t", "c", HandlerFunc(func(ctx context.Context, m *wire.Message) error { return nil }),
		5, dial, time.Second, Config{}, log.NewNoopLogger())
	defer s.Stop()

	s.Reconcile(context.Background(), nodeSet("127.0.0.1:4150", "127.0.0.1:4151"))
	time.Sleep(20 * time.Millisecond)

	total := 0
	for _, b := range brokers {
		vals := b.rdyValues()
		if len(vals) == 0 {
			t.Fatalf("expected at least one RDY frame per connection")
		}
		total += vals[len(vals)-1]
	}
	if total != 5 {
		t.Errorf("expected RDY values to sum to maxInFlight=5, got %d", total)
	}
}

func TestSubscriptionDrainSetsAllRDYZero(t *testing.T) {
	brokers := newBrokers("127.0.0.1:4150", "127.0.0.1:4151")
	dial := newFakeDialer(t, brokers)

	s := New(NewId(), "t", "c", HandlerFunc(func(ctx context.Context, m *wire.Message) error { return nil }),
		10, dial, time.Second, Config{}, log.NewNoopLogger())
	defer s.Stop()

	s.Reconcile(context.Background(), nodeSet("127.0.0.1:4150", "127.0.0.1:4151"))
	time.Sleep(20 * time.Millisecond)

	s.SetMaxInFlight(0)
	time.Sleep(20 * time.Millisecond)

	for addr, b := range brokers {
		vals := b.rdyValues()
		if len(vals) == 0 || vals[len(vals)-1] != 0 {
			t.Errorf("expected final RDY=0 on %s after drain, got %v", addr, vals)
		}
	}
}

func TestSubscriptionHandlerSuccessSendsFin(t *testing.T) {
	brokers := newBrokers("127.0.0.1:4150")
	dial := newFakeDialer(t, brokers)

	s := New(NewId(), "t", "c", HandlerFunc(func(ctx context.Context, m *wire.Message) error { return nil }),
		1, dial, time.Second, Config{}, log.NewNoopLogger())
	defer s.Stop()

	s.Reconcile(context.Background(), nodeSet("127.0.0.1:4150"))
	time.Sleep(20 * time.Millisecond)

	b := brokers["127.0.0.1:4150"]
	_ = b.server.WriteFrame(messageReplyBody("m1", 1, "payload"))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if b.hasFrame("FIN") {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !b.hasFrame("FIN") {
		t.Error("expected FIN to be sent after successful handling")
	}
	if got := s.InFlightCount(); got != 0 {
		t.Errorf("expected in-flight count back to 0, got %d", got)
	}
}

func TestSubscriptionHandlerFailureRequeuesAndBacksOff(t *testing.T) {
	brokers := newBrokers("127.0.0.1:4150")
	dial := newFakeDialer(t, brokers)

	s := New(NewId(), "t", "c", HandlerFunc(func(ctx context.Context, m *wire.Message) error {
		return context.DeadlineExceeded
	}), 3, dial, time.Second, Config{MaxFlushDelayMillis: 2000}, log.NewNoopLogger())
	defer s.Stop()

	s.Reconcile(context.Background(), nodeSet("127.0.0.1:4150"))
	time.Sleep(20 * time.Millisecond)

	b := brokers["127.0.0.1:4150"]
	_ = b.server.WriteFrame(messageReplyBody("m1", 1, "payload"))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if b.hasFrame("REQ") {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !b.hasFrame("REQ") {
		t.Error("expected REQ to be sent after handler failure")
	}

	time.Sleep(20 * time.Millisecond)
	vals := b.rdyValues()
	if len(vals) == 0 || vals[len(vals)-1] != 0 {
		t.Errorf("expected RDY=0 after entering backoff, got %v", vals)
	}
}

// TestSubscriptionConcurrentSuccessDuringBackoffDoesNotCancelIt covers a
// maxInFlight>1 subscription where one in-flight message fails (entering
// Backoff) while a sibling message, already dispatched to the handler,
// completes successfully afterward. That sibling's success must not reset
// the subscription back to Normal: only the Test-state probe message may do
// that. A regression here would show up as RDY being restored to a nonzero
// value immediately after the sibling's success, cancelling backoff under
// exactly the concurrent-load conditions it exists for.
func TestSubscriptionConcurrentSuccessDuringBackoffDoesNotCancelIt(t *testing.T) {
	brokers := newBrokers("127.0.0.1:4150")
	dial := newFakeDialer(t, brokers)

	s := New(NewId(), "t", "c", HandlerFunc(func(ctx context.Context, m *wire.Message) error {
		if string(m.Body) == "fail" {
			return context.DeadlineExceeded
		}
		// Slower than the failing handler, so its success is processed by
		// the control loop only after backoff has already been entered.
		time.Sleep(100 * time.Millisecond)
		return nil
	}), 2, dial, time.Second, Config{MaxFlushDelayMillis: 2000}, log.NewNoopLogger())
	defer s.Stop()

	s.Reconcile(context.Background(), nodeSet("127.0.0.1:4150"))
	time.Sleep(20 * time.Millisecond)

	b := brokers["127.0.0.1:4150"]
	_ = b.server.WriteFrame(messageReplyBody("m1", 1, "fail"))
	_ = b.server.WriteFrame(messageReplyBody("m2", 1, "succeed"))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		vals := b.rdyValues()
		if len(vals) > 0 && vals[len(vals)-1] == 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if vals := b.rdyValues(); len(vals) == 0 || vals[len(vals)-1] != 0 {
		t.Fatalf("expected RDY=0 after the failing message entered backoff, got %v", vals)
	}

	// Let the slower, successful message finish and reach the control loop.
	time.Sleep(200 * time.Millisecond)

	if !b.hasFrame("FIN") {
		t.Error("expected the concurrently-succeeding message to still be FIN'd")
	}
	if vals := b.rdyValues(); len(vals) == 0 || vals[len(vals)-1] != 0 {
		t.Errorf("expected RDY to remain 0 after a concurrent success while in backoff (backoff must not be cancelled), got %v", vals)
	}
}
