package access

import (
	"sync"
	"testing"
	"time"

	"github.com/wzbdroid0212/go-btmesh/internal/transport"
)

func TestOpcodeRoundTrip(t *testing.T) {
	cases := []Opcode{0x00, 0x7f, 0x8201, 0xbfff, 0xc00102, 0xffffff}
	for _, op := range cases {
		b, err := EncodeOpcode(op)
		if err != nil {
			t.Fatalf("EncodeOpcode(%x): %v", op, err)
		}
		got, rest, err := ParseOpcode(b)
		if err != nil {
			t.Fatalf("ParseOpcode(%x): %v", b, err)
		}
		if got != op || len(rest) != 0 {
			t.Fatalf("round trip mismatch: got %x want %x, rest=%v", got, op, rest)
		}
	}
}

func TestParseOpcodeRejectsShortInput(t *testing.T) {
	if _, _, err := ParseOpcode(nil); err != ErrInvalidOpcode {
		t.Fatalf("empty input: err = %v, want ErrInvalidOpcode", err)
	}
	if _, _, err := ParseOpcode([]byte{0x80}); err != ErrInvalidOpcode {
		t.Fatalf("truncated 2-byte opcode: err = %v, want ErrInvalidOpcode", err)
	}
	if _, _, err := ParseOpcode([]byte{0xc0, 0x01}); err != ErrInvalidOpcode {
		t.Fatalf("truncated 3-byte opcode: err = %v, want ErrInvalidOpcode", err)
	}
}

type fakeScheduler struct {
	mu        sync.Mutex
	scheduled []*fakeTimer
}

type fakeTimer struct {
	fn        func()
	cancelled bool
}

func (t *fakeTimer) Cancel() { t.cancelled = true }

func (s *fakeScheduler) Schedule(after time.Duration, fn func()) transport.Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	tm := &fakeTimer{fn: fn}
	s.scheduled = append(s.scheduled, tm)
	return tm
}

func (s *fakeScheduler) fireLatest() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.scheduled) - 1; i >= 0; i-- {
		if !s.scheduled[i].cancelled {
			s.scheduled[i].fn()
			return
		}
	}
}

// testModel is a minimal Delegate for dispatch tests.
type testModel struct {
	opcodes    map[Opcode]MessageType
	onAck      func(Message, Address, Address, KeySet) *Message
	onUnack    func(Message, Address, Address, KeySet)
	onResponse func(Message, Message, Address, KeySet)
}

func (m *testModel) Opcodes() map[Opcode]MessageType { return m.opcodes }
func (m *testModel) OnAcknowledged(req Message, src, dst Address, keys KeySet) *Message {
	if m.onAck != nil {
		return m.onAck(req, src, dst, keys)
	}
	return nil
}
func (m *testModel) OnUnacknowledged(msg Message, src, dst Address, keys KeySet) {
	if m.onUnack != nil {
		m.onUnack(msg, src, dst, keys)
	}
}
func (m *testModel) OnResponse(resp, req Message, src Address, keys KeySet) {
	if m.onResponse != nil {
		m.onResponse(resp, req, src, keys)
	}
}

func drainNotify(q *NotificationQueue) {
	done := make(chan struct{})
	q.Post(func() { close(done) })
	<-done
}

func TestDispatcherAcknowledgedRoundTrip(t *testing.T) {
	const reqOp, respOp Opcode = 0x10, 0x11
	replied := make(chan Message, 1)
	model := &testModel{
		opcodes: map[Opcode]MessageType{reqOp: {Acknowledged: true, ResponseOpcode: respOp}},
		onAck: func(req Message, src, dst Address, keys KeySet) *Message {
			return &Message{Opcode: respOp, Payload: []byte("pong")}
		},
	}
	notify := NewNotificationQueue(1, 8)
	defer notify.Close()

	var sent []Message
	dispatch := NewDispatcher(
		func(dst Address) []Delegate { return []Delegate{model} },
		notify,
		func(fn func()) { fn() },
		&fakeScheduler{},
		func(dst Address, msg Message, keys KeySet) {
			sent = append(sent, msg)
			replied <- msg
		},
	)

	raw, _ := EncodeMessage(Message{Opcode: reqOp, Payload: []byte("ping")})
	if err := dispatch.HandleInbound(raw, 0x0002, 0x0001, KeySet{}); err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}

	select {
	case m := <-replied:
		if m.Opcode != respOp || string(m.Payload) != "pong" {
			t.Fatalf("unexpected reply: %+v", m)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for acknowledged reply")
	}
}

func TestDispatcherUnacknowledged(t *testing.T) {
	const op Opcode = 0x20
	received := make(chan Message, 1)
	model := &testModel{
		opcodes: map[Opcode]MessageType{op: {Acknowledged: false}},
		onUnack: func(msg Message, src, dst Address, keys KeySet) { received <- msg },
	}
	notify := NewNotificationQueue(1, 8)
	defer notify.Close()
	dispatch := NewDispatcher(
		func(dst Address) []Delegate { return []Delegate{model} },
		notify, func(fn func()) { fn() }, &fakeScheduler{},
		func(Address, Message, KeySet) {},
	)

	raw, _ := EncodeMessage(Message{Opcode: op, Payload: []byte("x")})
	if err := dispatch.HandleInbound(raw, 1, 2, KeySet{}); err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}
	select {
	case m := <-received:
		if m.Opcode != op {
			t.Fatalf("unexpected message: %+v", m)
		}
	case <-time.After(time.Second):
		t.Fatalf("onUnacknowledged was not invoked")
	}
}

func TestDispatcherResponseCorrelationAndTimeout(t *testing.T) {
	const reqOp, respOp Opcode = 0x30, 0x31
	sched := &fakeScheduler{}
	notify := NewNotificationQueue(1, 8)
	defer notify.Close()
	dispatch := NewDispatcher(
		func(dst Address) []Delegate { return nil },
		notify, func(fn func()) { fn() }, sched,
		func(Address, Message, KeySet) {},
	)

	result := make(chan error, 1)
	pk := dispatch.AwaitResponse(Message{Opcode: reqOp}, 0x0001, 0x0002, respOp, KeySet{}, time.Minute, func(resp *Message, err error) {
		result <- err
	})
	_ = pk

	sched.fireLatest() // fire the response timer
	select {
	case err := <-result:
		if err != ErrTimeout {
			t.Fatalf("err = %v, want ErrTimeout", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("timeout callback never fired")
	}
}

func TestOutboundQueuePerDestinationFIFO(t *testing.T) {
	var order []string
	pending := make(map[Address]func(error))
	transmit := func(msg Message, dst Address, onAllSent func(), onResolved func(error)) func() {
		order = append(order, string(msg.Payload))
		pending[dst] = onResolved
		return func() { onResolved(ErrCancelled) }
	}
	q := NewOutboundQueue(transmit)

	var results []error
	var mu sync.Mutex
	record := func(err error) { mu.Lock(); results = append(results, err); mu.Unlock() }

	q.Send(Message{Payload: []byte("first")}, 5, record)
	q.Send(Message{Payload: []byte("second")}, 5, record)

	if len(order) != 1 || order[0] != "first" {
		t.Fatalf("expected only the head message to be transmitted, got %v", order)
	}

	pending[5](nil) // resolve "first"
	if len(order) != 2 || order[1] != "second" {
		t.Fatalf("expected second message to start after first resolves, got %v", order)
	}
	pending[5](nil)

	if len(results) != 2 || results[0] != nil || results[1] != nil {
		t.Fatalf("unexpected results: %v", results)
	}
}

func TestOutboundQueueCancel(t *testing.T) {
	transmit := func(msg Message, dst Address, onAllSent func(), onResolved func(error)) func() {
		return func() { onResolved(ErrCancelled) }
	}
	q := NewOutboundQueue(transmit)

	var gotErr error
	handle := q.Send(Message{Payload: []byte("x")}, 1, func(err error) { gotErr = err })
	if err := handle.Cancel(); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if gotErr != ErrCancelled {
		t.Fatalf("gotErr = %v, want ErrCancelled", gotErr)
	}
	if err := handle.Cancel(); err != ErrAlreadyResolved {
		t.Fatalf("second Cancel = %v, want ErrAlreadyResolved", err)
	}
}

func TestNotificationQueueRunsPostedWork(t *testing.T) {
	q := NewNotificationQueue(2, 4)
	defer q.Close()

	results := make(chan int, 3)
	for i := 0; i < 3; i++ {
		i := i
		q.Post(func() { results <- i })
	}
	seen := map[int]bool{}
	for i := 0; i < 3; i++ {
		select {
		case v := <-results:
			seen[v] = true
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for posted work")
		}
	}
	if len(seen) != 3 {
		t.Fatalf("expected all 3 posted tasks to run, got %v", seen)
	}
}
