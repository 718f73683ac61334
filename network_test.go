package btmesh

import (
	"testing"
	"time"

	"github.com/wzbdroid0212/go-btmesh/internal/bearer"
	"github.com/wzbdroid0212/go-btmesh/internal/keystore"
	"github.com/wzbdroid0212/go-btmesh/internal/store/memstore"
)

const testOpGet Opcode = 0x8201
const testOpStatus Opcode = 0x8204

type echoModel struct {
	received chan AccessMessage
}

func (m *echoModel) Opcodes() map[Opcode]MessageType {
	return map[Opcode]MessageType{testOpGet: {Name: "get", ResponseOpcode: testOpStatus}}
}
func (m *echoModel) IsSubscriptionSupported() bool { return false }
func (m *echoModel) OnAcknowledged(req AccessMessage, src, dst Address) *AccessMessage {
	m.received <- req
	return &AccessMessage{Opcode: testOpStatus, Payload: []byte("ok")}
}
func (m *echoModel) OnUnacknowledged(msg AccessMessage, src, dst Address) { m.received <- msg }
func (m *echoModel) OnResponse(resp, req AccessMessage, src Address)      {}

// pairedNetworks builds two Networks sharing a NetworkKey and ApplicationKey,
// wired together over a pair of loopback bearers, each backed by its own
// device key so a and b can address each other by unicast.
func pairedNetworks(t *testing.T) (a, b *Network) {
	t.Helper()
	netKey, err := keystore.NewNetworkKey(0, [16]byte{1, 2, 3, 4})
	if err != nil {
		t.Fatalf("NewNetworkKey: %v", err)
	}
	appKey, err := keystore.NewApplicationKey(0, 0, [16]byte{5, 6, 7, 8})
	if err != nil {
		t.Fatalf("NewApplicationKey: %v", err)
	}

	devA, devB := bearer.NewLoopback(), bearer.NewLoopback()
	devA.Peer, devB.Peer = devB, devA

	a, err = NewNetwork(NetworkConfig{}, Address(0x0001), devA, memstore.New())
	if err != nil {
		t.Fatalf("NewNetwork a: %v", err)
	}
	b, err = NewNetwork(NetworkConfig{}, Address(0x0002), devB, memstore.New())
	if err != nil {
		t.Fatalf("NewNetwork b: %v", err)
	}

	for _, n := range []*Network{a, b} {
		n.keys.AddNetworkKey(netKey)
		n.keys.AddApplicationKey(appKey)
	}
	return a, b
}

func TestSendUnacknowledgedDelivers(t *testing.T) {
	a, b := pairedNetworks(t)
	defer a.Close()
	defer b.Close()

	model := &echoModel{received: make(chan AccessMessage, 1)}
	b.RegisterModel(0, model)

	_, err := a.Send(AccessMessage{Opcode: testOpGet, Payload: []byte("ping")}, SendOptions{
		Dst: 0x0002, AppKeyIndex: 0,
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case msg := <-model.received:
		if msg.Opcode != testOpGet || string(msg.Payload) != "ping" {
			t.Fatalf("unexpected message: %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for delivery")
	}
}

func TestSendAcknowledgedRoundTrip(t *testing.T) {
	a, b := pairedNetworks(t)
	defer a.Close()
	defer b.Close()

	model := &echoModel{received: make(chan AccessMessage, 1)}
	b.RegisterModel(0, model)

	respCh := make(chan *AccessMessage, 1)
	_, err := a.Send(AccessMessage{Opcode: testOpGet, Payload: []byte("ping")}, SendOptions{
		Dst: 0x0002, AppKeyIndex: 0,
		Acknowledged: true, ResponseOpcode: testOpStatus, Timeout: 2 * time.Second,
		OnResponse: func(resp *AccessMessage, err error) {
			if err != nil {
				t.Errorf("OnResponse err: %v", err)
				respCh <- nil
				return
			}
			respCh <- resp
		},
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case <-model.received:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for request delivery")
	}

	select {
	case resp := <-respCh:
		if resp == nil || resp.Opcode != testOpStatus || string(resp.Payload) != "ok" {
			t.Fatalf("unexpected response: %+v", resp)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for response")
	}
}

func TestSendSegmentedDelivers(t *testing.T) {
	a, b := pairedNetworks(t)
	defer a.Close()
	defer b.Close()

	model := &echoModel{received: make(chan AccessMessage, 1)}
	b.RegisterModel(0, model)

	payload := make([]byte, 200)
	for i := range payload {
		payload[i] = byte(i)
	}

	_, err := a.Send(AccessMessage{Opcode: testOpGet, Payload: payload}, SendOptions{
		Dst: 0x0002, AppKeyIndex: 0,
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case msg := <-model.received:
		if len(msg.Payload) != len(payload) {
			t.Fatalf("reassembled payload length = %d, want %d", len(msg.Payload), len(payload))
		}
		for i := range payload {
			if msg.Payload[i] != payload[i] {
				t.Fatalf("payload mismatch at byte %d", i)
			}
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for segmented delivery")
	}
}

func TestImportExportRoundTrip(t *testing.T) {
	a, _ := pairedNetworks(t)
	defer a.Close()

	doc, err := a.Export()
	if err != nil {
		t.Fatalf("Export: %v", err)
	}

	b, err := NewNetwork(NetworkConfig{}, Address(0x0001), bearer.NewLoopback(), memstore.New())
	if err != nil {
		t.Fatalf("NewNetwork: %v", err)
	}
	defer b.Close()

	if err := b.Import(doc); err != nil {
		t.Fatalf("Import: %v", err)
	}
	if _, ok := b.keys.NetworkKey(0); !ok {
		t.Fatalf("imported network key 0 missing")
	}
	if _, ok := b.keys.ApplicationKey(0); !ok {
		t.Fatalf("imported application key 0 missing")
	}
}
