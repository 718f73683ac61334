package btmesh

import (
	"encoding/json"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/wzbdroid0212/go-btmesh/internal/access"
	"github.com/wzbdroid0212/go-btmesh/internal/beacon"
	"github.com/wzbdroid0212/go-btmesh/internal/bearer"
	"github.com/wzbdroid0212/go-btmesh/internal/config"
	"github.com/wzbdroid0212/go-btmesh/internal/core"
	"github.com/wzbdroid0212/go-btmesh/internal/keystore"
	"github.com/wzbdroid0212/go-btmesh/internal/network"
	"github.com/wzbdroid0212/go-btmesh/internal/store"
	"github.com/wzbdroid0212/go-btmesh/internal/transport"
	"github.com/wzbdroid0212/go-btmesh/internal/upper"
)

// NetworkConfig tunes a Network: defaults mirror the §4 defaults (30s
// response timeout lives in internal/access; the rest are surfaced here
// so a host or the demo CLI can override them).
type NetworkConfig struct {
	DefaultTTL             uint8
	Retries                int
	IncompleteTimeout      time.Duration
	NotificationWorkers    int
	UnlimitedRecovery      bool
	InitialIVIndex         uint32
	MaxElementsPerNode     int
	ProvisioningRangeStart Address
	ProvisioningRangeEnd   Address
	// RateLimit paces the initial burst of an outbound segmented send
	// (SPEC_FULL.md §9 open question); nil (the default) schedules the
	// whole burst at once, matching the source.
	RateLimit *rate.Limiter
	Logger    *slog.Logger
}

func (cfg *NetworkConfig) setDefaults() {
	if cfg.DefaultTTL == 0 {
		cfg.DefaultTTL = 4
	}
	if cfg.Retries <= 0 {
		cfg.Retries = 2
	}
	if cfg.IncompleteTimeout <= 0 {
		cfg.IncompleteTimeout = 10 * time.Second
	}
	if cfg.NotificationWorkers <= 0 {
		cfg.NotificationWorkers = 2
	}
	if cfg.MaxElementsPerNode <= 0 {
		cfg.MaxElementsPerNode = 1
	}
	if cfg.ProvisioningRangeEnd == 0 {
		cfg.ProvisioningRangeStart = 0x0010
		cfg.ProvisioningRangeEnd = 0x7FFF
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
}

// schedulerAdapter makes *core.TimerService satisfy transport.Scheduler;
// *core.TimerHandle already satisfies transport.Timer directly, but
// TimerService.Schedule's concrete *TimerHandle return type does not
// satisfy the interface method's transport.Timer return type without this
// wrapper.
type schedulerAdapter struct {
	timers *core.TimerService
}

func (s schedulerAdapter) Schedule(after time.Duration, callback func()) transport.Timer {
	return s.timers.Schedule(after, callback)
}

// delegateAdapter bridges a root ModelDelegate (no KeySet parameter, opcode
// table keyed by a bare ResponseOpcode) to the access package's Delegate
// interface (KeySet threaded through every call, Acknowledged tracked as
// its own bool). The two interfaces are otherwise identical.
type delegateAdapter struct {
	model ModelDelegate
}

func (a delegateAdapter) Opcodes() map[access.Opcode]access.MessageType {
	out := make(map[access.Opcode]access.MessageType, len(a.model.Opcodes()))
	for op, mt := range a.model.Opcodes() {
		out[access.Opcode(op)] = access.MessageType{
			Name:           mt.Name,
			Acknowledged:   mt.ResponseOpcode != 0,
			ResponseOpcode: access.Opcode(mt.ResponseOpcode),
		}
	}
	return out
}

func (a delegateAdapter) OnAcknowledged(request access.Message, src, dst access.Address, _ access.KeySet) *access.Message {
	reply := a.model.OnAcknowledged(AccessMessage{Opcode: Opcode(request.Opcode), Payload: request.Payload}, Address(src), Address(dst))
	if reply == nil {
		return nil
	}
	return &access.Message{Opcode: access.Opcode(reply.Opcode), Payload: reply.Payload}
}

func (a delegateAdapter) OnUnacknowledged(msg access.Message, src, dst access.Address, _ access.KeySet) {
	a.model.OnUnacknowledged(AccessMessage{Opcode: Opcode(msg.Opcode), Payload: msg.Payload}, Address(src), Address(dst))
}

func (a delegateAdapter) OnResponse(response, request access.Message, src access.Address, _ access.KeySet) {
	a.model.OnResponse(
		AccessMessage{Opcode: Opcode(response.Opcode), Payload: response.Payload},
		AccessMessage{Opcode: Opcode(request.Opcode), Payload: request.Payload},
		Address(src),
	)
}

// sendParams carries the per-send metadata access.OutboundQueue's
// parameter-less Transmitter callback has no room for: TTL and key
// selection. Network pushes one entry per Send/sendReply call and pops it
// inside transmit, relying on the single logical queue to keep push/pop
// order aligned with OutboundQueue's own per-destination FIFO.
type sendParams struct {
	ttl          uint8
	netKeyIndex  int
	appKeyIndex  int
	useDeviceKey bool
	virtualLabel *[16]byte
	retries      int
}

// sarKey identifies one in-flight outbound segmented send, for routing an
// inbound block-ack control PDU to the Outbound tracking it.
type sarKey struct {
	peer    access.Address
	seqZero uint16
}

// recvSession remembers the network-layer session an inbound segmented
// message arrived under, so the Reassembler's block-ack can be sent back
// encrypted under the same NetworkKey generation and IV-Index.
type recvSession struct {
	keys    network.SessionKeys
	ivIndex uint32
	ttl     uint8
}

// Network is the single type application or bearer code constructs and
// holds (SPEC_FULL.md §4.J). It owns the key store, the sequence store, the
// timer service, the replay cache, the outbound queue, and the beacon/
// provisioning state, and is the bearer's sole inbound entry point. This
// mirrors kgiusti-go-fdo-server/cmd/owner.go's TO2Server/Handler
// composition: a single struct wiring a session store, a key provider and
// an entry point together, except the entry point here is a bearer
// callback instead of an http.ServeMux.
type Network struct {
	cfg            NetworkConfig
	primaryAddress Address
	bearerDev      bearer.Bearer

	keys     *keystore.KeyStore
	seqStore store.SequenceStore
	replay   *network.ReplayCache

	queue  *core.Queue
	timers *core.TimerService
	sched  transport.Scheduler

	notify     *access.NotificationQueue
	dispatcher *access.Dispatcher
	outbound   *access.OutboundQueue

	reassembler *transport.Reassembler

	elements     map[ElementIndex][]ModelDelegate
	elementCount int

	pendingParams map[access.Address][]sendParams
	sarOutbound   map[sarKey]*transport.Outbound

	lastRecvSession map[uint16]recvSession

	ivFSM     beacon.State
	ivFSMOpts beacon.Options

	activeProvisioning *ProvisioningSession

	nodes       map[[16]byte]*Node
	nodesByAddr map[Address]*Node

	log *slog.Logger
}

// NewNetwork builds a Network bound to dev and backed by seqStore for
// crash-safe sequence/IV-Index persistence. primaryAddress is this node's
// own first local element.
func NewNetwork(cfg NetworkConfig, primaryAddress Address, dev bearer.Bearer, seqStore store.SequenceStore) (*Network, error) {
	cfg.setDefaults()

	ivState, err := seqStore.LoadIVIndex()
	if err != nil {
		return nil, err
	}
	if ivState.Index == 0 && ivState.LastTransition.IsZero() {
		ivState.Index = cfg.InitialIVIndex
	}

	queue := core.NewQueue(256)
	timers := core.NewTimerService(queue)
	sched := schedulerAdapter{timers: timers}
	notify := access.NewNotificationQueue(cfg.NotificationWorkers, 64)

	n := &Network{
		cfg:             cfg,
		primaryAddress:  primaryAddress,
		bearerDev:       dev,
		keys:            keystore.New(ivState.Index),
		seqStore:        seqStore,
		replay:          network.NewReplayCache(),
		queue:           queue,
		timers:          timers,
		sched:           sched,
		notify:          notify,
		elements:        make(map[ElementIndex][]ModelDelegate),
		elementCount:    1,
		pendingParams:   make(map[access.Address][]sendParams),
		sarOutbound:     make(map[sarKey]*transport.Outbound),
		lastRecvSession: make(map[uint16]recvSession),
		nodes:           make(map[[16]byte]*Node),
		nodesByAddr:     make(map[Address]*Node),
		ivFSM: beacon.State{
			Index:        ivState.Index,
			UpdateActive: ivState.UpdateActive,
		},
		ivFSMOpts: beacon.Options{UnlimitedRecovery: cfg.UnlimitedRecovery},
		log:       cfg.Logger,
	}
	if !ivState.LastTransition.IsZero() {
		t := ivState.LastTransition
		n.ivFSM.LastTransition = &t
	}

	iv := n.keys.IvIndex()
	iv.UpdateActive = ivState.UpdateActive
	iv.LastTransition = n.ivFSM.LastTransition
	n.keys.SetIvIndex(iv)

	n.dispatcher = access.NewDispatcher(n.lookupDelegates, notify, queue.Post, sched, n.sendReply)
	n.outbound = access.NewOutboundQueue(n.transmit)
	n.reassembler = transport.NewReassembler(sched, cfg.IncompleteTimeout, n.sendBlockAck)

	dev.SetInboundHandler(n.HandleInbound)
	return n, nil
}

// Close joins the notification queue's workers and stops the core's
// single logical queue, the "one goroutine per concern, joined at
// shutdown" shape kgiusti-go-fdo-server/cmd/owner.go's OwnerServer uses
// for its own graceful shutdown.
func (n *Network) Close() error {
	n.queue.Stop()
	return n.notify.Close()
}

// RegisterModel installs model on element, making it reachable by
// messages addressed to that element's unicast address (or, if it
// supports subscriptions, to group/virtual addresses).
func (n *Network) RegisterModel(element ElementIndex, model ModelDelegate) {
	n.queue.PostAndWait(func() {
		n.elements[element] = append(n.elements[element], model)
		if int(element)+1 > n.elementCount {
			n.elementCount = int(element) + 1
		}
	})
}

func (n *Network) lookupDelegates(dst access.Address) []access.Delegate {
	addr := Address(dst)
	if addr.IsUnicast() {
		if addr < n.primaryAddress || int(addr-n.primaryAddress) >= n.elementCount {
			return nil
		}
		idx := ElementIndex(addr - n.primaryAddress)
		out := make([]access.Delegate, 0, len(n.elements[idx]))
		for _, m := range n.elements[idx] {
			out = append(out, delegateAdapter{model: m})
		}
		return out
	}
	// Group/virtual addresses: every model that declares subscription
	// support is a candidate. This facade tracks only the capability
	// flag, not a per-model subscription address list.
	var out []access.Delegate
	for _, models := range n.elements {
		for _, m := range models {
			if m.IsSubscriptionSupported() {
				out = append(out, delegateAdapter{model: m})
			}
		}
	}
	return out
}

// sendReply transmits an acknowledged message's reply, built by a model
// delegate inside Dispatcher.HandleInbound, using the same key set the
// request arrived under.
func (n *Network) sendReply(dst access.Address, msg access.Message, keys access.KeySet) {
	n.pushSendParams(dst, sendParams{
		ttl:          n.cfg.DefaultTTL,
		netKeyIndex:  keys.NetKeyIndex,
		appKeyIndex:  keys.AppKeyIndex,
		useDeviceKey: keys.UseDeviceKey,
	})
	n.outbound.Send(msg, dst, func(error) {})
}

func (n *Network) pushSendParams(dst access.Address, p sendParams) {
	n.pendingParams[dst] = append(n.pendingParams[dst], p)
}

func (n *Network) popSendParams(dst access.Address) (sendParams, bool) {
	q := n.pendingParams[dst]
	if len(q) == 0 {
		return sendParams{}, false
	}
	p := q[0]
	q = q[1:]
	if len(q) == 0 {
		delete(n.pendingParams, dst)
	} else {
		n.pendingParams[dst] = q
	}
	return p, true
}

// Send queues msg for delivery to opts.Dst. Non-acknowledged sends resolve
// (via the returned MessageHandle's cancellation only) once handed to the
// bearer; acknowledged sends additionally await a response opcode,
// invoking opts.OnResponse exactly once.
func (n *Network) Send(msg AccessMessage, opts SendOptions) (*MessageHandle, error) {
	if opts.TTL == 0 {
		opts.TTL = n.cfg.DefaultTTL
	}
	dst := access.Address(opts.Dst)
	amsg := access.Message{Opcode: access.Opcode(msg.Opcode), Payload: msg.Payload}

	var handle *MessageHandle
	n.queue.PostAndWait(func() {
		n.pushSendParams(dst, sendParams{
			ttl:          opts.TTL,
			netKeyIndex:  opts.NetKeyIndex,
			appKeyIndex:  opts.AppKeyIndex,
			useDeviceKey: opts.UseDeviceKey,
			virtualLabel: opts.VirtualLabel,
		})

		mh := n.outbound.Send(amsg, dst, func(error) {})
		h := &MessageHandle{n: n, inner: mh}

		if opts.Acknowledged {
			keys := access.KeySet{NetKeyIndex: opts.NetKeyIndex, AppKeyIndex: opts.AppKeyIndex, UseDeviceKey: opts.UseDeviceKey}
			onResponse := opts.OnResponse
			pk := n.dispatcher.AwaitResponse(amsg, access.Address(n.primaryAddress), dst, access.Opcode(opts.ResponseOpcode), keys, opts.Timeout, func(resp *access.Message, err error) {
				if onResponse == nil {
					return
				}
				n.notify.Post(func() {
					if err != nil {
						onResponse(nil, err)
						return
					}
					onResponse(&AccessMessage{Opcode: Opcode(resp.Opcode), Payload: resp.Payload}, nil)
				})
			})
			h.pk = pk
			h.hasPK = true
		}
		handle = h
	})
	return handle, nil
}

func (n *Network) resolveUpperKey(dst access.Address, params sendParams) (key [16]byte, kind upper.KeyKind, aid byte, err error) {
	if params.useDeviceKey {
		dk, ok := n.keys.DeviceKey(uint16(dst))
		if !ok {
			return key, 0, 0, ErrUnknownDestination
		}
		return dk.Master, upper.KeyKindDevice, 0, nil
	}
	ak, ok := n.keys.ApplicationKey(params.appKeyIndex)
	if !ok {
		return key, 0, 0, ErrKeyIndexOutOfRange
	}
	return ak.Master(), upper.KeyKindApp, ak.AID(), nil
}

// transmit implements access.Transmitter: it seals the access payload,
// encodes it at the network layer, and either hands a single PDU to the
// bearer or drives a segmented send through a transport.Outbound.
func (n *Network) transmit(msg access.Message, dst access.Address, onAllSent func(), onResolved func(error)) func() {
	params, ok := n.popSendParams(dst)
	if !ok {
		params = sendParams{ttl: n.cfg.DefaultTTL}
	}

	plaintext, err := access.EncodeMessage(msg)
	if err != nil {
		onResolved(err)
		return func() {}
	}

	key, kind, aid, err := n.resolveUpperKey(dst, params)
	if err != nil {
		onResolved(err)
		return func() {}
	}

	netKey, ok := n.keys.NetworkKey(params.netKeyIndex)
	if !ok {
		onResolved(ErrKeyIndexOutOfRange)
		return func() {}
	}

	seq, err := n.seqStore.NextSeq(store.ElementAddress(n.primaryAddress))
	if err != nil {
		onResolved(ErrSequenceStoreDown)
		return func() {}
	}

	ivIndex := n.keys.IvIndex().TransmitIndex()
	src := uint16(n.primaryAddress)
	dstU16 := uint16(dst)

	longMIC := len(plaintext)+4 > transport.MaxUnsegmentedPayload
	sealed, szmic, err := upper.Seal(upper.SealParams{
		Key: key, Kind: kind, Seq: seq, Src: src, Dst: dstU16,
		IVIndex: ivIndex, LongMIC: longMIC, Plaintext: plaintext, VirtualLabel: params.virtualLabel,
	})
	if err != nil {
		onResolved(err)
		return func() {}
	}

	encKey, privKey, nid := netKey.TransmitKeys()
	sessionKeys := network.SessionKeys{NID: nid, EncryptionKey: encKey, PrivacyKey: privKey}
	akf := kind == upper.KeyKindApp

	if !szmic && len(sealed) <= transport.MaxUnsegmentedPayload {
		lowerPDU, err := transport.EncodeSingle(akf, aid, sealed)
		if err != nil {
			onResolved(err)
			return func() {}
		}
		netPDU, err := network.Encode(network.Outbound{
			Keys: sessionKeys, IVIndex: ivIndex, Control: false,
			TTL: params.ttl, Seq: seq, Src: src, Dst: dstU16, TransportPDU: lowerPDU,
		})
		if err != nil {
			onResolved(err)
			return func() {}
		}
		if err := n.bearerDev.Send(netPDU, bearer.NetworkPDU); err != nil {
			onResolved(err)
			return func() {}
		}
		onAllSent()
		onResolved(nil)
		return func() {}
	}

	if n.ivFSM.UpdateActive {
		onResolved(ErrIVUpdateInProgress)
		return func() {}
	}

	chunks, segN, err := transport.Split(sealed)
	if err != nil {
		onResolved(err)
		return func() {}
	}
	seqZero := uint16(seq & 0x1fff)
	segments := make([][]byte, len(chunks))
	for i, chunk := range chunks {
		h := transport.SegmentedHeader{AKF: akf, AID: aid, SZMIC: szmic, SeqZero: seqZero, SegO: uint8(i), SegN: segN}
		seg, err := transport.EncodeSegment(h, chunk)
		if err != nil {
			onResolved(err)
			return func() {}
		}
		segments[i] = seg
	}

	send := func(pdu []byte) error {
		netPDU, err := network.Encode(network.Outbound{
			Keys: sessionKeys, IVIndex: ivIndex, Control: false,
			TTL: params.ttl, Seq: seq, Src: src, Dst: dstU16, TransportPDU: pdu,
		})
		if err != nil {
			return err
		}
		return n.bearerDev.Send(netPDU, bearer.NetworkPDU)
	}

	retries := params.retries
	if retries <= 0 {
		retries = n.cfg.Retries
	}

	sk := sarKey{peer: dst, seqZero: seqZero}
	out := transport.NewOutbound(n.sched, send, n.cfg.RateLimit, segments, params.ttl, seqZero, retries, func(res transport.Result) {
		delete(n.sarOutbound, sk)
		onResolved(resultToErr(res))
	})
	n.sarOutbound[sk] = out
	out.Start()
	onAllSent()

	return func() {
		_ = out.Cancel()
	}
}

func resultToErr(res transport.Result) error {
	switch res {
	case transport.ResultTimeout:
		return ErrTimeout
	case transport.ResultBusy:
		return ErrBusy
	case transport.ResultCancelled:
		return ErrCancelled
	default:
		return nil
	}
}

// HandleInbound is the bearer's sole entry point for delivered PDUs; it
// re-enters the single logical queue so decoding and FSM mutation never
// race a concurrently-expiring timer.
func (n *Network) HandleInbound(pdu []byte, kind bearer.PduType) {
	raw := append([]byte(nil), pdu...)
	n.queue.Post(func() { n.handleInboundLocked(raw, kind) })
}

func (n *Network) handleInboundLocked(raw []byte, kind bearer.PduType) {
	switch kind {
	case bearer.NetworkPDU:
		n.handleNetworkPDU(raw)
	case bearer.MeshBeacon:
		n.handleBeacon(raw)
	case bearer.ProvisioningPDU:
		if n.activeProvisioning != nil {
			if err := n.activeProvisioning.HandleInbound(raw); err != nil {
				n.log.Debug("provisioning: inbound handling failed", "error", err)
			}
		}
	case bearer.ProxyConfiguration:
		n.log.Debug("proxy configuration PDU received, no proxy server role implemented")
	}
}

func (n *Network) candidateIVIndices() []uint32 {
	iv := n.keys.IvIndex()
	if iv.UpdateActive && iv.Index > 0 {
		return []uint32{iv.Index, iv.Index - 1}
	}
	return []uint32{iv.Index}
}

func sessionKeysForNID(nk *keystore.NetworkKey, nid byte) (network.SessionKeys, bool) {
	if nk.NID() == nid {
		return network.SessionKeys{NID: nid, EncryptionKey: nk.EncryptionKey(), PrivacyKey: nk.PrivacyKey()}, true
	}
	if old, ok := nk.OldNID(); ok && old == nid {
		enc, _ := nk.OldEncryptionKey()
		priv, _ := nk.OldPrivacyKey()
		return network.SessionKeys{NID: nid, EncryptionKey: enc, PrivacyKey: priv}, true
	}
	return network.SessionKeys{}, false
}

func (n *Network) handleNetworkPDU(raw []byte) {
	if len(raw) < 1 {
		return
	}
	nid := raw[0] & 0x7f
	for _, nk := range n.keys.NetworkKeysMatchingNID(nid) {
		sess, ok := sessionKeysForNID(nk, nid)
		if !ok {
			continue
		}
		for _, ivIndex := range n.candidateIVIndices() {
			decoded, err := network.Decode(raw, sess, ivIndex)
			if err != nil {
				continue
			}
			if !n.replay.Accept(decoded.Src, decoded.Seq, ivIndex) {
				n.log.Debug("network: replay discard", "src", decoded.Src)
				return
			}
			n.lastRecvSession[decoded.Src] = recvSession{keys: sess, ivIndex: ivIndex, ttl: decoded.TTL}
			n.routeTransportPDU(decoded, nk.Index, ivIndex)
			return
		}
	}
	// No candidate key/IV-Index pair authenticated the PDU: silent drop
	// per the micFailure/invalidPdu policy, logged at Debug only so MIC
	// failures never become info-level noise an attacker could use to
	// fingerprint live traffic.
	n.log.Debug("network: no matching key for inbound pdu", "nid", nid)
}

func (n *Network) routeTransportPDU(decoded network.Decoded, netKeyIndex int, ivIndex uint32) {
	pdu := decoded.TransportPDU
	if len(pdu) == 0 {
		return
	}
	if decoded.Control {
		n.handleControlPDU(decoded.Src, pdu)
		return
	}

	unicastDst := Address(decoded.Dst).IsUnicast()
	if pdu[0]&0x80 != 0 {
		h, segPayload, err := transport.DecodeSegment(pdu)
		if err != nil {
			return
		}
		full, complete := n.reassembler.HandleSegment(decoded.Src, unicastDst, decoded.TTL, ivIndex, decoded.Seq, h, segPayload)
		if !complete {
			return
		}
		n.deliverAccessPayload(decoded.Src, decoded.Dst, netKeyIndex, h.AKF, h.AID, h.SZMIC, decoded.Seq, ivIndex, full)
		return
	}

	akf, aid, payload, err := transport.DecodeSingle(pdu)
	if err != nil {
		return
	}
	n.deliverAccessPayload(decoded.Src, decoded.Dst, netKeyIndex, akf, aid, false, decoded.Seq, ivIndex, payload)
}

func appKeyIndexForKey(candidates []upper.AppKeyCandidate, key [16]byte) int {
	for _, c := range candidates {
		if c.Key == key || (c.HasOld && c.OldKey == key) {
			return c.Index
		}
	}
	return -1
}

func (n *Network) deliverAccessPayload(srcU16, dstU16 uint16, netKeyIndex int, akf bool, aid byte, szmic bool, seq, ivIndex uint32, sealed []byte) {
	// Virtual-address AAD resolution requires a label registry this
	// facade does not keep (see DESIGN.md); messages addressed to a
	// virtual address fail MIC verification and are silently dropped,
	// same as any other decode failure.
	var virtualLabel *[16]byte

	if !akf {
		dk, ok := n.keys.DeviceKey(srcU16)
		if !ok {
			return
		}
		plaintext, err := upper.Open(upper.OpenParams{
			Key: dk.Master, Kind: upper.KeyKindDevice, Seq: seq, Src: srcU16, Dst: dstU16,
			IVIndex: ivIndex, SZMIC: szmic, Sealed: sealed, VirtualLabel: virtualLabel,
		})
		if err != nil {
			n.log.Debug("upper: device key mic failure", "src", srcU16)
			return
		}
		keys := access.KeySet{NetKeyIndex: netKeyIndex, UseDeviceKey: true}
		n.dispatcher.HandleInbound(plaintext, access.Address(srcU16), access.Address(dstU16), keys)
		return
	}

	appKeys := n.keys.ApplicationKeysBoundTo(netKeyIndex)
	candidates := make([]upper.AppKeyCandidate, len(appKeys))
	for i, ak := range appKeys {
		c := upper.AppKeyCandidate{Index: ak.Index, AID: ak.AID(), Key: ak.Master()}
		if oldKey, ok := ak.OldMaster(); ok {
			oldAID, _ := ak.OldAID()
			c.HasOld = true
			c.OldAID = oldAID
			c.OldKey = oldKey
		}
		candidates[i] = c
	}

	for _, key := range upper.MatchingAppKeys(candidates, aid) {
		plaintext, err := upper.Open(upper.OpenParams{
			Key: key, Kind: upper.KeyKindApp, Seq: seq, Src: srcU16, Dst: dstU16,
			IVIndex: ivIndex, SZMIC: szmic, Sealed: sealed, VirtualLabel: virtualLabel,
		})
		if err != nil {
			continue
		}
		keys := access.KeySet{NetKeyIndex: netKeyIndex, AppKeyIndex: appKeyIndexForKey(candidates, key)}
		n.dispatcher.HandleInbound(plaintext, access.Address(srcU16), access.Address(dstU16), keys)
		return
	}
	n.log.Debug("upper: no matching application key", "src", srcU16, "aid", aid)
}

func (n *Network) handleControlPDU(src uint16, pdu []byte) {
	if len(pdu) == 0 {
		return
	}
	switch pdu[0] {
	case transport.CtrlSegmentAck:
		ack, err := transport.DecodeSegmentAck(pdu)
		if err != nil {
			return
		}
		if out, ok := n.sarOutbound[sarKey{peer: access.Address(src), seqZero: ack.SeqZero}]; ok {
			out.HandleBlockAck(ack)
		}
	case transport.CtrlHeartbeat:
		// Heartbeat reception is informational only; this facade keeps
		// no per-neighbor feature/hop-count table.
	}
}

// sendBlockAck is the Reassembler's ack-sending hook: it re-encrypts the
// control PDU under the same NetworkKey generation and IV-Index the
// original segmented message arrived under.
func (n *Network) sendBlockAck(src uint16, ackPDU []byte) error {
	sess, ok := n.lastRecvSession[src]
	if !ok {
		return ErrUnknownDestination
	}
	seq, err := n.seqStore.NextSeq(store.ElementAddress(n.primaryAddress))
	if err != nil {
		return ErrSequenceStoreDown
	}
	netPDU, err := network.Encode(network.Outbound{
		Keys: sess.keys, IVIndex: sess.ivIndex, Control: true,
		TTL: sess.ttl, Seq: seq, Src: uint16(n.primaryAddress), Dst: src, TransportPDU: ackPDU,
	})
	if err != nil {
		return err
	}
	return n.bearerDev.Send(netPDU, bearer.NetworkPDU)
}

func (n *Network) handleBeacon(raw []byte) {
	nks := n.keys.NetworkKeys()
	candidates := make([]beacon.CandidateKey, 0, len(nks))
	for _, nk := range nks {
		candidates = append(candidates, beacon.CandidateKey{
			NetKeyIndex: nk.Index,
			NetworkID:   nk.NetworkID(),
			BeaconKey:   nk.BeaconKey(),
		})
	}
	decoded, err := beacon.Decode(raw, candidates)
	if err != nil {
		n.log.Debug("beacon: decode failed", "error", err)
		return
	}

	decision := beacon.Accept(n.ivFSM, decoded.IVIndex, decoded.IVUpdateActive, time.Now(), n.ivFSMOpts)
	if !decision.Accept {
		n.log.Debug("beacon: rejected", "netKeyIndex", decoded.MatchedKey.NetKeyIndex, "ivIndex", decoded.IVIndex)
		return
	}
	n.ivFSM = decision.NewState

	iv := n.keys.IvIndex()
	iv.Index = n.ivFSM.Index
	iv.UpdateActive = n.ivFSM.UpdateActive
	iv.LastTransition = n.ivFSM.LastTransition
	n.keys.SetIvIndex(iv)

	var transition time.Time
	if n.ivFSM.LastTransition != nil {
		transition = *n.ivFSM.LastTransition
	}
	if err := n.seqStore.SaveIVIndex(store.IvIndexState{Index: n.ivFSM.Index, UpdateActive: n.ivFSM.UpdateActive, LastTransition: transition}); err != nil {
		n.log.Debug("beacon: persisting iv-index failed", "error", err)
	}
}

// allocateUnicastRange finds the lowest free block of count contiguous
// unicast addresses within the configured provisioning range.
func (n *Network) allocateUnicastRange(count int) (Address, bool) {
	used := make(map[Address]bool)
	for _, node := range n.nodesByAddr {
		for _, a := range node.Elements() {
			used[a] = true
		}
	}
	for addr := n.cfg.ProvisioningRangeStart; addr <= n.cfg.ProvisioningRangeEnd; addr++ {
		if int(addr)+count-1 > int(n.cfg.ProvisioningRangeEnd) {
			break
		}
		free := true
		for i := 0; i < count; i++ {
			if used[addr+Address(i)] {
				free = false
				break
			}
		}
		if free {
			return addr, true
		}
		if addr == n.cfg.ProvisioningRangeEnd {
			break
		}
	}
	return 0, false
}

func (n *Network) addNode(node Node) {
	nn := node
	n.nodes[node.UUID] = &nn
	n.nodesByAddr[node.PrimaryAddress] = &nn
}

func toKey16(b []byte) [16]byte {
	var out [16]byte
	copy(out[:], b)
	return out
}

// Import decodes doc as a data-source document (SPEC_FULL.md §6) and
// installs its keys and nodes into this Network.
func (n *Network) Import(doc []byte) error {
	var d config.Document
	if err := json.Unmarshal(doc, &d); err != nil {
		return err
	}
	if err := d.Validate(); err != nil {
		return err
	}
	var importErr error
	n.queue.PostAndWait(func() {
		importErr = n.importDocumentLocked(d)
	})
	return importErr
}

func (n *Network) importDocumentLocked(d config.Document) error {
	for _, nk := range d.NetKeys {
		key, err := keystore.NewNetworkKey(nk.Index, toKey16(nk.Key))
		if err != nil {
			return err
		}
		n.keys.AddNetworkKey(key)
	}
	for _, ak := range d.AppKeys {
		key, err := keystore.NewApplicationKey(ak.Index, ak.BoundKey, toKey16(ak.Key))
		if err != nil {
			return err
		}
		n.keys.AddApplicationKey(key)
	}
	for _, ne := range d.Nodes {
		n.keys.AddDeviceKey(keystore.NewDeviceKey(ne.UnicastAddress, toKey16(ne.DeviceKey)))
		elementCount := len(ne.Elements)
		if elementCount == 0 {
			elementCount = 1
		}
		n.addNode(Node{
			UUID:            toKey16(ne.UUID),
			PrimaryAddress:  Address(ne.UnicastAddress),
			ElementCount:    elementCount,
			DeviceKeyIndex:  Address(ne.UnicastAddress),
			CompositionData: []byte(ne.CompositionData),
		})
	}
	return nil
}

// Export serializes the current keys and nodes as a data-source document.
func (n *Network) Export() ([]byte, error) {
	var d config.Document
	n.queue.PostAndWait(func() {
		d = n.exportDocumentLocked()
	})
	return json.Marshal(d)
}

func (n *Network) exportDocumentLocked() config.Document {
	d := config.Document{
		Version:   "1.0.0",
		Timestamp: time.Now(),
	}
	for _, nk := range n.keys.NetworkKeys() {
		master := nk.Master()
		d.NetKeys = append(d.NetKeys, config.NetKeyEntry{Index: nk.Index, Key: config.HexBytes(master[:])})
		for _, ak := range n.keys.ApplicationKeysBoundTo(nk.Index) {
			akMaster := ak.Master()
			d.AppKeys = append(d.AppKeys, config.AppKeyEntry{Index: ak.Index, BoundKey: ak.BoundNetworkKeyIndex, Key: config.HexBytes(akMaster[:])})
		}
	}
	d.Provisioners = []config.ProvisionerEntry{{
		Name:                  "local",
		AllocatedUnicastRange: []config.AddressRange{{LowAddress: uint16(n.cfg.ProvisioningRangeStart), HighAddress: uint16(n.cfg.ProvisioningRangeEnd)}},
	}}
	for _, node := range n.nodesByAddr {
		entry := config.NodeEntry{
			UUID:            config.HexBytes(node.UUID[:]),
			UnicastAddress:  uint16(node.PrimaryAddress),
			CompositionData: config.HexBytes(node.CompositionData),
		}
		if dk, ok := n.keys.DeviceKey(uint16(node.PrimaryAddress)); ok {
			entry.DeviceKey = config.HexBytes(dk.Master[:])
		}
		d.Nodes = append(d.Nodes, entry)
	}
	return d
}
