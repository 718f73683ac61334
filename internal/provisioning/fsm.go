package provisioning

import (
	"sync"

	meshcrypto "github.com/wzbdroid0212/go-btmesh/internal/crypto"
)

// State is the provisioner-role handshake state (SPEC_FULL.md §4.H).
type State int

const (
	StateIdle State = iota
	StateInvited
	StateCapabilitiesReceived
	StateStarted
	StatePublicKeysExchanged
	StateAuthenticating
	StateConfirmed
	StateRandomExchanged
	StateDataSent
	StateComplete
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInvited:
		return "invited"
	case StateCapabilitiesReceived:
		return "capabilitiesReceived"
	case StateStarted:
		return "started"
	case StatePublicKeysExchanged:
		return "publicKeysExchanged"
	case StateAuthenticating:
		return "authenticating"
	case StateConfirmed:
		return "confirmed"
	case StateRandomExchanged:
		return "randomExchanged"
	case StateDataSent:
		return "dataSent"
	case StateComplete:
		return "complete"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// FailureKind mirrors the root package's ProvisioningErrorKind without
// importing it, per the package's import-cycle-avoidance convention; the
// manager facade translates at its boundary.
type FailureKind int

const (
	FailureUnknown FailureKind = iota
	FailureConfirmationFailed
	FailureUnsupportedAlgorithm
	FailureKeyGenerationFailed
	FailureInvalidState
	FailureInvalidPDU
	FailurePeerAborted
)

// Failure is the error HandleInbound/Start report on an unrecoverable
// handshake failure.
type Failure struct {
	Kind FailureKind
	Err  error
}

func (f *Failure) Error() string {
	if f.Err != nil {
		return f.Err.Error()
	}
	return "provisioning failed"
}
func (f *Failure) Unwrap() error { return f.Err }

// AuthProvider supplies the out-of-band authentication value §4.H step 5
// calls for. NumericOOB returns the agreed numeric value regardless of
// whether it is displayed by the provisioner or the device; the FSM does
// not itself drive a UI.
type AuthProvider interface {
	StaticOOBKey() ([16]byte, error)
	NumericOOB(digits uint8) (uint32, error)
}

// NoOOBProvider implements AuthProvider for AuthMethodNoOOB, where
// authValue is always zero and no other method is ever consulted.
type NoOOBProvider struct{}

func (NoOOBProvider) StaticOOBKey() ([16]byte, error)  { var z [16]byte; return z, nil }
func (NoOOBProvider) NumericOOB(uint8) (uint32, error) { return 0, nil }

// Result is everything the manager facade needs to onboard the new node
// once provisioning completes (§4.H "New node onboarding").
type Result struct {
	NetKey         [16]byte
	NetKeyIndex    uint16
	Flags          byte
	IVIndex        uint32
	UnicastAddress uint16
	DeviceKey      [16]byte
	NumElements    uint8
}

// Send transmits a raw provisioning PDU to the peer device.
type Send func(pdu []byte) error

// Session drives one provisioner-role handshake to completion or failure.
// It is not safe for concurrent use from multiple goroutines; callers
// drive it from the single logical queue per §5.
type Session struct {
	mu sync.Mutex

	send Send
	auth AuthProvider

	state State

	confirmationInputs []byte
	capabilities       Capabilities
	chosenStart        Start

	keyPair      *meshcrypto.ECDHKeyPair
	peerPublicXY [64]byte
	sharedSecret [32]byte

	authValue          [16]byte
	confirmationKey    [16]byte
	provisionerRandom  [16]byte
	deviceRandom       [16]byte
	deviceConfirmation [16]byte

	sessionKey   [16]byte
	sessionNonce [13]byte
	deviceKey    [16]byte

	pendingData Data

	onComplete func(Result)
	onFailed   func(*Failure)
}

// NewSession constructs an idle Session. data is the provisioning data
// this provisioner will deliver once authentication succeeds; its
// UnicastAddress must already have been reserved by the caller.
func NewSession(send Send, auth AuthProvider, data Data, onComplete func(Result), onFailed func(*Failure)) *Session {
	if auth == nil {
		auth = NoOOBProvider{}
	}
	return &Session{
		send:        send,
		auth:        auth,
		state:       StateIdle,
		pendingData: data,
		onComplete:  onComplete,
		onFailed:    onFailed,
	}
}

// State reports the current handshake state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start sends Invite and begins the handshake.
func (s *Session) Start(attentionSeconds uint8) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateIdle {
		return s.failLocked(FailureInvalidState, nil)
	}
	pdu := EncodeInvite(Invite{AttentionSeconds: attentionSeconds})
	s.confirmationInputs = append(s.confirmationInputs, pdu[1:]...)
	if err := s.send(pdu); err != nil {
		return s.failLocked(FailureUnknown, err)
	}
	s.state = StateInvited
	return nil
}

// HandleInbound processes one provisioning PDU received from the device.
func (s *Session) HandleInbound(pdu []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(pdu) == 0 {
		return s.failLocked(FailureInvalidPDU, nil)
	}
	if pdu[0] == TypeFailed {
		reason, err := DecodeFailed(pdu)
		if err != nil {
			return s.failLocked(FailureInvalidPDU, err)
		}
		return s.failLocked(FailurePeerAborted, errorFromReason(reason))
	}

	switch s.state {
	case StateInvited:
		return s.handleCapabilities(pdu)
	case StateStarted:
		return s.handlePublicKey(pdu)
	case StateAuthenticating:
		return s.handleConfirmation(pdu)
	case StateConfirmed:
		return s.handleRandom(pdu)
	case StateDataSent:
		return s.handleComplete(pdu)
	default:
		return s.failLocked(FailureInvalidState, nil)
	}
}

func (s *Session) handleCapabilities(pdu []byte) error {
	caps, err := DecodeCapabilities(pdu)
	if err != nil {
		return s.failLocked(FailureInvalidPDU, err)
	}
	if caps.Algorithms&AlgorithmFIPSP256 == 0 {
		return s.failLocked(FailureUnsupportedAlgorithm, nil)
	}
	s.capabilities = caps
	s.confirmationInputs = append(s.confirmationInputs, pdu[1:]...)
	s.state = StateCapabilitiesReceived

	start := Start{
		Algorithm:     0, // fipsP256EllipticCurve, the only supported value
		PublicKeyType: 0,
		AuthMethod:    AuthMethodNoOOB,
		AuthAction:    0,
		AuthSize:      0,
	}
	s.chosenStart = start
	startPDU := EncodeStart(start)
	s.confirmationInputs = append(s.confirmationInputs, startPDU[1:]...)
	if err := s.send(startPDU); err != nil {
		return s.failLocked(FailureUnknown, err)
	}

	keyPair, err := meshcrypto.GenerateECDHKeyPair()
	if err != nil {
		return s.failLocked(FailureKeyGenerationFailed, err)
	}
	s.keyPair = keyPair
	xy := keyPair.PublicKeyXY()
	pubPDU := EncodePublicKey(xy)
	s.confirmationInputs = append(s.confirmationInputs, pubPDU[1:]...)
	if err := s.send(pubPDU); err != nil {
		return s.failLocked(FailureUnknown, err)
	}
	s.state = StateStarted
	return nil
}

func (s *Session) handlePublicKey(pdu []byte) error {
	peerXY, err := DecodePublicKey(pdu)
	if err != nil {
		return s.failLocked(FailureInvalidPDU, err)
	}
	s.peerPublicXY = peerXY
	s.confirmationInputs = append(s.confirmationInputs, pdu[1:]...)

	secret, err := s.keyPair.SharedSecretX(peerXY)
	if err != nil {
		return s.failLocked(FailureKeyGenerationFailed, err)
	}
	s.sharedSecret = secret
	s.state = StatePublicKeysExchanged

	authValue, err := deriveAuthValue(s.auth, s.chosenStart)
	if err != nil {
		return s.failLocked(FailureUnknown, err)
	}
	s.authValue = authValue

	confirmationSalt, err := meshcrypto.S1(s.confirmationInputs)
	if err != nil {
		return s.failLocked(FailureUnknown, err)
	}
	confirmationKey, err := meshcrypto.K1(s.sharedSecret[:], confirmationSalt, []byte("prck"))
	if err != nil {
		return s.failLocked(FailureUnknown, err)
	}
	copy(s.confirmationKey[:], confirmationKey)

	random, err := meshcrypto.RandomBytes(16)
	if err != nil {
		return s.failLocked(FailureUnknown, err)
	}
	copy(s.provisionerRandom[:], random)

	tag, err := meshcrypto.CMAC(s.confirmationKey[:], append(append([]byte(nil), s.provisionerRandom[:]...), s.authValue[:]...))
	if err != nil {
		return s.failLocked(FailureUnknown, err)
	}
	var confirmation [16]byte
	copy(confirmation[:], tag)

	s.state = StateAuthenticating
	if err := s.send(EncodeConfirmation(confirmation)); err != nil {
		return s.failLocked(FailureUnknown, err)
	}
	return nil
}

func (s *Session) handleConfirmation(pdu []byte) error {
	deviceConfirmation, err := DecodeConfirmation(pdu)
	if err != nil {
		return s.failLocked(FailureInvalidPDU, err)
	}
	s.deviceConfirmation = deviceConfirmation
	s.state = StateConfirmed
	if err := s.send(EncodeRandom(s.provisionerRandom)); err != nil {
		return s.failLocked(FailureUnknown, err)
	}
	return nil
}

func (s *Session) handleRandom(pdu []byte) error {
	deviceRandom, err := DecodeRandom(pdu)
	if err != nil {
		return s.failLocked(FailureInvalidPDU, err)
	}
	s.deviceRandom = deviceRandom

	expected, err := meshcrypto.CMAC(s.confirmationKey[:], append(append([]byte(nil), s.deviceRandom[:]...), s.authValue[:]...))
	if err != nil {
		return s.failLocked(FailureUnknown, err)
	}
	if !meshcrypto.ConstantTimeEqual(expected, s.deviceConfirmation[:]) {
		return s.failLocked(FailureConfirmationFailed, nil)
	}

	confirmationSalt, err := meshcrypto.S1(s.confirmationInputs)
	if err != nil {
		return s.failLocked(FailureUnknown, err)
	}
	provisioningSalt, err := meshcrypto.S1(concat(confirmationSalt, s.provisionerRandom[:], s.deviceRandom[:]))
	if err != nil {
		return s.failLocked(FailureUnknown, err)
	}
	sessionKey, err := meshcrypto.K1(s.sharedSecret[:], provisioningSalt, []byte("prsk"))
	if err != nil {
		return s.failLocked(FailureUnknown, err)
	}
	copy(s.sessionKey[:], sessionKey)

	nonceMaterial, err := meshcrypto.K1(s.sharedSecret[:], provisioningSalt, []byte("prsn"))
	if err != nil {
		return s.failLocked(FailureUnknown, err)
	}
	copy(s.sessionNonce[:], nonceMaterial[3:16])

	deviceKey, err := meshcrypto.K1(s.sharedSecret[:], provisioningSalt, []byte("prdk"))
	if err != nil {
		return s.failLocked(FailureUnknown, err)
	}
	copy(s.deviceKey[:], deviceKey)

	s.state = StateRandomExchanged

	sealed, err := meshcrypto.CCMSeal(s.sessionKey[:], s.sessionNonce[:], s.pendingData.marshal(), nil, 8)
	if err != nil {
		return s.failLocked(FailureUnknown, err)
	}
	if err := s.send(EncodeDataPDU(sealed)); err != nil {
		return s.failLocked(FailureUnknown, err)
	}
	s.state = StateDataSent
	return nil
}

func (s *Session) handleComplete(pdu []byte) error {
	if err := DecodeComplete(pdu); err != nil {
		return s.failLocked(FailureInvalidPDU, err)
	}
	s.state = StateComplete
	if s.onComplete != nil {
		s.onComplete(Result{
			NetKey:         s.pendingData.NetKey,
			NetKeyIndex:    s.pendingData.NetKeyIndex,
			Flags:          s.pendingData.Flags,
			IVIndex:        s.pendingData.IVIndex,
			UnicastAddress: s.pendingData.UnicastAddress,
			DeviceKey:      s.deviceKey,
			NumElements:    s.capabilities.NumElements,
		})
	}
	return nil
}

func (s *Session) failLocked(kind FailureKind, err error) error {
	s.state = StateFailed
	f := &Failure{Kind: kind, Err: err}
	if s.onFailed != nil {
		s.onFailed(f)
	}
	return f
}

func deriveAuthValue(auth AuthProvider, start Start) ([16]byte, error) {
	var v [16]byte
	switch start.AuthMethod {
	case AuthMethodNoOOB:
		return v, nil
	case AuthMethodStaticOOB:
		return auth.StaticOOBKey()
	case AuthMethodOutputOOB, AuthMethodInputOOB:
		n, err := auth.NumericOOB(start.AuthSize)
		if err != nil {
			return v, err
		}
		v[12] = byte(n >> 24)
		v[13] = byte(n >> 16)
		v[14] = byte(n >> 8)
		v[15] = byte(n)
		return v, nil
	default:
		return v, nil
	}
}

func concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func errorFromReason(r FailReason) error {
	return failReasonError(r)
}

type failReasonError FailReason

func (e failReasonError) Error() string {
	switch FailReason(e) {
	case FailReasonInvalidPDU:
		return "peer reported invalid PDU"
	case FailReasonInvalidFormat:
		return "peer reported invalid format"
	case FailReasonUnexpectedPDU:
		return "peer reported unexpected PDU"
	case FailReasonConfirmationFailed:
		return "peer reported confirmation failed"
	case FailReasonOutOfResources:
		return "peer reported out of resources"
	case FailReasonDecryptionFailed:
		return "peer reported decryption failed"
	case FailReasonCannotAssignAddress:
		return "peer reported it cannot assign the address"
	default:
		return "peer reported an unexpected error"
	}
}
