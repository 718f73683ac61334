package keystore

import "sync"

// KeyStore holds every NetworkKey, ApplicationKey and DeviceKey known to
// this manager, plus the single IvIndex. It is owned by the network
// manager and mutated only from the core's single logical queue
// (SPEC_FULL.md §3); the internal mutex guards against the rare case of a
// read from outside that queue (e.g. a diagnostic dump) rather than
// concurrent writers.
type KeyStore struct {
	mu sync.RWMutex

	netKeys map[int]*NetworkKey
	appKeys map[int]*ApplicationKey
	devKeys map[uint16]*DeviceKey

	ivIndex IvIndex
}

// New constructs an empty KeyStore at the given initial IV-Index.
func New(initialIvIndex uint32) *KeyStore {
	return &KeyStore{
		netKeys: make(map[int]*NetworkKey),
		appKeys: make(map[int]*ApplicationKey),
		devKeys: make(map[uint16]*DeviceKey),
		ivIndex: NewIvIndex(initialIvIndex),
	}
}

// AddNetworkKey installs or replaces a NetworkKey by index.
func (s *KeyStore) AddNetworkKey(k *NetworkKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.netKeys[k.Index] = k
}

// NetworkKey looks up a NetworkKey by index.
func (s *KeyStore) NetworkKey(index int) (*NetworkKey, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.netKeys[index]
	return k, ok
}

// NetworkKeys returns every installed NetworkKey, unordered.
func (s *KeyStore) NetworkKeys() []*NetworkKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*NetworkKey, 0, len(s.netKeys))
	for _, k := range s.netKeys {
		out = append(out, k)
	}
	return out
}

// NetworkKeysMatchingNID returns every NetworkKey whose current or old NID
// equals nid, the candidate set the network layer must try on an inbound
// PDU (SPEC_FULL.md §4.C).
func (s *KeyStore) NetworkKeysMatchingNID(nid byte) []*NetworkKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*NetworkKey
	for _, k := range s.netKeys {
		if k.NID() == nid {
			out = append(out, k)
			continue
		}
		if old, ok := k.OldNID(); ok && old == nid {
			out = append(out, k)
		}
	}
	return out
}

// RemoveNetworkKey deletes a NetworkKey by index.
func (s *KeyStore) RemoveNetworkKey(index int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.netKeys, index)
}

// AddApplicationKey installs or replaces an ApplicationKey by index.
func (s *KeyStore) AddApplicationKey(k *ApplicationKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appKeys[k.Index] = k
}

// ApplicationKey looks up an ApplicationKey by index.
func (s *KeyStore) ApplicationKey(index int) (*ApplicationKey, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.appKeys[index]
	return k, ok
}

// ApplicationKeysBoundTo returns every ApplicationKey bound to netKeyIndex,
// the set consulted when selecting the application key for an outbound
// message addressed by app-key index.
func (s *KeyStore) ApplicationKeysBoundTo(netKeyIndex int) []*ApplicationKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*ApplicationKey
	for _, k := range s.appKeys {
		if k.BoundNetworkKeyIndex == netKeyIndex {
			out = append(out, k)
		}
	}
	return out
}

// RemoveApplicationKey deletes an ApplicationKey by index.
func (s *KeyStore) RemoveApplicationKey(index int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.appKeys, index)
}

// AddDeviceKey installs or replaces a DeviceKey by node address.
func (s *KeyStore) AddDeviceKey(k *DeviceKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devKeys[k.NodeAddress] = k
}

// DeviceKey looks up a DeviceKey by node unicast address.
func (s *KeyStore) DeviceKey(nodeAddress uint16) (*DeviceKey, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.devKeys[nodeAddress]
	return k, ok
}

// RemoveDeviceKey deletes a DeviceKey by node unicast address.
func (s *KeyStore) RemoveDeviceKey(nodeAddress uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.devKeys, nodeAddress)
}

// IvIndex returns the current IV-Index FSM state.
func (s *KeyStore) IvIndex() IvIndex {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ivIndex
}

// SetIvIndex installs a new IV-Index FSM state, e.g. after AcceptBeacon
// approved a transition, or after loading persisted state at startup.
func (s *KeyStore) SetIvIndex(iv IvIndex) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ivIndex = iv
}
