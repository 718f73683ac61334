package btmesh

import (
	"encoding/binary"

	meshcrypto "github.com/wzbdroid0212/go-btmesh/internal/crypto"
)

// Address is a 16-bit Bluetooth Mesh address. See AddressKind for the
// variant an Address falls into.
type Address uint16

// AddressKind classifies an Address into one of the ranges the profile
// defines.
type AddressKind int

const (
	AddressUnassigned AddressKind = iota
	AddressUnicast
	AddressVirtual
	AddressGroup
)

const (
	// AddressAllProxies, AddressAllFriends, AddressAllRelays and
	// AddressAllNodes are the fixed group addresses reserved by the
	// profile.
	AddressAllProxies Address = 0xFFFC
	AddressAllFriends Address = 0xFFFD
	AddressAllRelays  Address = 0xFFFE
	AddressAllNodes   Address = 0xFFFF
)

// Kind classifies the address.
func (a Address) Kind() AddressKind {
	switch {
	case a == 0x0000:
		return AddressUnassigned
	case a >= 0x0001 && a <= 0x7FFF:
		return AddressUnicast
	case a >= 0x8000 && a <= 0xBFFF:
		return AddressVirtual
	default: // 0xC000-0xFFFF
		return AddressGroup
	}
}

func (a Address) IsUnicast() bool    { return a.Kind() == AddressUnicast }
func (a Address) IsVirtual() bool    { return a.Kind() == AddressVirtual }
func (a Address) IsGroup() bool      { return a.Kind() == AddressGroup }
func (a Address) IsUnassigned() bool { return a.Kind() == AddressUnassigned }

// MeshAddress is either a plain 16-bit address or a virtual address paired
// with the 128-bit label UUID it was derived from. Label is nil for
// non-virtual addresses.
type MeshAddress struct {
	Address Address
	Label   *[16]byte
}

// NewVirtualMeshAddress derives the 16-bit virtual address for a label UUID
// and returns the MeshAddress pair, per spec §3:
//
//	address = (AES-CMAC(s1("vtad"), label)[14:16] | 0x8000) & 0xBFFF
func NewVirtualMeshAddress(label [16]byte) (MeshAddress, error) {
	addr, err := VirtualAddressHash(label)
	if err != nil {
		return MeshAddress{}, err
	}
	l := label
	return MeshAddress{Address: addr, Label: &l}, nil
}

// VirtualAddressHash computes the 16-bit virtual address for a label UUID
// without constructing a MeshAddress.
func VirtualAddressHash(label [16]byte) (Address, error) {
	salt, err := meshcrypto.S1([]byte("vtad"))
	if err != nil {
		return 0, err
	}
	tag, err := meshcrypto.CMAC(salt, label[:])
	if err != nil {
		return 0, err
	}
	hashBits := binary.BigEndian.Uint16(tag[14:16])
	addr := (hashBits | 0x8000) & 0xBFFF
	return Address(addr), nil
}

// Valid reports whether a MeshAddress with a virtual label satisfies the
// invariant address == vtadHash(label); non-virtual MeshAddresses are
// always valid.
func (m MeshAddress) Valid() bool {
	if m.Label == nil {
		return true
	}
	hash, err := VirtualAddressHash(*m.Label)
	if err != nil {
		return false
	}
	return hash == m.Address
}
