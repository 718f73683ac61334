package config

import (
	"errors"
	"fmt"
)

// Validation errors surfaced to the config API caller per SPEC_FULL.md §7.
var (
	ErrKeyIndexOutOfRange         = errors.New("config: key index out of range")
	ErrOverlappingProvisionerRanges = errors.New("config: overlapping provisioner ranges")
	ErrInvalidRange               = errors.New("config: invalid address range")
	ErrProvisionerNotInNetwork    = errors.New("config: provisioner not in network")
	ErrNodeAlreadyExists          = errors.New("config: node already exists")
)

// Validate checks the structural invariants a data-source document must
// satisfy before it is imported: key indices in range, well-formed and
// non-overlapping provisioner address ranges, and no duplicate node UUIDs.
func (d *Document) Validate() error {
	netKeyIndices := make(map[int]bool, len(d.NetKeys))
	for _, k := range d.NetKeys {
		if k.Index < 0 || k.Index > 0xFFF {
			return fmt.Errorf("%w: netKey index %d", ErrKeyIndexOutOfRange, k.Index)
		}
		netKeyIndices[k.Index] = true
	}
	for _, k := range d.AppKeys {
		if k.Index < 0 || k.Index > 0xFFF {
			return fmt.Errorf("%w: appKey index %d", ErrKeyIndexOutOfRange, k.Index)
		}
		if !netKeyIndices[k.BoundKey] {
			return fmt.Errorf("%w: appKey %d bound to unknown netKey %d", ErrKeyIndexOutOfRange, k.Index, k.BoundKey)
		}
	}

	var allRanges []AddressRange
	for _, p := range d.Provisioners {
		for _, r := range p.AllocatedUnicastRange {
			if r.LowAddress == 0 || r.HighAddress < r.LowAddress || r.HighAddress > 0x7FFF {
				return fmt.Errorf("%w: provisioner %q unicast range %04x-%04x", ErrInvalidRange, p.Name, r.LowAddress, r.HighAddress)
			}
			for _, other := range allRanges {
				if r.Overlaps(other) {
					return fmt.Errorf("%w: provisioner %q", ErrOverlappingProvisionerRanges, p.Name)
				}
			}
			allRanges = append(allRanges, r)
		}
	}

	seen := make(map[string]bool, len(d.Nodes))
	for _, n := range d.Nodes {
		key := string(n.UUID)
		if seen[key] {
			return fmt.Errorf("%w: %x", ErrNodeAlreadyExists, []byte(n.UUID))
		}
		seen[key] = true
		for _, nk := range n.NetKeys {
			if !netKeyIndices[nk.Index] {
				return fmt.Errorf("%w: node %x references unknown netKey %d", ErrKeyIndexOutOfRange, []byte(n.UUID), nk.Index)
			}
		}
	}
	return nil
}

// FindProvisioner looks up a provisioner by UUID, the check the config API
// runs before honoring a request scoped to a provisioner's range.
func (d *Document) FindProvisioner(uuid []byte) (*ProvisionerEntry, error) {
	for i := range d.Provisioners {
		if string(d.Provisioners[i].UUID) == string(uuid) {
			return &d.Provisioners[i], nil
		}
	}
	return nil, ErrProvisionerNotInNetwork
}

// NextUnicastAddress returns the lowest unicast address within provisioner's
// allocated ranges not already in use by any node's element span, or false
// if the ranges are exhausted.
func (d *Document) NextUnicastAddress(provisioner *ProvisionerEntry, elementCount int) (uint16, bool) {
	used := make(map[uint16]bool)
	for _, n := range d.Nodes {
		for i := 0; i < len(n.Elements); i++ {
			used[n.UnicastAddress+uint16(i)] = true
		}
	}

	for _, r := range provisioner.AllocatedUnicastRange {
		for addr := r.LowAddress; addr <= r.HighAddress; addr++ {
			if int(addr)+elementCount-1 > int(r.HighAddress) {
				break
			}
			free := true
			for i := 0; i < elementCount; i++ {
				if used[addr+uint16(i)] {
					free = false
					break
				}
			}
			if free {
				return addr, true
			}
			if addr == r.HighAddress {
				break
			}
		}
	}
	return 0, false
}
