// Package config models the persisted mesh-network configuration as a JSON
// document whose schema matches the Bluetooth SIG "Mesh Configuration
// Database Profile" (SPEC_FULL.md §6): network/application keys in hex,
// nodes addressed by UUID with their elements and bound keys, and
// provisioners with their allocated address ranges. The core treats the
// document as opaque outside decoding; per-model "config" sub-objects decode
// separately through mapstructure so this package needs no per-model
// knowledge.
package config

import (
	"encoding/hex"
	"fmt"
	"time"
)

// HexBytes round-trips through JSON as a lowercase hex string, the encoding
// the CDB Profile uses for every key and UUID field.
type HexBytes []byte

func (h HexBytes) MarshalJSON() ([]byte, error) {
	return []byte(`"` + hex.EncodeToString(h) + `"`), nil
}

func (h *HexBytes) UnmarshalJSON(b []byte) error {
	if len(b) < 2 || b[0] != '"' || b[len(b)-1] != '"' {
		return fmt.Errorf("config: hex field must be a JSON string")
	}
	decoded, err := hex.DecodeString(string(b[1 : len(b)-1]))
	if err != nil {
		return fmt.Errorf("config: invalid hex field: %w", err)
	}
	*h = decoded
	return nil
}

// Document is the top-level data-source document (§6 "Data-source
// interface").
type Document struct {
	Schema       string             `json:"$schema,omitempty"`
	ID           string             `json:"id,omitempty"`
	Version      string             `json:"version"`
	MeshUUID     HexBytes           `json:"meshUUID"`
	MeshName     string             `json:"meshName,omitempty"`
	Timestamp    time.Time          `json:"timestamp"`
	Partial      bool               `json:"partial"`
	NetKeys      []NetKeyEntry      `json:"netKeys"`
	AppKeys      []AppKeyEntry      `json:"appKeys"`
	Provisioners []ProvisionerEntry `json:"provisioners"`
	Nodes        []NodeEntry        `json:"nodes"`
	Groups       []GroupEntry       `json:"groups,omitempty"`
	Scenes       []SceneEntry       `json:"scenes,omitempty"`
}

// NetKeyEntry is one entry in Document.NetKeys.
type NetKeyEntry struct {
	Name      string    `json:"name,omitempty"`
	Index     int       `json:"index"`
	Key       HexBytes  `json:"key"`
	OldKey    HexBytes  `json:"oldKey,omitempty"`
	Phase     int       `json:"phase"`
	Timestamp time.Time `json:"timestamp"`
}

// AppKeyEntry is one entry in Document.AppKeys.
type AppKeyEntry struct {
	Name      string   `json:"name,omitempty"`
	Index     int      `json:"index"`
	BoundKey  int      `json:"boundNetKey"`
	Key       HexBytes `json:"key"`
	OldKey    HexBytes `json:"oldKey,omitempty"`
}

// AddressRange is an inclusive [LowAddress, HighAddress] allocation, used for
// a provisioner's unicast/group/scene ranges.
type AddressRange struct {
	LowAddress  uint16 `json:"lowAddress"`
	HighAddress uint16 `json:"highAddress"`
}

func (r AddressRange) Len() int { return int(r.HighAddress) - int(r.LowAddress) + 1 }

func (r AddressRange) Overlaps(other AddressRange) bool {
	return r.LowAddress <= other.HighAddress && other.LowAddress <= r.HighAddress
}

// ProvisionerEntry describes one provisioner and its allocated address
// ranges within the network.
type ProvisionerEntry struct {
	Name                  string         `json:"provisionerName"`
	UUID                  HexBytes       `json:"UUID"`
	AllocatedUnicastRange []AddressRange `json:"allocatedUnicastRange"`
	AllocatedGroupRange   []AddressRange `json:"allocatedGroupRange,omitempty"`
	AllocatedSceneRange   []AddressRange `json:"allocatedSceneRange,omitempty"`
}

// NodeNetKey and NodeAppKey record a node's view of a bound key: the index
// plus whether it has installed the new key of an in-progress key refresh.
type NodeNetKey struct {
	Index   int  `json:"index"`
	Updated bool `json:"updated"`
}

type NodeAppKey struct {
	Index   int  `json:"index"`
	Updated bool `json:"updated"`
}

// ModelEntry is one model instance on an element, with its key bindings,
// subscriptions, and an opaque per-model configuration block decoded
// separately via DecodeModelConfig.
type ModelEntry struct {
	ModelID       uint32                 `json:"modelId"`
	Bind          []int                  `json:"bind,omitempty"`
	Subscribe     []uint16               `json:"subscribe,omitempty"`
	PublishAddr   uint16                 `json:"publish,omitempty"`
	Config        map[string]interface{} `json:"config,omitempty"`
}

// ElementEntry is one element of a node.
type ElementEntry struct {
	Index    uint8        `json:"index"`
	Location uint16       `json:"location"`
	Models   []ModelEntry `json:"models,omitempty"`
}

// NodeEntry describes one provisioned node.
type NodeEntry struct {
	UUID            HexBytes       `json:"UUID"`
	Name            string         `json:"name,omitempty"`
	DeviceKey       HexBytes       `json:"deviceKey"`
	UnicastAddress  uint16         `json:"unicastAddress"`
	SecurityLevel   string         `json:"security"`
	ConfigComplete  bool           `json:"configComplete"`
	Features        NodeFeatures   `json:"features,omitempty"`
	NetKeys         []NodeNetKey   `json:"netKeys"`
	AppKeys         []NodeAppKey   `json:"appKeys,omitempty"`
	Elements        []ElementEntry `json:"elements,omitempty"`
	CompositionData HexBytes       `json:"compositionData,omitempty"`
}

// NodeFeatures mirrors the optional-feature support flags the CDB Profile
// records per node (0 = unsupported, 1 = supported-disabled, 2 =
// supported-enabled).
type NodeFeatures struct {
	Relay    int `json:"relay"`
	Proxy    int `json:"proxy"`
	Friend   int `json:"friend"`
	LowPower int `json:"lowPower"`
}

// GroupEntry is a named group address.
type GroupEntry struct {
	Name    string `json:"name,omitempty"`
	Address uint16 `json:"address"`
}

// SceneEntry is a named scene number.
type SceneEntry struct {
	Name   string   `json:"name,omitempty"`
	Number uint16   `json:"number"`
	Addresses []uint16 `json:"addresses,omitempty"`
}
