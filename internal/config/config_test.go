package config

import (
	"encoding/json"
	"testing"
	"time"
)

func sampleDocument() Document {
	return Document{
		Version:   "1.0.0",
		MeshUUID:  HexBytes{0x01, 0x02, 0x03, 0x04},
		Timestamp: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		NetKeys: []NetKeyEntry{
			{Index: 0, Key: HexBytes(make([]byte, 16))},
		},
		AppKeys: []AppKeyEntry{
			{Index: 0, BoundKey: 0, Key: HexBytes(make([]byte, 16))},
		},
		Provisioners: []ProvisionerEntry{
			{
				Name:                  "provisioner-1",
				UUID:                  HexBytes(make([]byte, 16)),
				AllocatedUnicastRange: []AddressRange{{LowAddress: 0x0001, HighAddress: 0x00FF}},
			},
		},
		Nodes: []NodeEntry{
			{
				UUID:           HexBytes{0xAA},
				DeviceKey:      HexBytes(make([]byte, 16)),
				UnicastAddress: 0x0010,
				NetKeys:        []NodeNetKey{{Index: 0}},
				Elements: []ElementEntry{
					{Index: 0, Models: []ModelEntry{
						{ModelID: 0x1000, Config: map[string]interface{}{
							"defaultTransitionTimeMillis": 500,
							"optimisticTransaction":       true,
						}},
					}},
				},
			},
		},
	}
}

func TestDocumentJSONRoundTrip(t *testing.T) {
	d := sampleDocument()
	b, err := json.Marshal(d)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var got Document
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got.Nodes[0].UnicastAddress != d.Nodes[0].UnicastAddress {
		t.Fatalf("round trip lost UnicastAddress")
	}
	if len(got.Provisioners[0].AllocatedUnicastRange) != 1 {
		t.Fatalf("round trip lost provisioner range")
	}
}

func TestValidateRejectsOverlappingRanges(t *testing.T) {
	d := sampleDocument()
	d.Provisioners = append(d.Provisioners, ProvisionerEntry{
		Name:                  "provisioner-2",
		UUID:                  HexBytes{0x02},
		AllocatedUnicastRange: []AddressRange{{LowAddress: 0x0080, HighAddress: 0x0100}},
	})
	if err := d.Validate(); err == nil {
		t.Fatalf("expected overlap to be rejected")
	}
}

func TestValidateRejectsUnknownBoundNetKey(t *testing.T) {
	d := sampleDocument()
	d.AppKeys[0].BoundKey = 7
	if err := d.Validate(); err == nil {
		t.Fatalf("expected unknown bound netKey to be rejected")
	}
}

func TestNextUnicastAddressSkipsUsed(t *testing.T) {
	d := sampleDocument()
	addr, ok := d.NextUnicastAddress(&d.Provisioners[0], 1)
	if !ok {
		t.Fatalf("expected an available address")
	}
	if addr == d.Nodes[0].UnicastAddress {
		t.Fatalf("NextUnicastAddress returned an address already in use: %#04x", addr)
	}
}

func TestDecodeModelConfig(t *testing.T) {
	var cfg GenericOnOffConfig
	raw := d0Models(t)
	if err := DecodeModelConfig(raw, &cfg); err != nil {
		t.Fatalf("DecodeModelConfig: %v", err)
	}
	if cfg.DefaultTransitionTimeMillis != 500 || !cfg.OptimisticTransaction {
		t.Fatalf("unexpected decode: %+v", cfg)
	}
}

func d0Models(t *testing.T) map[string]interface{} {
	t.Helper()
	d := sampleDocument()
	return d.Nodes[0].Elements[0].Models[0].Config
}
