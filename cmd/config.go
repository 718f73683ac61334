// SPDX-FileCopyrightText: (C) 2025 Red Hat Inc.
// SPDX-License-Identifier: Apache 2.0

package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/mitchellh/mapstructure"

	"github.com/wzbdroid0212/go-btmesh/internal/config"
)

// Log configuration
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// NodeConfig describes this process's own mesh identity: the primary
// unicast address it originates sends from, the default TTL it applies,
// and the provisioning address range it allocates new nodes from.
type NodeConfig struct {
	PrimaryAddress         uint16 `mapstructure:"primaryAddress"`
	DefaultTTL             uint8  `mapstructure:"defaultTTL"`
	Retries                int    `mapstructure:"retries"`
	ProvisioningRangeStart uint16 `mapstructure:"provisioningRangeStart"`
	ProvisioningRangeEnd   uint16 `mapstructure:"provisioningRangeEnd"`
}

func (n *NodeConfig) validate() error {
	if n.PrimaryAddress == 0 {
		return errors.New("node: primaryAddress is required")
	}
	if n.ProvisioningRangeEnd != 0 && n.ProvisioningRangeEnd < n.ProvisioningRangeStart {
		return errors.New("node: provisioningRangeEnd must not precede provisioningRangeStart")
	}
	return nil
}

// NetworkConfig holds the common contents of the demo harness's
// configuration file: logging, this node's own identity, and the path to a
// data-source document (§6) to import at startup.
type NetworkConfig struct {
	Log          LogConfig  `mapstructure:"log"`
	Node         NodeConfig `mapstructure:"node"`
	DocumentPath string     `mapstructure:"document"`
}

func (c *NetworkConfig) validate() error {
	return c.Node.validate()
}

// loadDocument reads and validates the data-source document NetworkConfig
// points at, or returns a nil, nil pair if none was configured — a fresh
// Network with no imported keys or nodes.
func (c *NetworkConfig) loadDocument() (*config.Document, error) {
	if c.DocumentPath == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(c.DocumentPath)
	if err != nil {
		return nil, fmt.Errorf("config: reading document %s: %w", c.DocumentPath, err)
	}
	var doc config.Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("config: parsing document %s: %w", c.DocumentPath, err)
	}
	if err := doc.Validate(); err != nil {
		return nil, fmt.Errorf("config: validating document %s: %w", c.DocumentPath, err)
	}
	return &doc, nil
}

// decodeViperConfig is the two-step decode idiom this command package
// uses throughout: viper gives back an untyped map, which this function
// decodes into the appropriate mapstructure-tagged struct, mirroring
// internal/config.DecodeModelConfig's decode of a model's opaque config
// block.
func decodeViperConfig(raw map[string]interface{}, out interface{}) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		TagName:          "mapstructure",
	})
	if err != nil {
		return fmt.Errorf("config: building decoder: %w", err)
	}
	return dec.Decode(raw)
}
