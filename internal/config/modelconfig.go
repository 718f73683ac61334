package config

import (
	"fmt"

	"github.com/mitchellh/mapstructure"
)

// DecodeModelConfig decodes a ModelEntry's opaque Config block into out, a
// pointer to a model-specific typed configuration struct, mirroring
// kgiusti-go-fdo-server/cmd/config.go's ServiceInfoOperation.UnmarshalParams
// two-step decode (model identity first, then its typed params) without
// this package needing to know about any model's schema.
func DecodeModelConfig(raw map[string]interface{}, out interface{}) error {
	if raw == nil {
		return nil
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		TagName:          "mapstructure",
	})
	if err != nil {
		return fmt.Errorf("config: building decoder: %w", err)
	}
	if err := dec.Decode(raw); err != nil {
		return fmt.Errorf("config: decoding model config: %w", err)
	}
	return nil
}

// GenericOnOffConfig is a representative ModelConfig for the Generic OnOff
// Server model (§3 "extended model"), the demo harness's one registered
// model: the default transition time it applies to state changes that omit
// one explicitly.
type GenericOnOffConfig struct {
	DefaultTransitionTimeMillis int  `mapstructure:"defaultTransitionTimeMillis"`
	OptimisticTransaction       bool `mapstructure:"optimisticTransaction"`
}
