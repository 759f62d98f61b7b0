package contracts

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// DecodeConfig decodes a plugin's options map into a typed config struct.
// Unknown keys are rejected so a typo fails at construction instead of
// silently running with a default.
func DecodeConfig(plugin string, options map[string]any, out any) error {
	data, err := json.Marshal(options)
	if err != nil {
		return &PluginConfigError{Plugin: plugin, Message: fmt.Sprintf("encode options: %v", err)}
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return &PluginConfigError{Plugin: plugin, Message: fmt.Sprintf("decode options: %v", err)}
	}
	return nil
}
