package connector

import (
	"fmt"

	"github.com/mitchellh/mapstructure"
)

// DecodeOptions decodes a descriptor's options bag into out, a pointer to a
// typed options struct with mapstructure tags. Durations accept strings
// such as "5s"; numbers given as strings are converted.
func DecodeOptions(in map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return fmt.Errorf("connector: options decoder: %w", err)
	}
	if err := dec.Decode(in); err != nil {
		return fmt.Errorf("connector: decode options: %w", err)
	}
	return nil
}
