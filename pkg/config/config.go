// Package config overlays environment variables on settings structs.
//
// A variable PREFIX_SOME_NAME fills the field tagged `env:"some_name"`.
// Values are converted weakly, so "1" fills an int or a bool and "250ms" a
// time.Duration.
package config

import (
	"os"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
)

const tagName = "env"

// Environ returns the variables starting with prefix, keyed by the lower
// case remainder of their name.
func Environ(prefix string) map[string]interface{} {
	values := make(map[string]interface{})
	for _, kv := range os.Environ() {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, prefix) || len(key) == len(prefix) {
			continue
		}
		values[strings.ToLower(key[len(prefix):])] = value
	}
	return values
}

// FromEnv decodes the variables starting with prefix into out, which must
// be a pointer to a struct. Fields without a matching variable keep their
// value.
func FromEnv(prefix string, out interface{}) error {
	return Decode(Environ(prefix), out)
}

func Decode(values map[string]interface{}, out interface{}) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
		WeaklyTypedInput: true,
		TagName:          tagName,
		Result:           out,
	})
	if err != nil {
		return errors.Wrap(err, "config decoder")
	}
	if err := decoder.Decode(values); err != nil {
		return errors.Wrap(err, "decode config")
	}
	return nil
}
