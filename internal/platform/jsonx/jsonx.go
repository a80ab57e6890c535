// Package jsonx is the JSON codec used for status payloads, relay replies
// and persisted settings.
package jsonx

import "github.com/bytedance/sonic"

// codec behaves like encoding/json: sorted map keys, HTML escaping and
// strict UTF-8 validation.
var codec = sonic.ConfigStd

// Marshal encodes v as JSON.
func Marshal(v any) ([]byte, error) {
	return codec.Marshal(v)
}

// Unmarshal decodes JSON data into v.
func Unmarshal(data []byte, v any) error {
	return codec.Unmarshal(data, v)
}
