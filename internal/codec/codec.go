// Package codec encodes messages for transports that carry opaque bodies.
package codec

import (
	"fmt"

	"github.com/bytedance/sonic"

	"github.com/cmwolfe/msgbook/contracts"
)

// ContentType is the MIME type of encoded envelopes
const ContentType = "application/json"

var defaultConfig = sonic.ConfigStd

// Marshal encodes v as JSON with the standard library compatible sonic config
func Marshal(v any) ([]byte, error) {
	return defaultConfig.Marshal(v)
}

// Unmarshal decodes JSON data into v
func Unmarshal(data []byte, v any) error {
	return defaultConfig.Unmarshal(data, v)
}

// EncodeMessage renders msg as a JSON envelope
func EncodeMessage(msg contracts.Message) ([]byte, error) {
	env, err := contracts.NewEnvelope(msg)
	if err != nil {
		return nil, err
	}
	return Marshal(env)
}

// DecodeMessage parses a JSON envelope produced by EncodeMessage
func DecodeMessage(data []byte) (contracts.Message, error) {
	var env contracts.Envelope
	if err := Unmarshal(data, &env); err != nil {
		return contracts.Message{}, fmt.Errorf("%w: %v", contracts.ErrInvalidEnvelope, err)
	}
	return env.Message()
}

// EncodeFields renders a map payload as a JSON object
func EncodeFields(fields map[string]any) ([]byte, error) {
	if fields == nil {
		fields = map[string]any{}
	}
	return Marshal(fields)
}

// DecodeFields parses a JSON object into map payload fields
func DecodeFields(data []byte) (map[string]any, error) {
	var fields map[string]any
	if err := Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	return fields, nil
}
