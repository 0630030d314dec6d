package pubnub

import "encoding/json"

// Codec turns payloads into the message text carried by the native layer
// and back.
type Codec interface {
	Marshal(v any) (string, error)
	Unmarshal(data string, v any) error
}

// JSON is the default Codec. PubNub messages are JSON documents.
var JSON Codec = jsonCodec{}

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (jsonCodec) Unmarshal(data string, v any) error {
	return json.Unmarshal([]byte(data), v)
}

// CodecFuncs adapts a pair of functions to Codec.
type CodecFuncs struct {
	MarshalFunc   func(v any) (string, error)
	UnmarshalFunc func(data string, v any) error
}

func (c CodecFuncs) Marshal(v any) (string, error) {
	return c.MarshalFunc(v)
}

func (c CodecFuncs) Unmarshal(data string, v any) error {
	return c.UnmarshalFunc(data, v)
}
