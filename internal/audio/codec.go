// Package audio turns microphone captures into transportable payloads and back.
package audio

import (
	"bytes"
	"encoding/base64"
	"fmt"
)

// CodecError reports an audio payload that could not be encoded or decoded.
type CodecError struct {
	Op  string
	Err error
}

func (e *CodecError) Error() string {
	return fmt.Sprintf("audio %s: %v", e.Op, e.Err)
}

func (e *CodecError) Unwrap() error {
	return e.Err
}

// Encode concatenates chunks in capture order and returns the canonical base64 payload.
func Encode(chunks [][]byte) (string, error) {
	joined := bytes.Join(chunks, nil)
	if len(joined) == 0 {
		return "", &CodecError{Op: "encode", Err: fmt.Errorf("no audio data")}
	}
	return base64.StdEncoding.EncodeToString(joined), nil
}

// Decode reverses Encode. Malformed or empty payloads are an error, never silent empty audio.
func Decode(payload string) ([]byte, error) {
	if payload == "" {
		return nil, &CodecError{Op: "decode", Err: fmt.Errorf("empty payload")}
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, &CodecError{Op: "decode", Err: err}
	}
	if len(data) == 0 {
		return nil, &CodecError{Op: "decode", Err: fmt.Errorf("payload holds no audio")}
	}
	return data, nil
}
