package peopleflow

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var ErrEncoding = errors.New("failed to encode value")
var ErrDecoding = errors.New("failed to decode value")

func encodePayload(p Payload) ([]byte, error) {
	if p == nil {
		return []byte("{}"), nil
	}
	buf := new(bytes.Buffer)
	if err := json.NewEncoder(buf).Encode(p); err != nil {
		return nil, errors.Join(ErrEncoding, err)
	}
	return buf.Bytes(), nil
}

func decodePayload(data []byte) (Payload, error) {
	if len(data) == 0 {
		return Payload{}, nil
	}
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, errors.Join(ErrDecoding, err)
	}
	if p == nil {
		p = Payload{}
	}
	return p, nil
}

func copyPayload(p Payload) Payload {
	if p == nil {
		return nil
	}
	data, err := encodePayload(p)
	if err != nil {
		// Payloads are JSON at every boundary; a non-encodable one cannot
		// have entered the store.
		panic(fmt.Sprintf("payload not json-encodable: %v", err))
	}
	out, err := decodePayload(data)
	if err != nil {
		panic(fmt.Sprintf("payload round-trip failed: %v", err))
	}
	return out
}

// payloadString reads a string field out of a payload, empty when absent.
func payloadString(p Payload, key string) string {
	if p == nil {
		return ""
	}
	if v, ok := p[key].(string); ok {
		return v
	}
	return ""
}

// payloadTime reads an RFC3339 timestamp field out of a payload. Values that
// crossed a JSON boundary come back as strings; in-process payloads may still
// hold a time.Time.
func payloadTime(p Payload, key string) (time.Time, error) {
	if p == nil {
		return time.Time{}, errors.Join(ErrDecoding, fmt.Errorf("field %s missing", key))
	}
	switch v := p[key].(type) {
	case time.Time:
		return v, nil
	case string:
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, errors.Join(ErrDecoding, fmt.Errorf("field %s: %w", key, err))
		}
		return t, nil
	default:
		return time.Time{}, errors.Join(ErrDecoding, fmt.Errorf("field %s missing or not a timestamp", key))
	}
}
