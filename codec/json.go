package codec

import (
	"bytes"
	"encoding/json"
)

// JSON is a plain encoding/json codec. Field order follows struct
// declaration order, so two equivalent representations of the same value
// (struct vs map) may encode differently. Use CanonicalJSON when the
// encoded bytes feed an ETag.
type JSON[V any] struct{}

func (JSON[V]) Encode(v V) ([]byte, error) { return json.Marshal(v) }
func (JSON[V]) Decode(b []byte) (V, error) {
	var v V
	err := json.Unmarshal(b, &v)
	return v, err
}

// CanonicalJSON encodes with stable, sorted object keys regardless of the
// in-memory representation, so the same logical value always produces the
// same bytes (and therefore the same ETag). It round-trips the marshalled
// form through a generic map, where encoding/json sorts keys.
type CanonicalJSON[V any] struct{}

func (CanonicalJSON[V]) Encode(v V) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber() // keep numbers verbatim instead of float64 round-trips
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}
	return json.Marshal(generic)
}

func (CanonicalJSON[V]) Decode(b []byte) (V, error) {
	var v V
	err := json.Unmarshal(b, &v)
	return v, err
}
