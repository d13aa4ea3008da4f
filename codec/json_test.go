package codec

import (
	"bytes"
	"testing"
)

func TestJSONRoundTrip(t *testing.T) {
	type payload struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}
	c := JSON[payload]{}

	b, err := c.Encode(payload{Name: "a", Count: 3})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	v, err := c.Decode(b)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if v.Name != "a" || v.Count != 3 {
		t.Fatalf("got %+v", v)
	}
}

// Two logically equal values with different in-memory key order must
// produce identical bytes, or content hashing breaks.
func TestCanonicalJSONStableBytes(t *testing.T) {
	c := CanonicalJSON[map[string]any]{}

	a, err := c.Encode(map[string]any{"zeta": 1, "alpha": "x", "mid": true})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	b, err := c.Encode(map[string]any{"mid": true, "alpha": "x", "zeta": 1})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Fatalf("canonical encodings differ:\n%s\n%s", a, b)
	}
}

func TestCanonicalJSONPreservesNumbers(t *testing.T) {
	c := CanonicalJSON[map[string]any]{}
	b, err := c.Encode(map[string]any{"big": int64(9007199254740993)})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	want := `{"big":9007199254740993}`
	if string(b) != want {
		t.Fatalf("got %s, want %s", b, want)
	}
}
