package verify

import (
	"encoding/json"
	"fmt"
	"reflect"
)

// IssueKind classifies one field-level difference.
type IssueKind string

const (
	// FieldMissing: the authoritative payload has the field, the cached
	// payload does not.
	FieldMissing IssueKind = "missing_in_cache"
	// FieldStale: the cached payload carries a non-empty value for a
	// tracked field the authoritative payload no longer has.
	FieldStale IssueKind = "stale_in_cache"
	// FieldDiffers: both payloads carry the field with different values.
	FieldDiffers IssueKind = "value_differs"
)

// FieldDiff is one difference, detailed enough for automated repair and
// human-readable reporting.
type FieldDiff struct {
	Field         string
	Kind          IssueKind
	Cached        any
	Authoritative any
}

func (d FieldDiff) String() string {
	switch d.Kind {
	case FieldMissing:
		return fmt.Sprintf("%s: missing in cache (authoritative=%v)", d.Field, d.Authoritative)
	case FieldStale:
		return fmt.Sprintf("%s: stale in cache (cached=%v)", d.Field, d.Cached)
	default:
		return fmt.Sprintf("%s: cached=%v authoritative=%v", d.Field, d.Cached, d.Authoritative)
	}
}

// toMap flattens a payload to a generic field map. Diffing happens on
// the JSON form regardless of the cache's storage codec, so schema
// rules apply uniformly.
func toMap(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// diffFields compares cached against authoritative. When tracked is
// non-empty it defines the field schema: only tracked fields are
// compared and cached leftovers of removed fields are reported stale.
// With no tracked set, comparison runs over the authoritative fields
// and anything cached-only is ignored: schema evolution must not
// manufacture mismatches for fields that were since dropped.
func diffFields(cached, auth map[string]any, tracked []string) []FieldDiff {
	var diffs []FieldDiff

	fields := tracked
	if len(fields) == 0 {
		fields = make([]string, 0, len(auth))
		for f := range auth {
			fields = append(fields, f)
		}
	}

	for _, f := range fields {
		av, aok := auth[f]
		cv, cok := cached[f]
		switch {
		case aok && !cok:
			diffs = append(diffs, FieldDiff{Field: f, Kind: FieldMissing, Authoritative: av})
		case aok && cok && !jsonEqual(av, cv):
			diffs = append(diffs, FieldDiff{Field: f, Kind: FieldDiffers, Cached: cv, Authoritative: av})
		case !aok && cok && !isEmpty(cv):
			diffs = append(diffs, FieldDiff{Field: f, Kind: FieldStale, Cached: cv})
		}
	}
	return diffs
}

func jsonEqual(a, b any) bool { return reflect.DeepEqual(a, b) }

func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case []any:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	default:
		return false
	}
}
