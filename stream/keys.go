package stream

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"github.com/jkgenser/dagger/engine"
	"github.com/jkgenser/dagger/store"
)

// keysExtractor builds the correlation key extractor for one stream: each
// subscription contributes a lookup key when its payload field is present.
func keysExtractor(subs []Subscription) engine.KeysFunc {
	return func(payload []byte) ([]store.LookupKey, error) {
		var doc map[string]any
		if err := json.Unmarshal(payload, &doc); err != nil {
			return nil, fmt.Errorf("decode event payload: %w", err)
		}
		var keys []store.LookupKey
		for _, sub := range subs {
			field := sub.Field
			if field == "" {
				field = sub.Attribute
			}
			value, ok := stringValue(doc[field])
			if !ok {
				continue
			}
			keys = append(keys, store.LookupKey{Attr: sub.Attribute, Value: value})
		}
		return keys, nil
	}
}

// stringValue renders a JSON scalar as a correlation value. Integral
// numbers keep their integer form so keys match string-typed parameters.
func stringValue(v any) (string, bool) {
	switch v := v.(type) {
	case string:
		return v, v != ""
	case float64:
		if v == math.Trunc(v) {
			return strconv.FormatInt(int64(v), 10), true
		}
		return strconv.FormatFloat(v, 'f', -1, 64), true
	default:
		return "", false
	}
}
