package cache

import "encoding/json"

// Key builds a canonical cache key "{type}:{sorted-JSON-params}". Map keys
// are marshalled in sorted order by encoding/json, so parameter order never
// affects cache identity. Nil params canonicalize to "{}".
func Key(dataType string, params map[string]any) string {
	if len(params) == 0 {
		return dataType + ":{}"
	}
	b, err := json.Marshal(params)
	if err != nil {
		// Unmarshallable params (channels, funcs) are a programming error;
		// fall back to the bare type so the caller still gets a stable key.
		return dataType + ":{}"
	}
	return dataType + ":" + string(b)
}
