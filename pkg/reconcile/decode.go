package reconcile

import "encoding/json"

// decodeSpec re-marshals a manifest entry decoded into `any` (the
// Reconciler interface's generic spec parameter) into a concrete
// type. Manifests arrive over gRPC as protobuf messages converted to
// generic maps by the caller; every kind here stores a concrete
// struct, so this round-trip is cheaper than writing seven bespoke
// proto-to-struct mappers in this package.
func decodeSpec[T any](spec any) (T, error) {
	var out T
	if v, ok := spec.(T); ok {
		return v, nil
	}
	data, err := json.Marshal(spec)
	if err != nil {
		return out, err
	}
	err = json.Unmarshal(data, &out)
	return out, err
}
