package crypto

import (
	"encoding/json"

	"maunium.net/go/mautrix/crypto/canonicaljson"
)

// canonicalize strips signatures/unsigned and produces the canonical JSON
// form used identically for event signing and SAS commitment hashing
// (SPEC_FULL.md §9 "Canonical JSON must be implemented once, centrally").
// Reusing maunium.net/go/mautrix's canonicaljson package, rather than
// hand-rolling the sorted-keys/no-whitespace serializer, is exactly the kind
// of already-solved-by-the-ecosystem problem this engine is built not to
// re-implement.
func canonicalize(obj map[string]interface{}) ([]byte, error) {
	stripped := stripSignatures(obj)
	raw, err := json.Marshal(stripped)
	if err != nil {
		return nil, err
	}
	return canonicaljson.CanonicalJSONAssumingValid(raw), nil
}

// CanonicalJSON canonicalizes an arbitrary JSON object without the
// signing-specific signatures/unsigned stripping, for other components (SAS
// commitment hashing) that need the same serializer (spec §9 "Canonical
// JSON must be implemented once, centrally").
func CanonicalJSON(obj map[string]interface{}) ([]byte, error) {
	raw, err := json.Marshal(obj)
	if err != nil {
		return nil, err
	}
	return canonicaljson.CanonicalJSONAssumingValid(raw), nil
}

// stripSignatures returns a shallow copy of obj with the "signatures" and
// "unsigned" top-level members removed, as required before signing or
// verifying (spec §4.2 sign_json/verify_json).
func stripSignatures(obj map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(obj))
	for k, v := range obj {
		if k == "signatures" || k == "unsigned" {
			continue
		}
		out[k] = v
	}
	return out
}
