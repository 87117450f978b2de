package models

import "encoding/json"

// sidecarAlias avoids infinite recursion in Sidecar's custom (Un)marshalers.
type sidecarAlias Sidecar

// MarshalJSON flattens Extra's unknown keys alongside the known fields so
// a read-modify-write round trip never drops data spec.md §6 requires be
// preserved.
func (s Sidecar) MarshalJSON() ([]byte, error) {
	base, err := json.Marshal(sidecarAlias(s))
	if err != nil {
		return nil, err
	}
	if len(s.Extra) == 0 {
		return base, nil
	}

	merged := map[string]json.RawMessage{}
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for k, v := range s.Extra {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		if _, known := merged[k]; !known {
			merged[k] = raw
		}
	}
	return json.Marshal(merged)
}

// UnmarshalJSON decodes known fields normally and stashes any remaining
// keys in Extra so they survive an unrelated field update.
func (s *Sidecar) UnmarshalJSON(data []byte) error {
	var alias sidecarAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	*s = Sidecar(alias)

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	known := map[string]bool{
		"name": true, "kind": true, "created_at": true, "source_target": true,
		"byte_size": true, "tags": true, "version": true, "branch": true,
		"description": true, "parent_version": true,
	}
	extra := map[string]any{}
	for k, v := range raw {
		if known[k] {
			continue
		}
		var val any
		if err := json.Unmarshal(v, &val); err != nil {
			return err
		}
		extra[k] = val
	}
	if len(extra) > 0 {
		s.Extra = extra
	}
	return nil
}
