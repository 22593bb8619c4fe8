package bucketpolicy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

type statement struct {
	fields map[string]json.RawMessage
	sid    string
	effect string
}

func parseStatement(raw json.RawMessage) (*statement, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("parse statement: %w", err)
	}

	st := &statement{fields: fields}
	if v, ok := fields["Sid"]; ok {
		_ = json.Unmarshal(v, &st.sid)
	}
	if v, ok := fields["Effect"]; ok {
		if err := json.Unmarshal(v, &st.effect); err != nil {
			return nil, fmt.Errorf("parse effect: %w", err)
		}
	}
	return st, nil
}

func (s *statement) label(index int) string {
	if s.sid != "" {
		return s.sid
	}
	return fmt.Sprintf("#%d", index)
}

// public is true for an unconditioned Allow to everyone. NotPrincipal on an
// Allow grants everyone but the listed principals and counts as public.
func (s *statement) public() bool {
	if s.effect != "Allow" {
		return false
	}
	if hasCondition(s.fields["Condition"]) {
		return false
	}
	if _, ok := s.fields["NotPrincipal"]; ok {
		return true
	}
	return principalHasWildcard(s.fields["Principal"])
}

// withoutWildcard returns the statement with every "*" principal removed.
// ok is false when nothing would be left to grant.
func (s *statement) withoutWildcard() (json.RawMessage, bool, error) {
	if _, ok := s.fields["NotPrincipal"]; ok {
		return nil, false, nil
	}

	raw := bytes.TrimSpace(s.fields["Principal"])
	if len(raw) == 0 || raw[0] != '{' {
		return nil, false, nil
	}

	var principals map[string]json.RawMessage
	if err := json.Unmarshal(raw, &principals); err != nil {
		return nil, false, fmt.Errorf("parse principal: %w", err)
	}

	kept := make(map[string]json.RawMessage)
	for kind, value := range principals {
		names, err := principalNames(value)
		if err != nil {
			return nil, false, err
		}
		var named []string
		for _, n := range names {
			if n != wildcard {
				named = append(named, n)
			}
		}
		if len(named) == 0 {
			continue
		}
		sort.Strings(named)
		var encoded []byte
		if len(named) == 1 {
			encoded, err = json.Marshal(named[0])
		} else {
			encoded, err = json.Marshal(named)
		}
		if err != nil {
			return nil, false, err
		}
		kept[kind] = encoded
	}

	if len(kept) == 0 {
		return nil, false, nil
	}

	principal, err := json.Marshal(kept)
	if err != nil {
		return nil, false, err
	}

	fields := make(map[string]json.RawMessage, len(s.fields))
	for k, v := range s.fields {
		fields[k] = v
	}
	fields["Principal"] = principal

	out, err := json.Marshal(fields)
	if err != nil {
		return nil, false, err
	}
	return out, true, nil
}

func hasCondition(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return false
	}
	var cond map[string]json.RawMessage
	if err := json.Unmarshal(raw, &cond); err != nil {
		return true
	}
	return len(cond) > 0
}

func principalHasWildcard(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return false
	}

	if raw[0] == '"' {
		var s string
		_ = json.Unmarshal(raw, &s)
		return s == wildcard
	}

	var principals map[string]json.RawMessage
	if err := json.Unmarshal(raw, &principals); err != nil {
		return false
	}
	for _, value := range principals {
		names, err := principalNames(value)
		if err != nil {
			continue
		}
		for _, n := range names {
			if n == wildcard {
				return true
			}
		}
	}
	return false
}

// principalNames accepts either a single string or a list of strings
func principalNames(raw json.RawMessage) ([]string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		return []string{s}, nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("principal must be a string or list of strings: %w", err)
	}
	return list, nil
}
