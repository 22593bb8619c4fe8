// Package bucketpolicy parses bucket access-policy documents and removes public grants
// statement by statement, leaving every other statement as it was.
package bucketpolicy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

const wildcard = "*"

// Document is a parsed policy. Statements keep their original JSON so that
// statements nobody touches are written back unchanged.
type Document struct {
	version    json.RawMessage
	id         json.RawMessage
	statements []json.RawMessage
	extra      map[string]json.RawMessage
}

// Parse reads a policy document. A single Statement object is accepted as a one-element list.
func Parse(doc string) (*Document, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal([]byte(doc), &top); err != nil {
		return nil, fmt.Errorf("parse policy document: %w", err)
	}

	d := &Document{
		version: top["Version"],
		id:      top["Id"],
		extra:   make(map[string]json.RawMessage),
	}
	for k, v := range top {
		switch k {
		case "Version", "Id", "Statement":
		default:
			d.extra[k] = v
		}
	}

	raw, ok := top["Statement"]
	if !ok {
		return d, nil
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '{' {
		d.statements = []json.RawMessage{raw}
		return d, nil
	}
	if err := json.Unmarshal(raw, &d.statements); err != nil {
		return nil, fmt.Errorf("parse policy statements: %w", err)
	}
	return d, nil
}

// Len is the number of statements
func (d *Document) Len() int {
	return len(d.statements)
}

// IsPublic reports whether any statement grants access to everyone
func (d *Document) IsPublic() (bool, error) {
	for i, raw := range d.statements {
		st, err := parseStatement(raw)
		if err != nil {
			return false, fmt.Errorf("statement %d: %w", i, err)
		}
		if st.public() {
			return true, nil
		}
	}
	return false, nil
}

// Rewrite describes what RemovePublicGrants changed
type Rewrite struct {
	// Document is the rewritten policy, or "" when no statements remain
	Document string
	Removed  []string
	Narrowed []string
}

// Changed reports whether any statement was removed or narrowed
func (r Rewrite) Changed() bool {
	return len(r.Removed) > 0 || len(r.Narrowed) > 0
}

// Changes lists the edits in a human-readable form
func (r Rewrite) Changes() []string {
	var out []string
	for _, s := range r.Removed {
		out = append(out, "removed public statement "+s)
	}
	for _, s := range r.Narrowed {
		out = append(out, "removed wildcard principal from statement "+s)
	}
	return out
}

// RemovePublicGrants drops or narrows the offending statements only.
// A statement whose principal lists "*" alongside named principals keeps the
// named ones; a statement granting only "*" is removed.
func (d *Document) RemovePublicGrants() (Rewrite, error) {
	var (
		result Rewrite
		kept   []json.RawMessage
	)

	for i, raw := range d.statements {
		st, err := parseStatement(raw)
		if err != nil {
			return Rewrite{}, fmt.Errorf("statement %d: %w", i, err)
		}
		label := st.label(i)

		if !st.public() {
			kept = append(kept, raw)
			continue
		}

		narrowed, ok, err := st.withoutWildcard()
		if err != nil {
			return Rewrite{}, fmt.Errorf("statement %s: %w", label, err)
		}
		if !ok {
			result.Removed = append(result.Removed, label)
			continue
		}
		kept = append(kept, narrowed)
		result.Narrowed = append(result.Narrowed, label)
	}

	if !result.Changed() {
		out, err := d.encode(d.statements)
		if err != nil {
			return Rewrite{}, err
		}
		result.Document = out
		return result, nil
	}

	if len(kept) == 0 {
		return result, nil
	}

	out, err := d.encode(kept)
	if err != nil {
		return Rewrite{}, err
	}
	result.Document = out
	return result, nil
}

// String encodes the document as compact JSON
func (d *Document) String() string {
	out, err := d.encode(d.statements)
	if err != nil {
		return ""
	}
	return out
}

func (d *Document) encode(statements []json.RawMessage) (string, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')

	first := true
	field := func(key string, value []byte) {
		if !first {
			buf.WriteByte(',')
		}
		first = false
		k, _ := json.Marshal(key)
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(value)
	}

	if len(d.version) > 0 {
		field("Version", d.version)
	}
	if len(d.id) > 0 {
		field("Id", d.id)
	}

	list, err := json.Marshal(statements)
	if err != nil {
		return "", fmt.Errorf("encode statements: %w", err)
	}
	field("Statement", list)

	keys := make([]string, 0, len(d.extra))
	for k := range d.extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		field(k, d.extra[k])
	}
	buf.WriteByte('}')

	var compact bytes.Buffer
	if err := json.Compact(&compact, buf.Bytes()); err != nil {
		return "", fmt.Errorf("compact policy: %w", err)
	}
	return compact.String(), nil
}

// IsPublicDocument is a convenience for adapters: "" is not public
func IsPublicDocument(doc string) (bool, error) {
	if doc == "" {
		return false, nil
	}
	d, err := Parse(doc)
	if err != nil {
		return false, err
	}
	return d.IsPublic()
}
