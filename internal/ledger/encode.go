package ledger

import (
	"bytes"
	"encoding/json"
)

// encode renders the ledger with two-space indentation. Known fields are
// written back only when their value changed, so untouched entries keep
// their original encoding and key order.
func (l *Ledger) encode() ([]byte, error) {
	root := l.root
	if root == nil {
		root = newObject()
		l.root = root
	}

	var tasks bytes.Buffer
	tasks.WriteByte('[')
	for i, t := range l.Tasks {
		if i > 0 {
			tasks.WriteByte(',')
		}
		obj, err := t.object()
		if err != nil {
			return nil, err
		}
		if err := writeObject(&tasks, obj); err != nil {
			return nil, err
		}
	}
	tasks.WriteByte(']')
	root.Set("tasks", json.RawMessage(tasks.Bytes()))

	var compact bytes.Buffer
	if err := writeObject(&compact, root); err != nil {
		return nil, err
	}
	var out bytes.Buffer
	if err := json.Indent(&out, compact.Bytes(), "", "  "); err != nil {
		return nil, err
	}
	out.WriteByte('\n')
	return out.Bytes(), nil
}

func (t *Task) object() (*object, error) {
	if t.fields == nil {
		// New tasks get every key, in the documented order.
		t.fields = newObject()
		for _, key := range []string{"id", "name", "details", "acceptanceCriteria", "phase"} {
			t.fields.Set(key, json.RawMessage(`""`))
		}
		t.fields.Set("done", json.RawMessage("false"))
		t.fields.Set("subtasks", json.RawMessage("[]"))
	}
	m := t.fields
	for _, f := range []struct{ key, val string }{
		{"id", t.ID},
		{"name", t.Name},
		{"details", t.Details},
		{"acceptanceCriteria", t.AcceptanceCriteria},
		{"phase", t.Phase},
	} {
		if err := putField(m, f.key, f.val); err != nil {
			return nil, err
		}
	}
	if err := putField(m, "done", t.Done); err != nil {
		return nil, err
	}

	if _, had := m.Get("subtasks"); had || len(t.Subtasks) > 0 {
		var buf bytes.Buffer
		buf.WriteByte('[')
		for i, st := range t.Subtasks {
			if i > 0 {
				buf.WriteByte(',')
			}
			obj, err := st.object()
			if err != nil {
				return nil, err
			}
			if err := writeObject(&buf, obj); err != nil {
				return nil, err
			}
		}
		buf.WriteByte(']')
		if raw, ok := m.Get("subtasks"); !ok || !sameJSON(raw, buf.Bytes()) {
			m.Set("subtasks", json.RawMessage(buf.Bytes()))
		}
	}
	return m, nil
}

func (s *Subtask) object() (*object, error) {
	if s.fields == nil {
		s.fields = newObject()
		for _, key := range []string{"id", "name", "details"} {
			s.fields.Set(key, json.RawMessage(`""`))
		}
	}
	for _, f := range []struct{ key, val string }{
		{"id", s.ID},
		{"name", s.Name},
		{"details", s.Details},
	} {
		if err := putField(s.fields, f.key, f.val); err != nil {
			return nil, err
		}
	}
	return s.fields, nil
}

// putField stores v under key unless the existing value already decodes to
// v. Absent keys holding a zero value stay absent.
func putField[V comparable](m *object, key string, v V) error {
	if raw, ok := m.Get(key); ok {
		var old V
		if json.Unmarshal(raw, &old) == nil && old == v {
			return nil
		}
	} else {
		var zero V
		if v == zero {
			return nil
		}
	}
	data, err := marshal(v)
	if err != nil {
		return err
	}
	m.Set(key, data)
	return nil
}

// writeObject writes m as compact JSON in insertion order.
func writeObject(buf *bytes.Buffer, m *object) error {
	buf.WriteByte('{')
	first := true
	for pair := m.Oldest(); pair != nil; pair = pair.Next() {
		if !first {
			buf.WriteByte(',')
		}
		first = false
		key, err := marshal(pair.Key)
		if err != nil {
			return err
		}
		buf.Write(key)
		buf.WriteByte(':')
		if len(pair.Value) == 0 {
			buf.WriteString("null")
			continue
		}
		buf.Write(pair.Value)
	}
	buf.WriteByte('}')
	return nil
}

// marshal encodes v without HTML escaping.
func marshal(v any) (json.RawMessage, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return json.RawMessage(bytes.TrimRight(buf.Bytes(), "\n")), nil
}

func sameJSON(a, b []byte) bool {
	var ca, cb bytes.Buffer
	if json.Compact(&ca, a) != nil || json.Compact(&cb, b) != nil {
		return false
	}
	return bytes.Equal(ca.Bytes(), cb.Bytes())
}
