package db

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// JSONB maps a jsonb column to a Go map. Used for stage status maps,
// marker metadata, and free-form record metadata.
type JSONB map[string]interface{}

// Value implements driver.Valuer.
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(j)
}

// Scan implements sql.Scanner.
func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = JSONB{}
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported jsonb source type %T", value)
	}
	if len(data) == 0 {
		*j = JSONB{}
		return nil
	}
	return json.Unmarshal(data, j)
}

// GormDataType tells the migrator which column type to use.
func (JSONB) GormDataType() string { return "jsonb" }

// Clone returns a shallow copy safe to mutate.
func (j JSONB) Clone() JSONB {
	if j == nil {
		return JSONB{}
	}
	out := make(JSONB, len(j))
	for k, v := range j {
		out[k] = v
	}
	return out
}

// StringList maps a jsonb array column to a string slice.
type StringList []string

// Value implements driver.Valuer.
func (s StringList) Value() (driver.Value, error) {
	if s == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(s)
}

// Scan implements sql.Scanner.
func (s *StringList) Scan(value interface{}) error {
	if value == nil {
		*s = StringList{}
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported list source type %T", value)
	}
	if len(data) == 0 {
		*s = StringList{}
		return nil
	}
	return json.Unmarshal(data, s)
}

// GormDataType tells the migrator which column type to use.
func (StringList) GormDataType() string { return "jsonb" }

// Vector maps a pgvector column to a float32 slice. The wire format is
// the pgvector text representation "[v1,v2,...]".
type Vector []float32

// Value implements driver.Valuer.
func (v Vector) Value() (driver.Value, error) {
	return v.String(), nil
}

// String renders the pgvector text format.
func (v Vector) String() string {
	var b strings.Builder
	b.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(f), 'f', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}

// Scan implements sql.Scanner.
func (v *Vector) Scan(value interface{}) error {
	var raw string
	switch src := value.(type) {
	case nil:
		*v = nil
		return nil
	case []byte:
		raw = string(src)
	case string:
		raw = src
	default:
		return fmt.Errorf("unsupported vector source type %T", value)
	}
	return v.parse(raw)
}

func (v *Vector) parse(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "[]" {
		*v = Vector{}
		return nil
	}
	if !strings.HasPrefix(raw, "[") || !strings.HasSuffix(raw, "]") {
		return fmt.Errorf("malformed vector literal %q", raw)
	}
	parts := strings.Split(raw[1:len(raw)-1], ",")
	out := make(Vector, 0, len(parts))
	for _, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return fmt.Errorf("malformed vector element %q: %w", p, err)
		}
		out = append(out, float32(f))
	}
	*v = out
	return nil
}

// GormDataType tells the migrator which column type to use.
func (Vector) GormDataType() string { return "vector" }
