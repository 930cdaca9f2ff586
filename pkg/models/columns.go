package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// JSON column helpers shared by the entity types so the Postgres store can
// persist them as JSONB without per-field marshalling code.

func jsonValue(v interface{}) (driver.Value, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func jsonScan(dst interface{}, src interface{}) error {
	if src == nil {
		return nil
	}
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, dst)
	case string:
		return json.Unmarshal([]byte(v), dst)
	default:
		return fmt.Errorf("cannot scan %T into %T", src, dst)
	}
}

// Dimensions maps dimension keys to the list of values required (request
// side) or advertised (bot side).
type Dimensions map[string][]string

// Value implements driver.Valuer
func (d Dimensions) Value() (driver.Value, error) { return jsonValue(d) }

// Scan implements sql.Scanner
func (d *Dimensions) Scan(src interface{}) error { return jsonScan(d, src) }

// ContainedIn reports whether every value of every dimension key is also
// present in other. An empty receiver is contained in anything.
func (d Dimensions) ContainedIn(other Dimensions) bool {
	for key, values := range d {
		have := other[key]
		for _, v := range values {
			found := false
			for _, o := range have {
				if o == v {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
	}
	return true
}

// Commands is the ordered list of command lines of a request.
type Commands [][]string

// Value implements driver.Valuer
func (c Commands) Value() (driver.Value, error) { return jsonValue(c) }

// Scan implements sql.Scanner
func (c *Commands) Scan(src interface{}) error { return jsonScan(c, src) }

// Int64List is a JSONB-backed int64 slice.
type Int64List []int64

// Value implements driver.Valuer
func (l Int64List) Value() (driver.Value, error) { return jsonValue(l) }

// Scan implements sql.Scanner
func (l *Int64List) Scan(src interface{}) error { return jsonScan(l, src) }

// Float64List is a JSONB-backed float64 slice.
type Float64List []float64

// Value implements driver.Valuer
func (l Float64List) Value() (driver.Value, error) { return jsonValue(l) }

// Scan implements sql.Scanner
func (l *Float64List) Scan(src interface{}) error { return jsonScan(l, src) }

// StringList is a JSONB-backed string slice.
type StringList []string

// Value implements driver.Valuer
func (l StringList) Value() (driver.Value, error) { return jsonValue(l) }

// Scan implements sql.Scanner
func (l *StringList) Scan(src interface{}) error { return jsonScan(l, src) }

// ByteChunks holds one output stream per command.
type ByteChunks [][]byte

// Value implements driver.Valuer
func (b ByteChunks) Value() (driver.Value, error) { return jsonValue(b) }

// Scan implements sql.Scanner
func (b *ByteChunks) Scan(src interface{}) error { return jsonScan(b, src) }
