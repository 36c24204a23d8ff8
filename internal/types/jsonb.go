package types

import (
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

var (
	_ sql.Scanner   = (*ProviderResponse)(nil)
	_ driver.Valuer = ProviderResponse(nil)
)

// ProviderResponse is the opaque provider reply carried on outcomes and
// stored as JSONB.
type ProviderResponse map[string]any

// scanJSONB scans a JSONB database value into dest. It handles nil values,
// []byte, and string representations from different database drivers.
func scanJSONB(dest interface{}, value interface{}) error {
	if value == nil {
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("jsonb: unsupported scan type %T", value)
	}
	return json.Unmarshal(data, dest)
}

// Scan implements the sql.Scanner interface for reading JSONB from the database.
func (p *ProviderResponse) Scan(value interface{}) error {
	if value == nil {
		*p = nil
		return nil
	}
	return scanJSONB(p, value)
}

// Value implements the driver.Valuer interface for writing JSONB to the database.
func (p ProviderResponse) Value() (driver.Value, error) {
	if p == nil {
		return nil, nil
	}
	return json.Marshal(map[string]any(p))
}
