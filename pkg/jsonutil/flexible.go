// Package jsonutil holds tolerant decoding helpers for loosely typed JSON from
// external services.
package jsonutil

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// FlexibleStringValue renders any JSON value as a string. Strings are unquoted,
// numbers and booleans are formatted, objects and arrays are compacted.
// Returns empty string for null/empty.
func FlexibleStringValue(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}

	var strVal string
	if err := json.Unmarshal(raw, &strVal); err == nil {
		return strVal
	}

	var numVal json.Number
	if err := json.Unmarshal(raw, &numVal); err == nil {
		if i, err := numVal.Int64(); err == nil {
			return strconv.FormatInt(i, 10)
		}
		return numVal.String()
	}

	var boolVal bool
	if err := json.Unmarshal(raw, &boolVal); err == nil {
		return strconv.FormatBool(boolVal)
	}

	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err == nil {
		return buf.String()
	}
	return string(raw)
}
