package services

import (
	"encoding/json"
	"regexp"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/ekaya-inc/ekaya-segments/pkg/models"
)

// monetaryHints mark a column as currency regardless of its sample value.
var monetaryHints = []string{"price", "total", "amount"}

// isoDatePrefix matches bare dates and ISO-8601 timestamps.
var isoDatePrefix = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}`)

// columnRule classifies a single sample value. Rules are evaluated in order; the first
// match wins.
type columnRule struct {
	colType models.ColumnType
	matches func(key string, value any) bool
}

var columnRules = []columnRule{
	{models.ColumnTypeCurrency, hasMonetaryHint},
	{models.ColumnTypeDate, isDateValue},
	{models.ColumnTypeNumber, isNumericValue},
}

var labelCaser = cases.Title(language.Und, cases.NoLower)

// InferColumns derives display columns from one sample row, preserving key order.
// It never fails: unknown or null values fall back to string.
func InferColumns(row models.Row) []models.ColumnDefinition {
	if row == nil {
		return nil
	}
	columns := make([]models.ColumnDefinition, 0, row.Len())
	for pair := row.Oldest(); pair != nil; pair = pair.Next() {
		columns = append(columns, models.ColumnDefinition{
			Key:   pair.Key,
			Label: ColumnLabel(pair.Key),
			Type:  ClassifyColumn(pair.Key, pair.Value),
		})
	}
	return columns
}

// ClassifyColumn returns the display type for a column given its key and a sample value.
func ClassifyColumn(key string, value any) models.ColumnType {
	for _, rule := range columnRules {
		if rule.matches(key, value) {
			return rule.colType
		}
	}
	return models.ColumnTypeString
}

// ColumnLabel turns a column key into a display label: underscores become spaces and
// each word is capitalized.
func ColumnLabel(key string) string {
	words := strings.Fields(strings.ReplaceAll(key, "_", " "))
	return labelCaser.String(strings.Join(words, " "))
}

func hasMonetaryHint(key string, _ any) bool {
	lower := strings.ToLower(key)
	for _, hint := range monetaryHints {
		if strings.Contains(lower, hint) {
			return true
		}
	}
	return false
}

func isDateValue(_ string, value any) bool {
	switch v := value.(type) {
	case time.Time, *time.Time:
		return true
	case string:
		return isoDatePrefix.MatchString(v)
	default:
		return false
	}
}

func isNumericValue(_ string, value any) bool {
	switch v := value.(type) {
	case int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return true
	case json.Number:
		_, err := v.Float64()
		return err == nil
	default:
		return false
	}
}
