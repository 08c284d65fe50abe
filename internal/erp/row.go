package erp

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Row is one record returned by the generic query endpoint, keyed by ERP
// column name. Numbers are kept as json.Number.
type Row map[string]any

// String returns the trimmed text value of col. ERP character columns are
// right-padded with spaces.
func (r Row) String(col string) string {
	switch v := r[col].(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(v)
	case json.Number:
		return v.String()
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

// Decimal returns the numeric value of col, or zero when absent or unparsable.
func (r Row) Decimal(col string) decimal.Decimal {
	s := r.String(col)
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// Int returns the integer value of col, or zero.
func (r Row) Int(col string) int {
	i, err := strconv.Atoi(r.String(col))
	if err != nil {
		return 0
	}
	return i
}

// Date parses a YYYYMMDD column. Blank dates return the zero time.
func (r Row) Date(col string) time.Time {
	t, err := time.Parse("20060102", r.String(col))
	if err != nil {
		return time.Time{}
	}
	return t
}
