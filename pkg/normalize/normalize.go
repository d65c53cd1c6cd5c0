// Package normalize coerces loosely-typed CRM wire values into the types of
// the opportunity table columns. Nothing here performs I/O; unparseable input
// becomes nil and is reported through the logger.
package normalize

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/jordanlanch/funnelsync/pkg/logger"
	"github.com/shopspring/decimal"
)

// Class selects how a column's raw value is coerced
type Class int

const (
	ClassText Class = iota
	ClassInteger
	ClassDecimal
	ClassTimestamp
	ClassPhone
)

func (c Class) String() string {
	switch c {
	case ClassInteger:
		return "integer"
	case ClassDecimal:
		return "decimal"
	case ClassTimestamp:
		return "timestamp"
	case ClassPhone:
		return "phone"
	default:
		return "text"
	}
}

var integerColumns = []string{
	"id", "crm_column", "funil_id", "lead_id", "user_id",
	"loss_reason", "gain_reason", "sequence", "archived",
}

var decimalColumns = []string{"value"}

var timestampColumns = []string{
	"create_date", "update_date", "gain_date", "lost_date", "reopen_date",
	"last_column_change", "last_status_change", "expected_close_date", "synced_at",
}

// Normalizer maps column names to their class. It is safe for concurrent use
// once constructed.
type Normalizer struct {
	classes map[string]Class
	log     logger.Logger
}

// New builds a Normalizer for the opportunity columns. extraTimestamps adds
// columns such as per-stage entry timestamps that are only known from configuration.
func New(log logger.Logger, extraTimestamps ...string) *Normalizer {
	if log == nil {
		log = logger.Default()
	}
	classes := make(map[string]Class, len(integerColumns)+len(timestampColumns)+len(extraTimestamps)+1)
	for _, c := range integerColumns {
		classes[c] = ClassInteger
	}
	for _, c := range decimalColumns {
		classes[c] = ClassDecimal
	}
	for _, c := range timestampColumns {
		classes[c] = ClassTimestamp
	}
	for _, c := range extraTimestamps {
		classes[c] = ClassTimestamp
	}
	for _, c := range phoneColumns {
		classes[c] = ClassPhone
	}
	return &Normalizer{classes: classes, log: log}
}

// Class returns the class of a column; unknown columns are text
func (n *Normalizer) Class(field string) Class {
	return n.classes[field]
}

// Normalize returns the typed value for field, or nil. It never fails:
// a value that cannot be coerced is logged and dropped to nil.
func (n *Normalizer) Normalize(field string, raw any) any {
	if isBlank(raw) {
		return nil
	}

	var (
		value any
		err   error
	)
	switch n.Class(field) {
	case ClassInteger:
		var i int64
		if i, err = Integer(raw); err == nil {
			value = i
		}
	case ClassDecimal:
		var d decimal.Decimal
		if d, err = Decimal(raw); err == nil {
			value = d
		}
	case ClassTimestamp:
		var (
			ts string
			ok bool
		)
		if ts, ok, err = Timestamp(raw); ok {
			value = ts
		}
	case ClassPhone:
		// a number libphonenumber rejects is still kept as typed
		if p, perr := Phone(raw); perr == nil {
			return p
		}
		n.log.Debug("lead phone kept unformatted", "field", field, "value", fmt.Sprint(raw))
		return strings.TrimSpace(fmt.Sprint(raw))
	default:
		return raw
	}

	if err != nil {
		n.log.Warn("unparseable CRM value stored as null",
			"field", field,
			"class", n.Class(field).String(),
			"value", fmt.Sprint(raw),
			"error", err,
		)
		return nil
	}
	return value
}

func isBlank(raw any) bool {
	switch v := raw.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(v) == ""
	case json.Number:
		return v.String() == ""
	}
	return false
}

// Integer parses integral values from strings, JSON numbers, floats and bools
func Integer(raw any) (int64, error) {
	switch v := raw.(type) {
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	case float64:
		return integralFloat(v)
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i, nil
		}
		f, err := v.Float64()
		if err != nil {
			return 0, fmt.Errorf("invalid integer %q", v.String())
		}
		return integralFloat(f)
	case string:
		s := strings.TrimSpace(v)
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return i, nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid integer %q", v)
		}
		return integralFloat(f)
	default:
		return 0, fmt.Errorf("unsupported integer type %T", raw)
	}
}

func integralFloat(f float64) (int64, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return 0, fmt.Errorf("non-integral number %v", f)
	}
	return int64(f), nil
}

// Decimal parses monetary values. Strings may use Brazilian separators
// ("1.234,56") and an "R$" prefix.
func Decimal(raw any) (decimal.Decimal, error) {
	switch v := raw.(type) {
	case decimal.Decimal:
		return v, nil
	case float64:
		return decimal.NewFromFloat(v), nil
	case int64:
		return decimal.NewFromInt(v), nil
	case int:
		return decimal.NewFromInt(int64(v)), nil
	case json.Number:
		return decimal.NewFromString(v.String())
	case string:
		s := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(v), "R$"))
		if strings.Contains(s, ",") {
			s = strings.ReplaceAll(s, ".", "")
			s = strings.ReplaceAll(s, ",", ".")
		}
		d, err := decimal.NewFromString(s)
		if err != nil {
			return decimal.Zero, fmt.Errorf("invalid decimal %q", v)
		}
		return d, nil
	default:
		return decimal.Zero, fmt.Errorf("unsupported decimal type %T", raw)
	}
}
