package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// The registration form keeps its state in browser storage, so numbers come back
// as numbers, numeric strings, or (for game selections) a scalar instead of a list.
// These types accept every shape the client has been seen to send.

// FlexInt64 accepts 12, 12.0 and "12". null and "" decode to zero.
type FlexInt64 int64

// UnmarshalJSON implements json.Unmarshaler
func (f *FlexInt64) UnmarshalJSON(data []byte) error {
	s := unquote(data)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return fmt.Errorf("invalid integer value %q", s)
	}
	if !d.Equal(d.Truncate(0)) {
		return fmt.Errorf("integer value %q has a fractional part", s)
	}
	*f = FlexInt64(d.IntPart())
	return nil
}

// Int64 returns the plain value
func (f FlexInt64) Int64() int64 {
	return int64(f)
}

// FlexInt64List accepts [1,"2"], a single scalar, or null
type FlexInt64List []int64

// UnmarshalJSON implements json.Unmarshaler. Elements that cannot be parsed
// are decoded as 0 so that the game validator can report them per index.
func (l *FlexInt64List) UnmarshalJSON(data []byte) error {
	elems, err := splitFlexList(data)
	if err != nil {
		return err
	}
	if elems == nil {
		*l = nil
		return nil
	}
	out := make([]int64, 0, len(elems))
	for _, raw := range elems {
		var v FlexInt64
		if err := v.UnmarshalJSON(raw); err != nil {
			out = append(out, 0)
			continue
		}
		out = append(out, int64(v))
	}
	*l = out
	return nil
}

// FlexDecimalList accepts [300,"400.50",null], a single scalar, or null.
// Unparsable elements and nulls decode as invalid entries.
type FlexDecimalList []decimal.NullDecimal

// UnmarshalJSON implements json.Unmarshaler
func (l *FlexDecimalList) UnmarshalJSON(data []byte) error {
	elems, err := splitFlexList(data)
	if err != nil {
		return err
	}
	if elems == nil {
		*l = nil
		return nil
	}
	out := make([]decimal.NullDecimal, 0, len(elems))
	for _, raw := range elems {
		s := unquote(raw)
		if s == "" || s == "null" {
			out = append(out, decimal.NullDecimal{})
			continue
		}
		d, err := decimal.NewFromString(s)
		if err != nil {
			out = append(out, decimal.NullDecimal{})
			continue
		}
		out = append(out, decimal.NewNullDecimal(d))
	}
	*l = out
	return nil
}

// MarshalJSON renders the list as JSON numbers, nulls for invalid entries
func (l FlexDecimalList) MarshalJSON() ([]byte, error) {
	parts := make([]string, 0, len(l))
	for _, d := range l {
		if !d.Valid {
			parts = append(parts, "null")
			continue
		}
		parts = append(parts, d.Decimal.String())
	}
	return []byte("[" + strings.Join(parts, ",") + "]"), nil
}

// FlexDecimal accepts 700, 700.5 and "700.50". null and "" decode to zero.
type FlexDecimal struct {
	decimal.Decimal
}

// UnmarshalJSON implements json.Unmarshaler
func (f *FlexDecimal) UnmarshalJSON(data []byte) error {
	s := unquote(data)
	if s == "" || s == "null" {
		f.Decimal = decimal.Zero
		return nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return fmt.Errorf("invalid amount %q", s)
	}
	f.Decimal = d
	return nil
}

// MarshalJSON renders the amount as a JSON number
func (f FlexDecimal) MarshalJSON() ([]byte, error) {
	return []byte(f.Decimal.String()), nil
}

// MoneyJSON renders a rupee amount as a JSON number with exactly two decimals
func MoneyJSON(d decimal.Decimal) json.Number {
	return json.Number(d.StringFixed(2))
}

func splitFlexList(data []byte) ([]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		return nil, nil
	}
	if trimmed[0] != '[' {
		return []json.RawMessage{json.RawMessage(trimmed)}, nil
	}
	var elems []json.RawMessage
	if err := json.Unmarshal(trimmed, &elems); err != nil {
		return nil, fmt.Errorf("invalid list: %w", err)
	}
	return elems, nil
}

func unquote(data []byte) string {
	s := strings.TrimSpace(string(data))
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = strings.TrimSpace(s[1 : len(s)-1])
	}
	return s
}
