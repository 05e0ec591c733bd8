package contract

import (
	"strings"

	"github.com/shopspring/decimal"
)

// ParseMoney coerces a source money string to a decimal value. The source
// mixes Brazilian ("1.234,56") and US ("1,234.56") separator conventions, so
// the rightmost of comma/period wins as the decimal point and every earlier
// separator is treated as grouping. Currency symbols and spacing are ignored.
// Returns ok=false for anything that still fails to parse.
func ParseMoney(s string) (decimal.Decimal, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, false
	}

	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9', r == ',', r == '.', r == '-':
			b.WriteRune(r)
		}
	}
	cleaned := b.String()
	if cleaned == "" || cleaned == "-" {
		return decimal.Zero, false
	}

	lastComma := strings.LastIndexByte(cleaned, ',')
	lastDot := strings.LastIndexByte(cleaned, '.')

	switch {
	case lastComma > lastDot:
		// Comma is the decimal point, dots are grouping.
		cleaned = strings.ReplaceAll(cleaned, ".", "")
		cleaned = strings.Replace(cleaned, ",", ".", 1)
		cleaned = strings.ReplaceAll(cleaned, ",", "")
	case lastDot > lastComma:
		// Dot is the decimal point, commas are grouping. Earlier dots are
		// grouping too: keep only the last one.
		cleaned = strings.ReplaceAll(cleaned, ",", "")
		if parts := strings.Split(cleaned, "."); len(parts) > 2 {
			cleaned = strings.Join(parts[:len(parts)-1], "") + "." + parts[len(parts)-1]
		}
	}

	d, err := decimal.NewFromString(cleaned)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

// MoneyFromAny coerces the loosely typed JSON value the source emits for
// money fields: numbers come through as float64, everything else as string.
func MoneyFromAny(v any) (decimal.Decimal, bool) {
	switch t := v.(type) {
	case nil:
		return decimal.Zero, false
	case float64:
		return decimal.NewFromFloat(t), true
	case int:
		return decimal.NewFromInt(int64(t)), true
	case string:
		return ParseMoney(t)
	}
	return decimal.Zero, false
}
