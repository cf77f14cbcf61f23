// Package normalize turns raw table cells into typed values: decimals
// with units, report periods, explicit nulls for dashes, and text for
// everything else. Fullwidth digits and punctuation are folded to
// their ASCII forms first, so CJK-typeset reports parse the same as
// Latin ones.
package normalize

import (
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/width"

	"github.com/trundleyrg/FinancialAgent/internal/model"
)

// Magnitude and ratio suffixes recognized after a number, longest
// match first. 亿 and 万 are the 1e8 and 1e4 blocks Chinese filings
// report in.
var unitSuffixes = []string{"亿元", "万元", "亿", "万", "元", "%", "BN", "MN", "BPS"}

var currencySymbols = map[rune]string{
	'$': "$",
	'¥': "¥",
	'€': "€",
	'£': "£",
}

var nullTokens = map[string]bool{
	"N/A": true,
	"NA":  true,
	"不适用": true,
	"无":   true,
}

// ParseCell classifies one raw cell value. A lone dash or empty cell
// is null, never zero. Cells that look numeric but fail to parse come
// back null with Err set so callers can surface the defect without
// losing the row.
func ParseCell(raw string) model.CellValue {
	folded := strings.TrimSpace(width.Fold.String(raw))
	if folded == "" || isDash(folded) || nullTokens[strings.ToUpper(folded)] {
		return model.CellValue{Raw: raw, Kind: model.ValueNull}
	}

	if p, ok := parseCellPeriod(folded); ok {
		return model.CellValue{Raw: raw, Kind: model.ValuePeriod, Period: &p}
	}

	if num, unit, ok := splitNumeric(folded); ok {
		n, err := decimal.NewFromString(num)
		if err != nil {
			return model.CellValue{Raw: raw, Kind: model.ValueNull, Err: "not a parseable number"}
		}
		kind := model.ValueAmount
		if strings.Contains(unit, "%") {
			kind = model.ValueRatio
		}
		return model.CellValue{Raw: raw, Kind: kind, Number: &n, Unit: unit}
	}

	return model.CellValue{Raw: raw, Kind: model.ValueText}
}

// parseCellPeriod recognizes explicit period strings inside body
// cells. Bare numbers never count: a lone "2023" in a data cell is an
// amount, even though the same text in a header is a fiscal year.
func parseCellPeriod(folded string) (model.ReportPeriod, bool) {
	if isBareNumber(folded) {
		return model.ReportPeriod{}, false
	}
	return ParsePeriod(folded)
}

func isBareNumber(s string) bool {
	seen := false
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			seen = true
		case r == ',' || r == '.' || r == '-' || r == '+' || r == ' ':
		default:
			return false
		}
	}
	return seen
}

func isDash(s string) bool {
	for _, r := range s {
		switch r {
		case '-', '‐', '–', '—', '−':
		default:
			return false
		}
	}
	return len(s) > 0
}

// splitNumeric separates a folded cell into a bare decimal string and
// its unit. Accounting parentheses negate; thousands separators and
// inner spaces drop out. ok is false when the cell carries no digits
// at all, which means it is text rather than a broken number.
func splitNumeric(s string) (num, unit string, ok bool) {
	if !strings.ContainsAny(s, "0123456789") {
		return "", "", false
	}

	negative := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		negative = true
		s = strings.TrimSpace(s[1 : len(s)-1])
	}

	var currency string
	if r := firstRune(s); currencySymbols[r] != "" {
		currency = currencySymbols[r]
		s = strings.TrimSpace(strings.TrimPrefix(s, string(r)))
	}

	var magnitude string
	upper := strings.ToUpper(s)
	for _, suffix := range unitSuffixes {
		if strings.HasSuffix(upper, suffix) {
			magnitude = suffix
			if suffix == "BN" || suffix == "MN" || suffix == "BPS" {
				magnitude = strings.ToLower(suffix)
			}
			s = strings.TrimSpace(s[:len(s)-len(suffix)])
			break
		}
	}

	s = strings.ReplaceAll(s, ",", "")
	s = strings.ReplaceAll(s, " ", "")
	if s == "" {
		return "", "", false
	}
	if negative {
		if strings.HasPrefix(s, "-") {
			s = s[1:]
		}
		s = "-" + s
	}
	return s, currency + magnitude, true
}

func firstRune(s string) rune {
	for _, r := range s {
		return r
	}
	return 0
}
