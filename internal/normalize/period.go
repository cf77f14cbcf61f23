package normalize

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/width"

	"github.com/trundleyrg/FinancialAgent/internal/model"
)

// Report periods come from a closed set of header and filing-name
// forms. Anything else is not a period; callers fall back to the
// document-level period rather than guessing.
var (
	reFiscalYear = regexp.MustCompile(`^(?:FY\s*(\d{4})|(\d{4})\s*FY|(\d{4})\s*年(?:度报告|年报|度|报)?|(\d{4}))$`)
	reQuarter    = regexp.MustCompile(`^(?:(\d{4})\s*Q([1-4])|Q([1-4])\s*(\d{4}))$`)
	reHalf       = regexp.MustCompile(`^(?:(\d{4})\s*H([12])|H([12])\s*(\d{4}))$`)
	reCNQuarter  = regexp.MustCompile(`^(\d{4})\s*年?\s*第([一二三四1-4])季度(?:报告)?$`)
	reCNInterim  = regexp.MustCompile(`^(\d{4})\s*年?\s*(半年|中期|中|一季|三季)报?告?$`)
	reCNDate     = regexp.MustCompile(`^(\d{4})\s*年\s*(\d{1,2})\s*月\s*(\d{1,2})\s*日$`)
	reAsOfPrefix = regexp.MustCompile(`^(?i:AS\s+OF\s+)|^(?:截至|截止)`)
)

var dateLayouts = []string{
	"2006-01-02",
	"2006/01/02",
	"2006.01.02",
	"January 2, 2006",
	"Jan 2, 2006",
	"2 January 2006",
}

// ParsePeriod recognizes one report period string: fiscal years
// ("FY2023", "2023年报", a bare "2023" column heading), quarters and
// halves ("Q3 2023", "2023H1", "2023年第三季度", "半年报" forms with a
// year), and point-in-time dates ("2023-12-31", "2023年12月31日",
// "As of December 31, 2023").
func ParsePeriod(raw string) (model.ReportPeriod, bool) {
	s := strings.TrimSpace(width.Fold.String(raw))
	if s == "" {
		return model.ReportPeriod{}, false
	}
	s = strings.TrimSpace(reAsOfPrefix.ReplaceAllString(s, ""))
	upper := strings.ToUpper(s)

	if m := reCNDate.FindStringSubmatch(s); m != nil {
		y, _ := strconv.Atoi(m[1])
		mo, _ := strconv.Atoi(m[2])
		d, _ := strconv.Atoi(m[3])
		return asOf(y, time.Month(mo), d)
	}
	for _, layout := range dateLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return asOf(ts.Year(), ts.Month(), ts.Day())
		}
	}

	if m := reQuarter.FindStringSubmatch(upper); m != nil {
		return quarterPeriod(firstGroup(m, 1, 4), firstGroup(m, 2, 3))
	}
	if m := reHalf.FindStringSubmatch(upper); m != nil {
		year, half := firstGroup(m, 1, 4), firstGroup(m, 2, 3)
		if half == "1" {
			return periodFor(model.PeriodH1, year)
		}
		return periodFor(model.PeriodFY, year)
	}
	if m := reCNQuarter.FindStringSubmatch(s); m != nil {
		return quarterPeriod(m[1], cnDigit(m[2]))
	}
	if m := reCNInterim.FindStringSubmatch(s); m != nil {
		switch m[2] {
		case "一季":
			return periodFor(model.PeriodQ1, m[1])
		case "三季":
			return periodFor(model.PeriodQ3, m[1])
		default: // 半年 / 中 / 中期
			return periodFor(model.PeriodH1, m[1])
		}
	}
	if m := reFiscalYear.FindStringSubmatch(upper); m != nil {
		return periodFor(model.PeriodFY, firstGroup(m, 1, 2, 3, 4))
	}

	return model.ReportPeriod{}, false
}

// quarterPeriod maps quarter numbers onto the cumulative reporting
// periods filings actually use: Q2 is the half-year report and Q4 the
// annual one.
func quarterPeriod(year, quarter string) (model.ReportPeriod, bool) {
	switch quarter {
	case "1":
		return periodFor(model.PeriodQ1, year)
	case "2":
		return periodFor(model.PeriodH1, year)
	case "3":
		return periodFor(model.PeriodQ3, year)
	case "4":
		return periodFor(model.PeriodFY, year)
	}
	return model.ReportPeriod{}, false
}

func periodFor(t model.PeriodType, yearStr string) (model.ReportPeriod, bool) {
	year, err := strconv.Atoi(yearStr)
	if err != nil || year < 1980 || year > 2100 {
		return model.ReportPeriod{}, false
	}
	var month time.Month
	var day int
	switch t {
	case model.PeriodQ1:
		month, day = time.March, 31
	case model.PeriodH1:
		month, day = time.June, 30
	case model.PeriodQ3:
		month, day = time.September, 30
	default:
		month, day = time.December, 31
	}
	return model.ReportPeriod{
		Type:    t,
		EndDate: time.Date(year, month, day, 0, 0, 0, 0, time.UTC),
	}, true
}

func asOf(year int, month time.Month, day int) (model.ReportPeriod, bool) {
	if year < 1980 || year > 2100 || day < 1 || day > 31 {
		return model.ReportPeriod{}, false
	}
	return model.ReportPeriod{
		Type:    model.PeriodAsOf,
		EndDate: time.Date(year, month, day, 0, 0, 0, 0, time.UTC),
	}, true
}

func firstGroup(m []string, idx ...int) string {
	for _, i := range idx {
		if i < len(m) && m[i] != "" {
			return m[i]
		}
	}
	return ""
}

func cnDigit(s string) string {
	switch s {
	case "一":
		return "1"
	case "二":
		return "2"
	case "三":
		return "3"
	case "四":
		return "4"
	}
	return s
}
