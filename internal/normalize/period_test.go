package normalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trundleyrg/FinancialAgent/internal/model"
)

func TestParsePeriod_Forms(t *testing.T) {
	tests := []struct {
		raw  string
		want string // ReportPeriod.String()
		typ  model.PeriodType
	}{
		{"FY2023", "2023FY", model.PeriodFY},
		{"FY 2023", "2023FY", model.PeriodFY},
		{"2023FY", "2023FY", model.PeriodFY},
		{"2023", "2023FY", model.PeriodFY},
		{"2023年报", "2023FY", model.PeriodFY},
		{"2023年度报告", "2023FY", model.PeriodFY},
		{"2023年", "2023FY", model.PeriodFY},
		{"Q1 2024", "2024Q1", model.PeriodQ1},
		{"2023Q3", "2023Q3", model.PeriodQ3},
		{"2023 Q3", "2023Q3", model.PeriodQ3},
		{"2023年第三季度", "2023Q3", model.PeriodQ3},
		{"2023年一季报", "2023Q1", model.PeriodQ1},
		{"2024H1", "2024H1", model.PeriodH1},
		{"H1 2024", "2024H1", model.PeriodH1},
		{"2024年半年报", "2024H1", model.PeriodH1},
		{"2024年中报", "2024H1", model.PeriodH1},
		{"2023-12-31", "2023-12-31", model.PeriodAsOf},
		{"2023/12/31", "2023-12-31", model.PeriodAsOf},
		{"2023年12月31日", "2023-12-31", model.PeriodAsOf},
		{"December 31, 2023", "2023-12-31", model.PeriodAsOf},
		{"As of December 31, 2023", "2023-12-31", model.PeriodAsOf},
		{"截至2023年12月31日", "2023-12-31", model.PeriodAsOf},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			p, ok := ParsePeriod(tt.raw)
			require.True(t, ok, "raw %q", tt.raw)
			assert.Equal(t, tt.want, p.String())
			assert.Equal(t, tt.typ, p.Type)
		})
	}
}

func TestParsePeriod_CumulativeQuarterConvention(t *testing.T) {
	h1, ok := ParsePeriod("2023Q2")
	require.True(t, ok)
	assert.Equal(t, model.PeriodH1, h1.Type, "Q2 filings are half-year reports")

	fy, ok := ParsePeriod("2023Q4")
	require.True(t, ok)
	assert.Equal(t, model.PeriodFY, fy.Type, "Q4 filings are annual reports")

	h2, ok := ParsePeriod("2023H2")
	require.True(t, ok)
	assert.Equal(t, model.PeriodFY, h2.Type)
}

func TestParsePeriod_EndDates(t *testing.T) {
	q1, _ := ParsePeriod("2024Q1")
	assert.Equal(t, "2024-03-31", q1.EndDate.Format("2006-01-02"))

	h1, _ := ParsePeriod("2024H1")
	assert.Equal(t, "2024-06-30", h1.EndDate.Format("2006-01-02"))

	q3, _ := ParsePeriod("2024Q3")
	assert.Equal(t, "2024-09-30", q3.EndDate.Format("2006-01-02"))

	fy, _ := ParsePeriod("2024FY")
	assert.Equal(t, "2024-12-31", fy.EndDate.Format("2006-01-02"))
}

func TestParsePeriod_Rejects(t *testing.T) {
	for _, raw := range []string{"", "hello", "Item", "Q5 2023", "1850", "20233", "亿元"} {
		_, ok := ParsePeriod(raw)
		assert.False(t, ok, "raw %q", raw)
	}
}
