package table

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trundleyrg/FinancialAgent/internal/config"
	"github.com/trundleyrg/FinancialAgent/internal/model"
)

func testMerger() *Merger {
	return NewMerger(config.TableConfig{HeaderSimilarity: 0.8, NumericRowThreshold: 0.6})
}

func region(page, index int, conf float64, cells [][]string) *model.TableRegion {
	return &model.TableRegion{
		PageNumber: page,
		Index:      index,
		Method:     model.DetectRuled,
		Confidence: conf,
		Cells:      cells,
	}
}

func TestMerger_RepeatedHeaderContinuation(t *testing.T) {
	first := region(1, 0, 0.9, [][]string{
		{"Item", "2023", "2022"},
		{"Alpha", "1", "10"},
		{"Beta", "2", "20"},
	})
	second := region(2, 0, 0.9, [][]string{
		{"Item", "2023", "2022"},
		{"Gamma", "3", "30"},
		{"Delta", "4", "40"},
	})

	tables, diags := testMerger().Merge("doc1", []*model.TableRegion{first, second})
	require.Len(t, tables, 1)
	assert.Empty(t, diags)

	tab := tables[0]
	assert.Equal(t, 1, tab.HeaderRows)
	require.Len(t, tab.Rows, 5, "repeated header dropped, body rows concatenated")
	assert.Equal(t, [][]string{
		{"Alpha", "1", "10"},
		{"Beta", "2", "20"},
		{"Gamma", "3", "30"},
		{"Delta", "4", "40"},
	}, tab.Body())
	assert.Equal(t, []model.RegionRef{{PageNumber: 1, Index: 0}, {PageNumber: 2, Index: 0}}, tab.Regions)
	assert.Equal(t, "doc1#page1-2/t1", tab.Ref("doc1"))
}

func TestMerger_HeadlessNumericContinuation(t *testing.T) {
	first := region(1, 0, 0.9, [][]string{
		{"Item", "Amount"},
		{"Alpha", "1,000"},
	})
	second := region(2, 0, 0.6, [][]string{
		{"Beta", "2,000"},
		{"Gamma", "(3,000)"},
	})

	tables, diags := testMerger().Merge("doc1", []*model.TableRegion{first, second})
	require.Len(t, tables, 1)
	assert.Empty(t, diags)

	tab := tables[0]
	require.Len(t, tab.Rows, 4)
	assert.Equal(t, []string{"Gamma", "(3,000)"}, tab.Rows[3])
	// Confidence is the row-weighted mean of the contributing regions.
	assert.InDelta(t, (0.9*2+0.6*2)/4, tab.Confidence, 0.001)
}

func TestMerger_AmbiguousContinuationStaysSeparate(t *testing.T) {
	first := region(1, 0, 0.9, [][]string{
		{"Item", "Amount"},
		{"Alpha", "1,000"},
	})
	second := region(2, 0, 0.9, [][]string{
		{"Segment", "Share"},
		{"Retail", "40%"},
	})

	tables, diags := testMerger().Merge("doc1", []*model.TableRegion{first, second})
	require.Len(t, tables, 2)
	require.Len(t, diags, 1)
	assert.Equal(t, "ambiguous_continuation", diags[0].Code)
	assert.Equal(t, 2, diags[0].PageNumber)
	assert.Equal(t, 2, tables[1].Ordinal)
}

func TestMerger_ColumnMismatchIsPlainNewTable(t *testing.T) {
	first := region(1, 0, 0.9, [][]string{
		{"Item", "Amount"},
		{"Alpha", "1"},
	})
	second := region(2, 0, 0.9, [][]string{
		{"Item", "2023", "2022"},
		{"Beta", "2", "3"},
	})

	tables, diags := testMerger().Merge("doc1", []*model.TableRegion{first, second})
	assert.Len(t, tables, 2)
	assert.Empty(t, diags, "a different shape is not ambiguous")
}

func TestMerger_OnlyPageOpeningRegionContinues(t *testing.T) {
	first := region(1, 0, 0.9, [][]string{
		{"Item", "Amount"},
		{"Alpha", "1"},
	})
	// Same shape but second on its page: a distinct table below the first.
	second := region(2, 0, 0.9, [][]string{
		{"Item", "Amount"},
		{"Beta", "2"},
	})
	third := region(2, 1, 0.9, [][]string{
		{"Item", "Amount"},
		{"Gamma", "3"},
	})

	tables, _ := testMerger().Merge("doc1", []*model.TableRegion{first, second, third})
	require.Len(t, tables, 2)
	assert.Len(t, tables[0].Rows, 3, "first and second merge across the break")
	assert.Len(t, tables[1].Rows, 2)
}

func TestMerger_PageGapBlocksContinuation(t *testing.T) {
	first := region(1, 0, 0.9, [][]string{
		{"Item", "Amount"},
		{"Alpha", "1"},
	})
	second := region(3, 0, 0.9, [][]string{
		{"Item", "Amount"},
		{"Beta", "2"},
	})

	tables, _ := testMerger().Merge("doc1", []*model.TableRegion{first, second})
	assert.Len(t, tables, 2, "an intervening page without regions breaks the chain")
}

func TestMerger_PadsShortRows(t *testing.T) {
	only := region(1, 0, 0.9, [][]string{
		{"Item", "2023", "2022"},
		{"Alpha", "1"},
	})

	tables, _ := testMerger().Merge("doc1", []*model.TableRegion{only})
	require.Len(t, tables, 1)
	assert.Equal(t, []string{"Alpha", "1", ""}, tables[0].Rows[1])
}

func TestMerger_HeadlessFirstRegion(t *testing.T) {
	only := region(1, 0, 0.9, [][]string{
		{"Alpha", "1,000"},
		{"Beta", "2,000"},
	})

	tables, _ := testMerger().Merge("doc1", []*model.TableRegion{only})
	require.Len(t, tables, 1)
	assert.Equal(t, 0, tables[0].HeaderRows)
	assert.Nil(t, tables[0].Header())
}

func TestNumericDensity_YearHeadingsAreNotValues(t *testing.T) {
	m := testMerger()
	assert.Less(t, m.numericDensity([]string{"Item", "2023", "2022"}), 0.6)
	assert.Less(t, m.numericDensity([]string{"项目", "2023年", "2022年"}), 0.6)
	assert.Less(t, m.numericDensity([]string{"Item", "FY2023", "FY2022"}), 0.6)
	assert.GreaterOrEqual(t, m.numericDensity([]string{"Alpha", "1,234.5", "(987)"}), 0.6)
	assert.GreaterOrEqual(t, m.numericDensity([]string{"营业收入", "1,476.94", "1,275.54"}), 0.6)
}

func TestMerger_RepeatedCJKHeaderContinuation(t *testing.T) {
	first := region(1, 0, 0.9, [][]string{
		{"项目", "2023年"},
		{"营业收入", "1,476.94"},
	})
	second := region(2, 0, 0.9, [][]string{
		{"项目", "2023年"},
		{"总资产", "2,722.49"},
	})

	tables, diags := testMerger().Merge("doc1", []*model.TableRegion{first, second})
	require.Len(t, tables, 1)
	assert.Empty(t, diags)
	assert.Equal(t, 1, tables[0].HeaderRows)
	assert.Equal(t, [][]string{
		{"营业收入", "1,476.94"},
		{"总资产", "2,722.49"},
	}, tables[0].Body())
}
