package table

import (
	"context"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trundleyrg/FinancialAgent/internal/config"
	"github.com/trundleyrg/FinancialAgent/internal/layout"
	"github.com/trundleyrg/FinancialAgent/internal/model"
)

type stubDetector struct {
	name    string
	regions []*model.TableRegion
	err     error
	calls   int
}

func (s *stubDetector) Name() string { return s.name }

func (s *stubDetector) Detect(context.Context, *model.Page, []layout.Line) ([]*model.TableRegion, error) {
	s.calls++
	return s.regions, s.err
}

func stubRegion(conf, top float64) *model.TableRegion {
	return &model.TableRegion{
		PageNumber: 1,
		Box:        model.Rect{X0: 70, Y0: top - 100, X1: 460, Y1: top},
		Method:     model.DetectRuled,
		Confidence: conf,
		Cells:      [][]string{{"a", "b"}, {"c", "d"}},
	}
}

func testPage() *model.Page {
	return letterPage([]model.TextRun{run("x", 72, 700, 80, 710)}, nil)
}

func cascadeConfig() config.TableConfig {
	return config.TableConfig{MinConfidence: 0.5}
}

func TestCascade_FirstStrategyWins(t *testing.T) {
	first := &stubDetector{name: "ruled", regions: []*model.TableRegion{stubRegion(0.9, 700)}}
	second := &stubDetector{name: "whitespace", regions: []*model.TableRegion{stubRegion(0.8, 700)}}

	c := NewCascade(cascadeConfig(), 1, first, second)
	regions, diags, err := c.DetectPage(context.Background(), testPage())
	require.NoError(t, err)
	require.Len(t, regions, 1)
	assert.Empty(t, diags)
	assert.Equal(t, 0.9, regions[0].Confidence)
	assert.Equal(t, 0, second.calls, "short-circuits once a strategy finds tables")
}

func TestCascade_FallsBackWhenEmpty(t *testing.T) {
	first := &stubDetector{name: "ruled"}
	second := &stubDetector{name: "whitespace", regions: []*model.TableRegion{stubRegion(0.8, 700)}}

	c := NewCascade(cascadeConfig(), 1, first, second)
	regions, _, err := c.DetectPage(context.Background(), testPage())
	require.NoError(t, err)
	require.Len(t, regions, 1)
	assert.Equal(t, 1, first.calls)
}

func TestCascade_FallsBackOnError(t *testing.T) {
	first := &stubDetector{name: "ruled", err: eris.New("lattice collapsed")}
	second := &stubDetector{name: "whitespace", regions: []*model.TableRegion{stubRegion(0.8, 700)}}

	c := NewCascade(cascadeConfig(), 1, first, second)
	regions, _, err := c.DetectPage(context.Background(), testPage())
	require.NoError(t, err, "a later success clears the earlier failure")
	assert.Len(t, regions, 1)
}

func TestCascade_AllStrategiesFailed(t *testing.T) {
	first := &stubDetector{name: "ruled", err: eris.New("bad lattice")}
	second := &stubDetector{name: "whitespace", err: eris.New("no alignment")}

	c := NewCascade(cascadeConfig(), 1, first, second)
	regions, _, err := c.DetectPage(context.Background(), testPage())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "whitespace")
	assert.Nil(t, regions)
}

func TestCascade_NoTablesAnywhere(t *testing.T) {
	c := NewCascade(cascadeConfig(), 1, &stubDetector{name: "ruled"}, &stubDetector{name: "whitespace"})

	regions, diags, err := c.DetectPage(context.Background(), testPage())
	require.NoError(t, err)
	assert.Nil(t, regions)
	assert.Nil(t, diags)
}

func TestCascade_FiltersLowConfidence(t *testing.T) {
	d := &stubDetector{name: "ruled", regions: []*model.TableRegion{
		stubRegion(0.9, 700),
		stubRegion(0.2, 400),
	}}

	c := NewCascade(cascadeConfig(), 1, d)
	regions, diags, err := c.DetectPage(context.Background(), testPage())
	require.NoError(t, err)
	require.Len(t, regions, 1)
	assert.Equal(t, 0, regions[0].Index)
	require.Len(t, diags, 1)
	assert.Equal(t, "low_confidence_table", diags[0].Code)
	assert.Equal(t, model.DiagTable, diags[0].Scope)
}

func TestCascade_OrdersRegionsTopToBottom(t *testing.T) {
	d := &stubDetector{name: "ruled", regions: []*model.TableRegion{
		stubRegion(0.8, 400),
		stubRegion(0.9, 700),
	}}

	c := NewCascade(cascadeConfig(), 1, d)
	regions, _, err := c.DetectPage(context.Background(), testPage())
	require.NoError(t, err)
	require.Len(t, regions, 2)
	assert.Equal(t, 700.0, regions[0].Box.Y1)
	assert.Equal(t, 0, regions[0].Index)
	assert.Equal(t, 1, regions[1].Index)
}

func TestNewCascade_HonorsConfiguredOrder(t *testing.T) {
	a := &stubDetector{name: "ruled"}
	b := &stubDetector{name: "whitespace", regions: []*model.TableRegion{stubRegion(0.8, 700)}}

	cfg := cascadeConfig()
	cfg.Strategies = []string{"whitespace", "ruled"}
	c := NewCascade(cfg, 1, a, b)

	_, _, err := c.DetectPage(context.Background(), testPage())
	require.NoError(t, err)
	assert.Equal(t, 0, a.calls, "whitespace listed first and found tables")
	assert.Equal(t, 1, b.calls)
}

func TestNewCascade_AppendsUnlistedDetectors(t *testing.T) {
	a := &stubDetector{name: "ruled"}
	b := &stubDetector{name: "model-assisted", regions: []*model.TableRegion{stubRegion(0.8, 700)}}

	cfg := cascadeConfig()
	cfg.Strategies = []string{"ruled"}
	c := NewCascade(cfg, 1, a, b)

	regions, _, err := c.DetectPage(context.Background(), testPage())
	require.NoError(t, err)
	assert.Len(t, regions, 1, "unlisted detector still runs as the final fallback")
	assert.Equal(t, 1, a.calls)
}

func TestCascade_SkipsUnreadablePage(t *testing.T) {
	d := &stubDetector{name: "ruled", regions: []*model.TableRegion{stubRegion(0.9, 700)}}
	c := NewCascade(cascadeConfig(), 1, d)

	page := &model.Page{Number: 7, Status: model.PageStatusUnreadable}
	regions, diags, err := c.DetectPage(context.Background(), page)
	require.NoError(t, err)
	assert.Nil(t, regions)
	assert.Nil(t, diags)
	assert.Equal(t, 0, d.calls)
}
