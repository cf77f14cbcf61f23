package model

import (
	"fmt"
	"time"
)

// DocumentStatus tracks a document through the extraction lifecycle.
type DocumentStatus string

const (
	DocumentStatusPending            DocumentStatus = "pending"
	DocumentStatusInProgress         DocumentStatus = "in_progress"
	DocumentStatusPartiallyExtracted DocumentStatus = "partially_extracted"
	DocumentStatusComplete           DocumentStatus = "complete"
	DocumentStatusFailed             DocumentStatus = "failed"
)

// Document is one source PDF registered for extraction. CompanyID and
// Period come from the batch manifest or CLI flags, not from the file.
type Document struct {
	ID          string         `json:"id"`
	CompanyID   string         `json:"company_id"`
	CompanyName string         `json:"company_name,omitempty"`
	Period      ReportPeriod   `json:"period"`
	SourcePath  string         `json:"source_path"`
	SourceHash  string         `json:"source_hash,omitempty"`
	PageCount   int            `json:"page_count"`
	Status      DocumentStatus `json:"status"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Key returns the company+period identity used for idempotent re-runs.
func (d *Document) Key() string {
	return d.CompanyID + "/" + d.Period.String()
}

// Rect is an axis-aligned box in PDF user space. Y grows upward, so
// Y1 is the top edge and Y0 the bottom.
type Rect struct {
	X0 float64 `json:"x0"`
	Y0 float64 `json:"y0"`
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
}

func (r Rect) Width() float64   { return r.X1 - r.X0 }
func (r Rect) Height() float64  { return r.Y1 - r.Y0 }
func (r Rect) CenterX() float64 { return (r.X0 + r.X1) / 2 }
func (r Rect) CenterY() float64 { return (r.Y0 + r.Y1) / 2 }

// Contains reports whether p lies inside r, inclusive of edges.
func (r Rect) Contains(x, y float64) bool {
	return x >= r.X0 && x <= r.X1 && y >= r.Y0 && y <= r.Y1
}

// Union returns the smallest rect covering both r and o.
func (r Rect) Union(o Rect) Rect {
	return Rect{
		X0: min(r.X0, o.X0),
		Y0: min(r.Y0, o.Y0),
		X1: max(r.X1, o.X1),
		Y1: max(r.Y1, o.Y1),
	}
}

// TextRun is a positioned fragment of page text in reading order.
type TextRun struct {
	Text     string  `json:"text"`
	Box      Rect    `json:"box"`
	FontSize float64 `json:"font_size,omitempty"`
}

// LineOrientation distinguishes horizontal from vertical rule lines.
type LineOrientation string

const (
	Horizontal LineOrientation = "h"
	Vertical   LineOrientation = "v"
)

// RuleLine is a drawn table border or separator detected on a page.
// Coordinates are normalized so X0 <= X1 and Y0 <= Y1.
type RuleLine struct {
	Orientation LineOrientation `json:"orientation"`
	X0          float64         `json:"x0"`
	Y0          float64         `json:"y0"`
	X1          float64         `json:"x1"`
	Y1          float64         `json:"y1"`
}

// Length returns the extent of the line along its orientation.
func (l RuleLine) Length() float64 {
	if l.Orientation == Horizontal {
		return l.X1 - l.X0
	}
	return l.Y1 - l.Y0
}

// PageStatus records whether a page yielded usable content.
type PageStatus string

const (
	PageStatusOK         PageStatus = "ok"
	PageStatusUnreadable PageStatus = "unreadable"
)

// Page holds the layout-level reading of one PDF page. Runs are sorted
// top-to-bottom, then left-to-right. An unreadable page carries no runs
// and Status set to PageStatusUnreadable.
type Page struct {
	Number int        `json:"number"` // 1-based
	Width  float64    `json:"width"`
	Height float64    `json:"height"`
	Runs   []TextRun  `json:"runs,omitempty"`
	Rules  []RuleLine `json:"rules,omitempty"`
	Status PageStatus `json:"status"`
}

func (p *Page) Ref(docID string) string {
	return fmt.Sprintf("%s#page%d", docID, p.Number)
}
