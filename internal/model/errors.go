package model

import (
	"errors"
	"fmt"
)

// UnreadablePageError marks a page that produced no usable text. The
// pipeline records it and continues; it never fails the document.
type UnreadablePageError struct {
	PageNumber int
	Reason     string
}

func (e *UnreadablePageError) Error() string {
	return fmt.Sprintf("page %d unreadable: %s", e.PageNumber, e.Reason)
}

// UnparseableCellError marks a cell that looked numeric but would not
// parse. The cell becomes null and the table survives.
type UnparseableCellError struct {
	Row, Col int
	Raw      string
}

func (e *UnparseableCellError) Error() string {
	return fmt.Sprintf("cell (%d,%d) unparseable: %q", e.Row, e.Col, e.Raw)
}

// TableExtractionError fails a single table. Other tables in the
// document are unaffected.
type TableExtractionError struct {
	Ref    string
	Reason string
}

func (e *TableExtractionError) Error() string {
	return fmt.Sprintf("table %s: %s", e.Ref, e.Reason)
}

// PersistenceError wraps a storage failure. Transient marks failures
// worth retrying (connection loss, serialization conflicts).
type PersistenceError struct {
	Err       error
	Transient bool
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence: %v", e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// SchemaMismatchError means the target schema lacks columns the
// pipeline writes. Nothing can proceed until the schema is migrated.
type SchemaMismatchError struct {
	Table   string
	Missing []string
}

func (e *SchemaMismatchError) Error() string {
	return fmt.Sprintf("schema mismatch on %s: missing columns %v", e.Table, e.Missing)
}

// IsFatal reports whether err should abort the whole document rather
// than degrade it.
func IsFatal(err error) bool {
	var sm *SchemaMismatchError
	if errors.As(err, &sm) {
		return true
	}
	var up *UnreadablePageError
	var uc *UnparseableCellError
	var te *TableExtractionError
	return !errors.As(err, &up) && !errors.As(err, &uc) && !errors.As(err, &te)
}
