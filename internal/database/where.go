package database

import (
	"fmt"
	"strings"
	"time"
)

// WhereBuilder assembles a parameterised WHERE clause from optional filters.
// Column names are trusted (caller-supplied constants); values always travel
// as placeholders.
type WhereBuilder struct {
	conditions []string
	args       []any
	argIndex   int
}

// NewWhereBuilder returns an empty builder whose first placeholder is $1.
func NewWhereBuilder() *WhereBuilder {
	return &WhereBuilder{argIndex: 1}
}

// Add appends "col = $n" unless value is empty.
func (wb *WhereBuilder) Add(col, value string) *WhereBuilder {
	if value == "" {
		return wb
	}
	return wb.AddValue(col, value)
}

// AddValue appends "col = $n" unconditionally.
func (wb *WhereBuilder) AddValue(col string, value any) *WhereBuilder {
	wb.conditions = append(wb.conditions, fmt.Sprintf("%s = $%d", col, wb.argIndex))
	wb.args = append(wb.args, value)
	wb.argIndex++
	return wb
}

// AddTimeRange bounds col by from (inclusive) and to (exclusive). Zero
// times leave that side open.
func (wb *WhereBuilder) AddTimeRange(col string, from, to time.Time) *WhereBuilder {
	if !from.IsZero() {
		wb.conditions = append(wb.conditions, fmt.Sprintf("%s >= $%d", col, wb.argIndex))
		wb.args = append(wb.args, from)
		wb.argIndex++
	}
	if !to.IsZero() {
		wb.conditions = append(wb.conditions, fmt.Sprintf("%s < $%d", col, wb.argIndex))
		wb.args = append(wb.args, to)
		wb.argIndex++
	}
	return wb
}

// Build returns the clause (with a leading space, or "" when empty) and
// its arguments.
func (wb *WhereBuilder) Build() (string, []any) {
	if len(wb.conditions) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(wb.conditions, " AND "), wb.args
}

// NextArgIndex returns the next free placeholder number, for appending
// LIMIT/OFFSET after the clause.
func (wb *WhereBuilder) NextArgIndex() int {
	return wb.argIndex
}
