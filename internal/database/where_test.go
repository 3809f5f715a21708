package database

import (
	"testing"
	"time"
)

func TestNewWhereBuilder(t *testing.T) {
	wb := NewWhereBuilder()

	if wb.argIndex != 1 {
		t.Errorf("expected argIndex to be 1, got %d", wb.argIndex)
	}
	if len(wb.conditions) != 0 {
		t.Errorf("expected empty conditions, got %d", len(wb.conditions))
	}
}

func TestWhereBuilder_Build_Empty(t *testing.T) {
	whereClause, args := NewWhereBuilder().Build()

	if whereClause != "" {
		t.Errorf("expected empty string for no conditions, got %q", whereClause)
	}
	if args != nil {
		t.Errorf("expected nil args for no conditions, got %v", args)
	}
}

func TestWhereBuilder_Add_MultipleConditions(t *testing.T) {
	wb := NewWhereBuilder()
	wb.Add("submitter", "alice").Add("batch_label", "").Add("file_name", "q3.xlsx")

	whereClause, args := wb.Build()

	expectedClause := " WHERE submitter = $1 AND file_name = $2"
	if whereClause != expectedClause {
		t.Errorf("expected %q, got %q", expectedClause, whereClause)
	}
	if len(args) != 2 || args[0] != "alice" || args[1] != "q3.xlsx" {
		t.Errorf("unexpected args %v", args)
	}
}

func TestWhereBuilder_AddValue(t *testing.T) {
	wb := NewWhereBuilder()
	wb.AddValue("dry_run", false)

	whereClause, args := wb.Build()
	if whereClause != " WHERE dry_run = $1" {
		t.Errorf("unexpected clause %q", whereClause)
	}
	if args[0] != false {
		t.Errorf("expected false arg, got %v", args[0])
	}
}

func TestWhereBuilder_AddTimeRange(t *testing.T) {
	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		from, to time.Time
		want     string
		wantArgs int
	}{
		{"both bounds", from, to, " WHERE completed_at >= $1 AND completed_at < $2", 2},
		{"from only", from, time.Time{}, " WHERE completed_at >= $1", 1},
		{"to only", time.Time{}, to, " WHERE completed_at < $1", 1},
		{"open", time.Time{}, time.Time{}, "", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wb := NewWhereBuilder().AddTimeRange("completed_at", tt.from, tt.to)
			got, args := wb.Build()
			if got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
			if len(args) != tt.wantArgs {
				t.Errorf("expected %d args, got %d", tt.wantArgs, len(args))
			}
		})
	}
}

func TestWhereBuilder_NextArgIndex(t *testing.T) {
	wb := NewWhereBuilder()
	if wb.NextArgIndex() != 1 {
		t.Errorf("expected initial NextArgIndex to be 1, got %d", wb.NextArgIndex())
	}

	wb.Add("col1", "val1")
	if wb.NextArgIndex() != 2 {
		t.Errorf("expected NextArgIndex after 1 add to be 2, got %d", wb.NextArgIndex())
	}

	wb.AddTimeRange("created_at", time.Now(), time.Now())
	if wb.NextArgIndex() != 4 {
		t.Errorf("expected NextArgIndex after time range to be 4, got %d", wb.NextArgIndex())
	}
}

func TestMigrateURL(t *testing.T) {
	tests := []struct{ in, want string }{
		{"postgres://u:p@h:5432/db?sslmode=disable", "pgx5://u:p@h:5432/db?sslmode=disable"},
		{"postgresql://u@h/db", "pgx5://u@h/db"},
		{"pgx5://already", "pgx5://already"},
	}
	for _, tt := range tests {
		if got := migrateURL(tt.in); got != tt.want {
			t.Errorf("migrateURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
