package errs

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestMapError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode string
	}{
		{name: "nil error returns empty", err: nil, wantCode: ""},
		{name: "validation", err: Validation("loader_sql", "is required"), wantCode: "VAL001"},
		{name: "wrapped conflict", err: fmt.Errorf("create draft: %w", Conflict("ORDERS", "working copy exists")), wantCode: "CFL001"},
		{name: "invalid state", err: InvalidState("approve", "DRAFT"), wantCode: "STA001"},
		{name: "authorization", err: Unauthorized("alice", "approve", "self-approval"), wantCode: "AUTH001"},
		{name: "encryption", err: &EncryptionError{Field: "connection_secret", Err: errors.New("bad tag")}, wantCode: "ENC001"},
		{name: "not found", err: fmt.Errorf("get version: %w", ErrNotFound), wantCode: "NF001"},
		{name: "downstream", err: Downstream("exists", context.DeadlineExceeded), wantCode: "SYS001"},
		{name: "missing column pattern", err: errors.New("missing required columns: loader_sql"), wantCode: "VAL002"},
		{name: "row limit pattern", err: errors.New("too many rows: 1200 exceeds 1000"), wantCode: "VAL003"},
		{name: "file size pattern", err: errors.New("file too large: 20MB"), wantCode: "FILE001"},
		{name: "limiter pattern", err: errors.New("too many concurrent imports, please try again later"), wantCode: "IMP001"},
		{name: "unknown falls back", err: errors.New("something odd"), wantCode: "ERR000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MapError(tt.err)
			if got.Code != tt.wantCode {
				t.Errorf("MapError() code = %q, want %q", got.Code, tt.wantCode)
			}
		})
	}
}

func TestFormatUserError(t *testing.T) {
	got := FormatUserError(InvalidState("submit", "ACTIVE"))
	want := "This action is not allowed in the version's current state (Code: STA001). Refresh the version and check its state"
	if got != want {
		t.Errorf("FormatUserError() = %q, want %q", got, want)
	}
	if FormatUserError(nil) != "" {
		t.Error("FormatUserError(nil) should be empty")
	}
}

func TestIsUserFacing(t *testing.T) {
	if !IsUserFacing(Conflict("X", "dup")) {
		t.Error("conflict should be user facing")
	}
	if IsUserFacing(errors.New("boom")) {
		t.Error("unknown error should not be user facing")
	}
	if IsUserFacing(nil) {
		t.Error("nil should not be user facing")
	}
}

func TestCategoryOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Category
	}{
		{"nil", nil, ""},
		{"validation", Validation("action", "unknown"), CategoryValidation},
		{"conflict is processing", Conflict("X", "dup"), CategoryProcessing},
		{"plain error is processing", errors.New("loader does not exist"), CategoryProcessing},
		{"downstream is system", Downstream("submit", errors.New("refused")), CategorySystem},
		{"deadline is system", fmt.Errorf("exists: %w", context.DeadlineExceeded), CategorySystem},
		{"encryption is system", &EncryptionError{Field: "f", Err: errors.New("x")}, CategorySystem},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CategoryOf(tt.err); got != tt.want {
				t.Errorf("CategoryOf() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestErrorMessages(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{&ValidationError{Field: "name", Message: "is required"}, "name: is required"},
		{&ValidationError{Message: "row is empty"}, "row is empty"},
		{Conflict("ORDERS", "working copy exists"), `conflict on "ORDERS": working copy exists`},
		{&InvalidStateError{Op: "submit", State: "DRAFT", Hint: "use resubmit"}, "invalid state: cannot submit from DRAFT (use resubmit)"},
	}
	for _, tt := range tests {
		if got := tt.err.Error(); got != tt.want {
			t.Errorf("Error() = %q, want %q", got, tt.want)
		}
	}
}
