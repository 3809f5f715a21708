package errs

// messages.go maps errors to user-facing messages with support codes.
//
// Users quote the code to support staff; the technical error stays in the
// server log. Typed errors are matched first, then a small pattern table
// covers errors that arrive from libraries as plain text.
//
// # Codes
//
//	VAL001 - Invalid input for a field
//	VAL002 - Missing required column in the uploaded sheet
//	VAL003 - Sheet has too many rows
//	CFL001 - A working copy or active version already exists
//	STA001 - Operation not allowed in the current state
//	AUTH001 - Actor lacks permission for the operation
//	ENC001 - Protected field could not be sealed or opened
//	NF001  - Record not found
//	SYS001 - Dependency unavailable or timed out
//	FILE001 - File too large
//	FILE002 - File could not be read as CSV or XLSX
//	FILE003 - Empty file or no file provided
//	IMP001 - Too many imports running
//	ERR000 - Unexpected error

import (
	"fmt"
	"strings"
)

// UserMessage provides user-friendly error information with actionable guidance.
type UserMessage struct {
	Message string // What happened (user-friendly)
	Action  string // What to do about it
	Code    string // Error code for support reference
}

var (
	msgValidation = UserMessage{
		Message: "Some input is invalid",
		Action:  "Correct the highlighted field and try again",
		Code:    "VAL001",
	}
	msgConflict = UserMessage{
		Message: "Another version of this loader is already in progress or active",
		Action:  "Finish or discard the open draft before starting a new one",
		Code:    "CFL001",
	}
	msgInvalidState = UserMessage{
		Message: "This action is not allowed in the version's current state",
		Action:  "Refresh the version and check its state",
		Code:    "STA001",
	}
	msgAuthorization = UserMessage{
		Message: "You are not allowed to perform this action",
		Action:  "Ask a user with the required role",
		Code:    "AUTH001",
	}
	msgEncryption = UserMessage{
		Message: "A protected field could not be processed",
		Action:  "Contact support",
		Code:    "ENC001",
	}
	msgNotFound = UserMessage{
		Message: "Record not found",
		Action:  "Verify the identifier is correct",
		Code:    "NF001",
	}
	msgDownstream = UserMessage{
		Message: "A dependent service is unavailable",
		Action:  "Please try again in a few moments",
		Code:    "SYS001",
	}
)

// errorPattern defines a pattern to match and its corresponding user message.
type errorPattern struct {
	pattern string
	msg     UserMessage
}

// errorPatterns are matched case-insensitively with strings.Contains after
// the typed checks. First match wins.
var errorPatterns = []errorPattern{
	{
		pattern: "missing required column",
		msg: UserMessage{
			Message: "Required column is missing from the sheet",
			Action:  "Download the template and compare the header row",
			Code:    "VAL002",
		},
	},
	{
		pattern: "too many rows",
		msg: UserMessage{
			Message: "The sheet has more rows than a single import allows",
			Action:  "Split the file into smaller batches",
			Code:    "VAL003",
		},
	},
	{
		pattern: "file too large",
		msg: UserMessage{
			Message: "File exceeds maximum size limit",
			Action:  "Split the file into smaller chunks",
			Code:    "FILE001",
		},
	},
	{
		pattern: "unreadable sheet",
		msg: UserMessage{
			Message: "File could not be read",
			Action:  "Upload a CSV or XLSX file",
			Code:    "FILE002",
		},
	},
	{
		pattern: "empty file",
		msg: UserMessage{
			Message: "The uploaded file is empty",
			Action:  "Upload a file with a header row and data rows",
			Code:    "FILE003",
		},
	},
	{
		pattern: "no file provided",
		msg: UserMessage{
			Message: "No file was selected",
			Action:  "Select a CSV or XLSX file to import",
			Code:    "FILE003",
		},
	},
	{
		pattern: "too many concurrent imports",
		msg: UserMessage{
			Message: "System is busy processing other imports",
			Action:  "Please wait a moment and try again",
			Code:    "IMP001",
		},
	},
	{
		pattern: "connection refused",
		msg:     msgDownstream,
	},
	{
		pattern: "context deadline exceeded",
		msg:     msgDownstream,
	},
}

// defaultMessage is returned when nothing matches (ERR000).
var defaultMessage = UserMessage{
	Message: "An unexpected error occurred",
	Action:  "Please try again or contact support",
	Code:    "ERR000",
}

// MapError converts an error to a user-friendly message.
//
// Example:
//
//	msg := MapError(errs.Conflict("ORDERS_DAILY", "working copy exists"))
//	// msg.Code == "CFL001"
func MapError(err error) UserMessage {
	if err == nil {
		return UserMessage{}
	}

	switch {
	case IsValidation(err):
		return msgValidation
	case IsConflict(err):
		return msgConflict
	case IsInvalidState(err):
		return msgInvalidState
	case IsAuthorization(err):
		return msgAuthorization
	case IsEncryption(err):
		return msgEncryption
	case IsNotFound(err):
		return msgNotFound
	case IsDownstream(err):
		return msgDownstream
	}

	errStr := strings.ToLower(err.Error())
	for _, ep := range errorPatterns {
		if strings.Contains(errStr, ep.pattern) {
			return ep.msg
		}
	}

	return defaultMessage
}

// FormatUserError creates a formatted error string for display.
// The format is: "Message (Code: XXX). Action"
func FormatUserError(err error) string {
	msg := MapError(err)
	if msg.Message == "" {
		return ""
	}
	return fmt.Sprintf("%s (Code: %s). %s", msg.Message, msg.Code, msg.Action)
}

// IsUserFacing reports whether err maps to a specific message rather than
// the ERR000 fallback.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}
	return MapError(err).Code != defaultMessage.Code
}
