package auditpack

import (
	"errors"
	"fmt"

	"timevault/api/internal/store"
)

// Stable error codes surfaced on a failed request. lineage_broken is the
// integrity failure this system exists to catch: a correction link target
// that cannot be resolved within the organization's scope.
const (
	CodeRequestNotFound  = "request_not_found"
	CodeScopeInvalid     = "scope_invalid"
	CodeLineageBroken    = "lineage_broken"
	CodeGenerationFailed = "audit_pack_generation_failed"
)

// Error is a generation failure with a stable code.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Errorf builds a coded generation error.
func Errorf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// codeFor derives the error code written to the failed request: the
// error's own code if it carries one, else the generic catch-all.
func codeFor(err error) string {
	var coded *Error
	if errors.As(err, &coded) {
		return coded.Code
	}
	if errors.Is(err, store.ErrRequestNotFound) {
		return CodeRequestNotFound
	}
	return CodeGenerationFailed
}
