package domain

import (
	"errors"
	"fmt"
)

type ErrorCode string

const (
	CodeInvalidArgument  ErrorCode = "INVALID_ARGUMENT"
	CodeNotFound         ErrorCode = "NOT_FOUND"
	CodeUnavailable      ErrorCode = "UNAVAILABLE"
	CodeFailedPrecond    ErrorCode = "FAILED_PRECONDITION"
	CodePermissionDenied ErrorCode = "PERMISSION_DENIED"
	CodeApprovalRequired ErrorCode = "APPROVAL_REQUIRED"
	CodeInternal         ErrorCode = "INTERNAL"
	CodeDeadlineExceeded ErrorCode = "DEADLINE_EXCEEDED"
)

var (
	ErrOwnerNotFound       = errors.New("owner not found")
	ErrToolNotFound        = errors.New("tool not found")
	ErrPolicyNotFound      = errors.New("policy not found")
	ErrPolicyDenied        = errors.New("policy denied")
	ErrApprovalRequired    = errors.New("approval required")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrToolUnavailable     = errors.New("tool unavailable")
)

type Error struct {
	Code    ErrorCode
	Op      string
	Message string
	Cause   error
	Meta    map[string]string
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	if e.Op == "" {
		if msg == "" {
			return string(e.Code)
		}
		return fmt.Sprintf("%s: %s", e.Code, msg)
	}
	if msg == "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Code)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Code, msg)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

func E(code ErrorCode, op, msg string, cause error) *Error {
	if msg == "" && cause != nil {
		msg = cause.Error()
	}
	return &Error{
		Code:    code,
		Op:      op,
		Message: msg,
		Cause:   cause,
	}
}

func Wrap(code ErrorCode, op string, err error) *Error {
	if err == nil {
		return nil
	}
	var existing *Error
	if errors.As(err, &existing) {
		if existing.Op != "" || op == "" {
			return existing
		}
		return &Error{
			Code:    existing.Code,
			Op:      op,
			Message: existing.Message,
			Cause:   existing.Cause,
			Meta:    existing.Meta,
		}
	}
	return E(code, op, "", err)
}

func CodeFrom(err error) (ErrorCode, bool) {
	if err == nil {
		return "", false
	}
	var domainErr *Error
	if errors.As(err, &domainErr) && domainErr.Code != "" {
		return domainErr.Code, true
	}
	switch {
	case errors.Is(err, ErrOwnerNotFound), errors.Is(err, ErrToolNotFound), errors.Is(err, ErrPolicyNotFound):
		return CodeNotFound, true
	case errors.Is(err, ErrPolicyDenied):
		return CodePermissionDenied, true
	case errors.Is(err, ErrApprovalRequired):
		return CodeApprovalRequired, true
	case errors.Is(err, ErrUpstreamUnavailable):
		return CodeUnavailable, true
	case errors.Is(err, ErrToolUnavailable):
		return CodeFailedPrecond, true
	default:
		return "", false
	}
}
