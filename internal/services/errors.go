package services

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/sys/unix"
)

var (
	ErrContention    = errors.New("contention")
	ErrTransient     = errors.New("transient failure")
	ErrResource      = errors.New("resource error")
	ErrTimeout       = errors.New("timeout")
	ErrSubprocess    = errors.New("subprocess failure")
	ErrValidation    = errors.New("validation error")
	ErrConfiguration = errors.New("configuration error")
	ErrNotFound      = errors.New("not found")
	ErrLedger        = errors.New("ledger error")
)

// ErrorKind is the stable label stored on failed job handles and sent to
// broadcasters.
type ErrorKind string

const (
	KindNone          ErrorKind = ""
	KindContention    ErrorKind = "contention"
	KindTransient     ErrorKind = "transient"
	KindResource      ErrorKind = "resource"
	KindTimeout       ErrorKind = "timeout"
	KindSubprocess    ErrorKind = "subprocess"
	KindValidation    ErrorKind = "validation"
	KindConfiguration ErrorKind = "configuration"
	KindNotFound      ErrorKind = "not_found"
	KindLedger        ErrorKind = "ledger"
	KindInternal      ErrorKind = "internal"
)

const (
	maxUserMessageLen  = 512
	userMessageHeadLen = 160
	userMessageElision = " ... "
)

// Wrap builds an error message that includes stage context while tagging it with
// the provided marker for later classification. The marker should be one of the
// exported sentinel errors above.
func Wrap(marker error, stage, operation, message string, err error) error {
	detail := buildDetail(stage, operation, message)
	if marker == nil {
		marker = ErrTransient
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// TimeoutError reports which supervision timer fired and its threshold.
type TimeoutError struct {
	Which     string
	Threshold time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timeout after %s", e.Which, e.Threshold)
}

// Is lets errors.Is(err, ErrTimeout) match timeout causes.
func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// GracefulStop asks subprocess supervision to send SIGTERM and wait for the
// grace period before killing.
func (e *TimeoutError) GracefulStop() bool { return true }

// KindOf maps an error to its ErrorKind. Unmarked errors are classified by
// inspecting the underlying operating-system failure.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrTimeout):
		return KindTimeout
	case errors.Is(err, ErrContention):
		return KindContention
	case errors.Is(err, ErrSubprocess):
		return KindSubprocess
	case errors.Is(err, ErrResource):
		return KindResource
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrConfiguration):
		return KindConfiguration
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrLedger):
		return KindLedger
	case errors.Is(err, ErrTransient):
		return KindTransient
	case IsResourceFailure(err):
		return KindResource
	default:
		return KindInternal
	}
}

// IsResourceFailure reports whether err stems from the host environment rather
// than the content being processed.
func IsResourceFailure(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrPermission) {
		return true
	}
	for _, errno := range []unix.Errno{unix.ENOSPC, unix.EDQUOT, unix.EACCES, unix.EPERM, unix.EROFS, unix.EMFILE} {
		if errors.Is(err, errno) {
			return true
		}
	}
	return false
}

// UserMessage returns the caller-facing text for err, truncated for display.
// Long messages keep their opening context and their end, where subprocess
// failures carry the last output lines.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, ErrContention) {
		return "already being processed, please wait and try again shortly"
	}
	return elide(strings.TrimSpace(err.Error()), maxUserMessageLen)
}

// elide shortens msg to at most limit bytes by dropping its middle. Cuts fall
// on rune boundaries.
func elide(msg string, limit int) string {
	if len(msg) <= limit {
		return msg
	}
	head := userMessageHeadLen
	for head > 0 && !utf8.RuneStart(msg[head]) {
		head--
	}
	tail := len(msg) - (limit - userMessageHeadLen - len(userMessageElision))
	for tail < len(msg) && !utf8.RuneStart(msg[tail]) {
		tail++
	}
	return msg[:head] + userMessageElision + msg[tail:]
}

func buildDetail(stage, operation, message string) string {
	parts := make([]string, 0, 3)
	if stage = strings.TrimSpace(stage); stage != "" {
		parts = append(parts, stage)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}
