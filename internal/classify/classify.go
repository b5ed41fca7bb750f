// Package classify maps raw provider failures onto a closed error taxonomy.
// Classification happens once, at the failure site; every consumer reads the
// static metadata off the resulting type instead of re-deriving it from text.
package classify

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/syncguard/syncguard/internal/core/domain"
)

// ErrorType is one member of the closed failure taxonomy.
type ErrorType string

const (
	TokenExpired            ErrorType = "TOKEN_EXPIRED"
	InvalidCredentials      ErrorType = "INVALID_CREDENTIALS"
	InsufficientPermissions ErrorType = "INSUFFICIENT_PERMISSIONS"
	StorageQuotaExceeded    ErrorType = "STORAGE_QUOTA_EXCEEDED"
	APIQuotaExceeded        ErrorType = "API_QUOTA_EXCEEDED"
	NetworkError            ErrorType = "NETWORK_ERROR"
	Timeout                 ErrorType = "TIMEOUT"
	ServiceUnavailable      ErrorType = "SERVICE_UNAVAILABLE"
	FileNotFound            ErrorType = "FILE_NOT_FOUND"
	FolderAccessDenied      ErrorType = "FOLDER_ACCESS_DENIED"
	InvalidFileType         ErrorType = "INVALID_FILE_TYPE"
	FileTooLarge            ErrorType = "FILE_TOO_LARGE"
	InvalidFileContent      ErrorType = "INVALID_FILE_CONTENT"
	UnknownError            ErrorType = "UNKNOWN_ERROR"
)

// Severity grades how loudly a failure should surface.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Metadata is the static behavior attached to an error type.
type Metadata struct {
	Recoverable          bool
	RequiresIntervention bool
	Severity             Severity
	// Template is rendered with the provider display name; context values are
	// appended as a hint when present.
	Template string
}

// metadata is the closed table behind Lookup. Adding a taxonomy member means
// adding a row here, nowhere else.
var metadata = map[ErrorType]Metadata{
	TokenExpired:            {false, true, SeverityHigh, "Your %s session has expired. Please reconnect your account."},
	InvalidCredentials:      {false, true, SeverityHigh, "%s rejected the stored credentials. Please reconnect your account."},
	InsufficientPermissions: {false, true, SeverityHigh, "The app no longer has the required permissions on %s. Please reconnect and grant access."},
	StorageQuotaExceeded:    {false, false, SeverityMedium, "Your %s storage is full. Free up space or upgrade your plan, then retry."},
	APIQuotaExceeded:        {false, false, SeverityMedium, "%s is rate limiting requests for this account. Uploads will resume later."},
	NetworkError:            {true, false, SeverityLow, "A network problem interrupted the connection to %s. The upload will be retried automatically."},
	Timeout:                 {true, false, SeverityLow, "The request to %s timed out. The upload will be retried automatically."},
	ServiceUnavailable:      {true, false, SeverityMedium, "%s is temporarily unavailable. The upload will be retried automatically."},
	FileNotFound:            {false, false, SeverityMedium, "The target file or folder no longer exists on %s."},
	FolderAccessDenied:      {false, false, SeverityMedium, "Access to the destination folder on %s was denied."},
	InvalidFileType:         {false, false, SeverityMedium, "%s does not accept this file type."},
	FileTooLarge:            {false, false, SeverityMedium, "The file exceeds the size limit allowed by %s."},
	InvalidFileContent:      {false, false, SeverityMedium, "%s rejected the file content as invalid."},
	UnknownError:            {false, false, SeverityMedium, "An unexpected error occurred while talking to %s: %s"},
}

// Meta returns the static metadata for the error type. Unknown members fall
// back to the UNKNOWN_ERROR row so stored values from newer versions never
// panic older readers.
func (t ErrorType) Meta() Metadata {
	if m, ok := metadata[t]; ok {
		return m
	}
	return metadata[UnknownError]
}

// Recoverable reports whether a plain retry is expected to succeed.
func (t ErrorType) Recoverable() bool { return t.Meta().Recoverable }

// RequiresIntervention reports whether a human must reconnect the account.
func (t ErrorType) RequiresIntervention() bool { return t.Meta().RequiresIntervention }

// Severity returns the static severity grade.
func (t ErrorType) Severity() Severity { return t.Meta().Severity }

// AuthRelated reports whether the failure indicates broken authentication
// rather than a transient or file-level problem.
func (t ErrorType) AuthRelated() bool {
	switch t {
	case TokenExpired, InvalidCredentials, InsufficientPermissions:
		return true
	}
	return false
}

// ClassifiedError couples the raw failure with its taxonomy member and any
// structured context extracted at the failure site.
type ClassifiedError struct {
	Type    ErrorType
	Cause   error
	Context map[string]string
}

func (e *ClassifiedError) Error() string {
	if e.Cause == nil {
		return string(e.Type)
	}
	return fmt.Sprintf("%s: %v", e.Type, e.Cause)
}

func (e *ClassifiedError) Unwrap() error { return e.Cause }

// StatusError carries an HTTP status from a provider response so Classify can
// map it without string matching.
type StatusError struct {
	StatusCode int
	Body       string
	RetryAfter string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

// Classify maps a raw provider failure onto the taxonomy. This is the only
// place that inspects the error; everything downstream uses the type's
// metadata.
func Classify(err error) *ClassifiedError {
	if err == nil {
		return nil
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &ClassifiedError{Type: Timeout, Cause: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return &ClassifiedError{Type: Timeout, Cause: err}
		}
		return &ClassifiedError{Type: NetworkError, Cause: err}
	}

	var se *StatusError
	if errors.As(err, &se) {
		return classifyStatus(se, err)
	}

	return classifyText(err)
}

func classifyStatus(se *StatusError, cause error) *ClassifiedError {
	ctx := map[string]string{}
	if se.RetryAfter != "" {
		ctx["retry_after"] = se.RetryAfter
	}
	if len(ctx) == 0 {
		ctx = nil
	}

	body := strings.ToLower(se.Body)
	switch {
	case se.StatusCode == 401:
		if strings.Contains(body, "expired") {
			return &ClassifiedError{Type: TokenExpired, Cause: cause, Context: ctx}
		}
		return &ClassifiedError{Type: InvalidCredentials, Cause: cause, Context: ctx}
	case se.StatusCode == 403:
		if strings.Contains(body, "quota") || strings.Contains(body, "storage") {
			return &ClassifiedError{Type: StorageQuotaExceeded, Cause: cause, Context: ctx}
		}
		if strings.Contains(body, "rate") || strings.Contains(body, "limit") {
			return &ClassifiedError{Type: APIQuotaExceeded, Cause: cause, Context: ctx}
		}
		return &ClassifiedError{Type: InsufficientPermissions, Cause: cause, Context: ctx}
	case se.StatusCode == 404:
		return &ClassifiedError{Type: FileNotFound, Cause: cause, Context: ctx}
	case se.StatusCode == 413:
		return &ClassifiedError{Type: FileTooLarge, Cause: cause, Context: ctx}
	case se.StatusCode == 415 || se.StatusCode == 422:
		return &ClassifiedError{Type: InvalidFileType, Cause: cause, Context: ctx}
	case se.StatusCode == 429:
		return &ClassifiedError{Type: APIQuotaExceeded, Cause: cause, Context: ctx}
	case se.StatusCode == 408 || se.StatusCode == 504:
		return &ClassifiedError{Type: Timeout, Cause: cause, Context: ctx}
	case se.StatusCode >= 500:
		return &ClassifiedError{Type: ServiceUnavailable, Cause: cause, Context: ctx}
	}
	return &ClassifiedError{Type: UnknownError, Cause: cause, Context: ctx}
}

func classifyText(err error) *ClassifiedError {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "invalid_grant"), strings.Contains(msg, "token expired"), strings.Contains(msg, "token has expired"):
		return &ClassifiedError{Type: TokenExpired, Cause: err}
	case strings.Contains(msg, "invalid_client"), strings.Contains(msg, "unauthorized"), strings.Contains(msg, "invalid credentials"):
		return &ClassifiedError{Type: InvalidCredentials, Cause: err}
	case strings.Contains(msg, "insufficient"), strings.Contains(msg, "permission"), strings.Contains(msg, "forbidden"):
		return &ClassifiedError{Type: InsufficientPermissions, Cause: err}
	case strings.Contains(msg, "storage quota"), strings.Contains(msg, "storage full"), strings.Contains(msg, "insufficientstorage"):
		return &ClassifiedError{Type: StorageQuotaExceeded, Cause: err}
	case strings.Contains(msg, "rate limit"), strings.Contains(msg, "too many requests"), strings.Contains(msg, "quota exceeded"):
		return &ClassifiedError{Type: APIQuotaExceeded, Cause: err}
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline exceeded"):
		return &ClassifiedError{Type: Timeout, Cause: err}
	case strings.Contains(msg, "connection refused"), strings.Contains(msg, "connection reset"), strings.Contains(msg, "no such host"), strings.Contains(msg, "network"):
		return &ClassifiedError{Type: NetworkError, Cause: err}
	case strings.Contains(msg, "service unavailable"), strings.Contains(msg, "bad gateway"):
		return &ClassifiedError{Type: ServiceUnavailable, Cause: err}
	case strings.Contains(msg, "not found"):
		return &ClassifiedError{Type: FileNotFound, Cause: err}
	case strings.Contains(msg, "access denied"):
		return &ClassifiedError{Type: FolderAccessDenied, Cause: err}
	case strings.Contains(msg, "file too large"), strings.Contains(msg, "exceeds the maximum"):
		return &ClassifiedError{Type: FileTooLarge, Cause: err}
	case strings.Contains(msg, "unsupported file"), strings.Contains(msg, "invalid file type"):
		return &ClassifiedError{Type: InvalidFileType, Cause: err}
	case strings.Contains(msg, "malformed"), strings.Contains(msg, "invalid content"):
		return &ClassifiedError{Type: InvalidFileContent, Cause: err}
	}
	return &ClassifiedError{Type: UnknownError, Cause: err}
}

// UserMessage renders the human-readable message for a failure: the type's
// template with the provider display name, plus context hints. Never a raw
// exception string.
func UserMessage(t ErrorType, provider domain.Provider, context map[string]string) string {
	meta := t.Meta()
	name := provider.DisplayName()

	var msg string
	if t == UnknownError || strings.Count(meta.Template, "%s") == 2 {
		detail := "no further detail is available"
		if context != nil && context["detail"] != "" {
			detail = context["detail"]
		}
		msg = fmt.Sprintf(meta.Template, name, detail)
	} else {
		msg = fmt.Sprintf(meta.Template, name)
	}

	if context != nil && context["retry_after"] != "" {
		msg += fmt.Sprintf(" The provider suggests retrying after %s.", context["retry_after"])
	}
	return msg
}
