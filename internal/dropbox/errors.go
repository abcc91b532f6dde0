// Package dropbox provides an HTTP client for the Dropbox v2 API covering
// folder listing, file download and the OAuth2 token endpoint, together with
// the error taxonomy used to decide between retrying, refreshing the access
// token and failing the call.
package dropbox

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failed API call.
type ErrorKind int

const (
	// KindResponseWait is a transport failure: connection refused, timeout, reset.
	KindResponseWait ErrorKind = iota + 1
	// KindResponseBodyAggregate means reading a success body failed midway.
	KindResponseBodyAggregate
	// KindResponseBodyDeserialization means a success body did not match the expected shape.
	KindResponseBodyDeserialization
	// KindErrorBodyAggregate means reading an error body failed midway.
	KindErrorBodyAggregate
	// KindErrorBodyDeserialization means a non-400 error body was not a decodable envelope.
	KindErrorBodyDeserialization
	KindExpiredAccessToken
	KindAccessTokenMalformed
	KindInvalidAuthorizationValue
	KindRefreshTokenMalformed
	KindInvalidClient
	KindUnknownAPIErrorStructure
	KindUnknownAPIErrorResult
	// KindRoutine is a call-specific error such as path/not_found.
	KindRoutine
)

// Sentinel errors, one per ErrorKind. APIError unwraps to the sentinel of its
// kind so callers can use errors.Is(err, dropbox.ErrExpiredAccessToken).
var (
	ErrResponseWait                = errors.New("dropbox: no response from server")
	ErrResponseBodyAggregate       = errors.New("dropbox: reading response body failed")
	ErrResponseBodyDeserialization = errors.New("dropbox: unexpected response body")
	ErrErrorBodyAggregate          = errors.New("dropbox: reading error body failed")
	ErrErrorBodyDeserialization    = errors.New("dropbox: undecodable error body")
	ErrExpiredAccessToken          = errors.New("dropbox: access token expired")
	ErrAccessTokenMalformed        = errors.New("dropbox: access token malformed")
	ErrInvalidAuthorizationValue   = errors.New("dropbox: invalid authorization header")
	ErrRefreshTokenMalformed       = errors.New("dropbox: refresh token malformed")
	ErrInvalidClient               = errors.New("dropbox: invalid client id or client secret")
	ErrUnknownAPIErrorStructure    = errors.New("dropbox: unknown API error structure")
	ErrUnknownAPIErrorResult       = errors.New("dropbox: unknown API error result")
	ErrRoutine                     = errors.New("dropbox: call failed")
)

// Routine (call-specific) sentinels.
var (
	ErrPathNotFound     = errors.New("dropbox: path not found")
	ErrFileNotFound     = errors.New("dropbox: file not found")
	ErrNotFolder        = errors.New("dropbox: path is not a folder")
	ErrNotFile          = errors.New("dropbox: path is not a file")
	ErrCursorReset      = errors.New("dropbox: listing cursor was reset")
	ErrInvalidGrant     = errors.New("dropbox: authorization grant rejected")
	ErrMissingResultHdr = errors.New("dropbox: download result header missing")
)

var kindInfo = map[ErrorKind]struct {
	name      string
	sentinel  error
	permanent bool
}{
	KindResponseWait:                {"response wait", ErrResponseWait, false},
	KindResponseBodyAggregate:       {"response body aggregate", ErrResponseBodyAggregate, false},
	KindResponseBodyDeserialization: {"response body deserialization", ErrResponseBodyDeserialization, true},
	KindErrorBodyAggregate:          {"error body aggregate", ErrErrorBodyAggregate, false},
	KindErrorBodyDeserialization:    {"error body deserialization", ErrErrorBodyDeserialization, false},
	KindExpiredAccessToken:          {"expired access token", ErrExpiredAccessToken, true},
	KindAccessTokenMalformed:        {"access token malformed", ErrAccessTokenMalformed, true},
	KindInvalidAuthorizationValue:   {"invalid authorization value", ErrInvalidAuthorizationValue, true},
	KindRefreshTokenMalformed:       {"refresh token malformed", ErrRefreshTokenMalformed, true},
	KindInvalidClient:               {"invalid client", ErrInvalidClient, true},
	KindUnknownAPIErrorStructure:    {"unknown api error structure", ErrUnknownAPIErrorStructure, true},
	KindUnknownAPIErrorResult:       {"unknown api error result", ErrUnknownAPIErrorResult, true},
	KindRoutine:                     {"routine", ErrRoutine, true},
}

func (k ErrorKind) String() string {
	if info, ok := kindInfo[k]; ok {
		return info.name
	}

	return fmt.Sprintf("kind(%d)", int(k))
}

// APIError describes a failed Dropbox call. It unwraps to the sentinel for its
// Kind, to the routine error (if any), to the transport cause (if any) and to
// the refresh failure attached by the token-refresh path (if any).
type APIError struct {
	Kind    ErrorKind
	Action  string // e.g. "list_folder", "download", "token"
	Status  int    // HTTP status, 0 when no response arrived
	Summary string // error_summary from the envelope
	Raw     string // raw error body, kept for diagnosis
	Routine error
	Cause   error

	// RefreshErr is set when this was a token error and the refresh that
	// followed it failed too.
	RefreshErr error
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("dropbox: %s: %s", e.Action, e.Kind)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (HTTP %d)", e.Status)
	}

	switch {
	case e.Routine != nil:
		msg += ": " + e.Routine.Error()
	case e.Cause != nil:
		msg += ": " + e.Cause.Error()
	case e.Summary != "":
		msg += ": " + e.Summary
	}

	if e.RefreshErr != nil {
		msg += "; token refresh failed: " + e.RefreshErr.Error()
	}

	return msg
}

func (e *APIError) Unwrap() []error {
	errs := make([]error, 0, 4)
	if info, ok := kindInfo[e.Kind]; ok {
		errs = append(errs, info.sentinel)
	}

	for _, err := range []error{e.Routine, e.Cause, e.RefreshErr} {
		if err != nil {
			errs = append(errs, err)
		}
	}

	return errs
}

// Permanent reports whether retrying the same request cannot succeed.
func (e *APIError) Permanent() bool {
	info, ok := kindInfo[e.Kind]
	if !ok {
		return true
	}

	return info.permanent
}

// IsTokenError reports whether the access token was rejected, which makes the
// call eligible for a refresh followed by one retry.
func (e *APIError) IsTokenError() bool {
	switch e.Kind {
	case KindExpiredAccessToken, KindAccessTokenMalformed, KindInvalidAuthorizationValue:
		return true
	default:
		return false
	}
}

// AttachRefreshError records that refreshing the token after this error failed.
func (e *APIError) AttachRefreshError(err error) {
	e.RefreshErr = err
}

// IsTransient reports whether err is an API error worth retrying with backoff.
// Anything that is not an *APIError (context cancellation, local I/O) is
// treated as permanent.
func IsTransient(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return !apiErr.Permanent()
	}

	return false
}

// IsTokenError reports whether err carries a rejected access token.
func IsTokenError(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.IsTokenError()
	}

	return false
}

// LookupError is the routine error for a path lookup failure. Err is one of
// the routine sentinels, or nil for tags without a sentinel.
type LookupError struct {
	Path string
	Tag  string
	Err  error
}

func (e *LookupError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s", e.Err.Error(), e.Path)
	}

	return fmt.Sprintf("dropbox: lookup %s failed: %s", e.Path, e.Tag)
}

func (e *LookupError) Unwrap() error {
	return e.Err
}

// OAuthError is the routine error returned by the token endpoint.
type OAuthError struct {
	Code        string
	Description string
}

func (e *OAuthError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("dropbox: oauth %s: %s", e.Code, e.Description)
	}

	return "dropbox: oauth " + e.Code
}

func (e *OAuthError) Unwrap() error {
	if e.Code == "invalid_grant" {
		return ErrInvalidGrant
	}

	return nil
}

// DownloadStage names the local step of a download that failed.
type DownloadStage string

const (
	StageCreate    DownloadStage = "create"
	StageChunkRead DownloadStage = "chunk read"
	StageWrite     DownloadStage = "write"
	StageSync      DownloadStage = "sync"
	StageRename    DownloadStage = "rename"
)

// DownloadError reports a failure while writing a downloaded file locally or
// while reading the body stream. Offset is the byte count written so far.
type DownloadError struct {
	Stage  DownloadStage
	Path   string
	Offset int64
	Err    error
}

func (e *DownloadError) Error() string {
	return fmt.Sprintf("dropbox: download %s failed at byte %d (%s): %v", e.Stage, e.Offset, e.Path, e.Err)
}

func (e *DownloadError) Unwrap() error {
	return e.Err
}
