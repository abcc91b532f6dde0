package dropbox

import (
	"encoding/json"
	"net/http"
	"strings"
)

// Substrings Dropbox puts in plain-text 400 bodies. These arrive before any
// structured envelope can be decoded, so they are matched first.
var badRequestMarkers = []struct {
	substr string
	kind   ErrorKind
}{
	{"The given OAuth 2 access token is malformed", KindAccessTokenMalformed},
	{"Invalid authorization value in HTTP header", KindInvalidAuthorizationValue},
	{"refresh token is malformed", KindRefreshTokenMalformed},
	{"invalid_client", KindInvalidClient},
	{"Invalid client_id or client_secret", KindInvalidClient},
}

// errorEnvelope is the standard Dropbox error body.
type errorEnvelope struct {
	ErrorSummary string          `json:"error_summary"`
	Error        json.RawMessage `json:"error"`
}

// tag is the discriminator of a Dropbox tagged union.
type tag struct {
	Tag string `json:".tag"`
}

// Base-level tags shared by every endpoint.
const (
	tagExpiredAccessToken = "expired_access_token"
	tagInvalidAccessToken = "invalid_access_token"
)

// classifyErrorBody turns a non-success response into an *APIError. The
// routine part of the envelope is decoded into R and handed to convert, which
// maps it to the calling operation's own error; convert returns nil for tags
// it does not recognise.
func classifyErrorBody[R any](action string, status int, body []byte, convert func(R) error) *APIError {
	raw := string(body)
	base := &APIError{Action: action, Status: status, Raw: raw}

	if status == http.StatusBadRequest {
		if kind, ok := matchBadRequest(raw); ok {
			base.Kind = kind
			base.Summary = firstLine(raw)

			return base
		}
	}

	var env errorEnvelope
	if err := json.Unmarshal(body, &env); err != nil || len(env.Error) == 0 {
		if status == http.StatusBadRequest {
			base.Kind = KindUnknownAPIErrorResult
		} else {
			base.Kind = KindErrorBodyDeserialization
			base.Cause = err
		}

		base.Summary = firstLine(raw)

		return base
	}

	base.Summary = env.ErrorSummary

	var t tag
	if err := json.Unmarshal(env.Error, &t); err == nil {
		switch t.Tag {
		case tagExpiredAccessToken:
			base.Kind = KindExpiredAccessToken
			return base
		case tagInvalidAccessToken:
			base.Kind = KindAccessTokenMalformed
			return base
		}
	}

	var routine R
	if err := json.Unmarshal(env.Error, &routine); err == nil && convert != nil {
		if routineErr := convert(routine); routineErr != nil {
			base.Kind = KindRoutine
			base.Routine = routineErr

			return base
		}
	}

	base.Kind = KindUnknownAPIErrorStructure

	return base
}

// oauthErrorBody is the RFC 6749 error body returned by the token endpoint.
type oauthErrorBody struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// classifyTokenErrorBody handles token endpoint failures, whose bodies follow
// the OAuth2 shape rather than the Dropbox envelope.
func classifyTokenErrorBody(action string, status int, body []byte) *APIError {
	if status == http.StatusBadRequest {
		if kind, ok := matchBadRequest(string(body)); ok {
			return &APIError{Kind: kind, Action: action, Status: status, Raw: string(body), Summary: firstLine(string(body))}
		}
	}

	var oe oauthErrorBody
	if err := json.Unmarshal(body, &oe); err == nil && oe.Error != "" {
		return &APIError{
			Kind:    KindRoutine,
			Action:  action,
			Status:  status,
			Raw:     string(body),
			Summary: oe.Error,
			Routine: &OAuthError{Code: oe.Error, Description: oe.ErrorDescription},
		}
	}

	return classifyErrorBody[tag](action, status, body, nil)
}

func matchBadRequest(body string) (ErrorKind, bool) {
	for _, m := range badRequestMarkers {
		if strings.Contains(body, m.substr) {
			return m.kind, true
		}
	}

	return 0, false
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}

	const maxSummary = 200
	if len(s) > maxSummary {
		s = s[:maxSummary]
	}

	return s
}

// lookupRoutine is the routine error of calls that resolve a path:
// {".tag": "path", "path": {".tag": "not_found"}}.
type lookupRoutine struct {
	Tag  string `json:".tag"`
	Path tag    `json:"path"`
}

// lookupConverter builds the routine converter for a path lookup. notFound is
// the sentinel used for path/not_found so listing and download failures stay
// distinguishable.
func lookupConverter(path string, notFound error) func(lookupRoutine) error {
	return func(r lookupRoutine) error {
		switch r.Tag {
		case "path":
			le := &LookupError{Path: path, Tag: r.Path.Tag}

			switch r.Path.Tag {
			case "not_found":
				le.Err = notFound
			case "not_folder":
				le.Err = ErrNotFolder
			case "not_file":
				le.Err = ErrNotFile
			}

			return le
		case "reset":
			return &LookupError{Path: path, Tag: r.Tag, Err: ErrCursorReset}
		default:
			return nil
		}
	}
}
