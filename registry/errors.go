package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/opencontainers/go-digest"
)

// ErrNoErrorsInBody is returned when an HTTP response body parses to an
// empty error list.
var ErrNoErrorsInBody = errors.New("no error details found in HTTP response body")

// Error is a single error returned by the registry API, following the
// errors format of the v2 API error spec.
type Error struct {
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Detail  json.RawMessage `json:"detail,omitempty"`
}

func (e Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Errors is the envelope carrying one or more API errors on the wire.
type Errors []Error

func (errs Errors) Error() string {
	switch len(errs) {
	case 0:
		return "<nil>"
	case 1:
		return errs[0].Error()
	default:
		msg := "errors:\n"
		for _, err := range errs {
			msg += err.Error() + "\n"
		}
		return msg
	}
}

// UnauthorizedError is returned when the registry rejected the request with
// 401 after authentication was exhausted.
type UnauthorizedError struct {
	// Challenge carries the WWW-Authenticate header of the final
	// response.
	Challenge string
	Errors    Errors
}

func (e *UnauthorizedError) Error() string {
	if len(e.Errors) > 0 {
		return fmt.Sprintf("unauthorized: %s", e.Errors.Error())
	}
	return "unauthorized"
}

// ForbiddenError is returned on 403.
type ForbiddenError struct {
	Errors Errors
}

func (e *ForbiddenError) Error() string {
	if len(e.Errors) > 0 {
		return fmt.Sprintf("forbidden: %s", e.Errors.Error())
	}
	return "forbidden"
}

// ManifestNotFoundError is returned when the requested manifest does not
// exist in the repository.
type ManifestNotFoundError struct {
	Repository string
	Reference  string
}

func (e *ManifestNotFoundError) Error() string {
	return fmt.Sprintf("manifest %s:%s not found", e.Repository, e.Reference)
}

// BlobNotFoundError is returned when a blob is absent. On pulls this is
// fatal; on pushes it signals registry refusal of the upload.
type BlobNotFoundError struct {
	Repository string
	Digest     digest.Digest
}

func (e *BlobNotFoundError) Error() string {
	return fmt.Sprintf("blob %s not found in %s", e.Digest, e.Repository)
}

// UnexpectedHTTPStatusError is returned when an unexpected HTTP status is
// returned when making a registry api call.
type UnexpectedHTTPStatusError struct {
	Status string
}

func (e *UnexpectedHTTPStatusError) Error() string {
	return fmt.Sprintf("received unexpected HTTP status: %s", e.Status)
}

// UnexpectedHTTPResponseError is returned when an expected HTTP status code
// is returned, but the content was unexpected and failed to be parsed.
type UnexpectedHTTPResponseError struct {
	ParseErr   error
	StatusCode int
	Response   []byte
}

func (e *UnexpectedHTTPResponseError) Error() string {
	return fmt.Sprintf("error parsing HTTP %d response body: %s: %q", e.StatusCode, e.ParseErr.Error(), string(e.Response))
}

func parseHTTPErrorResponse(statusCode int, r io.Reader) error {
	body, err := io.ReadAll(io.LimitReader(r, 64<<10))
	if err != nil {
		return err
	}

	var errs struct {
		Errors Errors `json:"errors"`
	}
	if err := json.Unmarshal(body, &errs); err != nil {
		return &UnexpectedHTTPResponseError{
			ParseErr:   err,
			StatusCode: statusCode,
			Response:   body,
		}
	}
	if len(errs.Errors) == 0 {
		return ErrNoErrorsInBody
	}
	return errs.Errors
}

// HandleErrorResponse translates an unsuccessful HTTP response into a typed
// error. 401 responses are handled by the authorizer before this is
// reached; one arriving here means authentication is exhausted.
func HandleErrorResponse(resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		err := &UnauthorizedError{Challenge: resp.Header.Get("WWW-Authenticate")}
		if parsed, ok := parseHTTPErrorResponse(resp.StatusCode, resp.Body).(Errors); ok {
			err.Errors = parsed
		}
		return err
	case resp.StatusCode == http.StatusForbidden:
		err := &ForbiddenError{}
		if parsed, ok := parseHTTPErrorResponse(resp.StatusCode, resp.Body).(Errors); ok {
			err.Errors = parsed
		}
		return err
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return parseHTTPErrorResponse(resp.StatusCode, resp.Body)
	}
	return &UnexpectedHTTPStatusError{Status: resp.Status}
}

// SuccessStatus returns true if the argument is a successful HTTP response
// code (in the range 200 - 399 inclusive).
func SuccessStatus(status int) bool {
	return status >= 200 && status <= 399
}
