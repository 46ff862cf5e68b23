package supaclient

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"chillspace/pkg/apperr"
)

// apiError is the error body shared by the REST, storage and auth
// endpoints; each fills a different subset.
type apiError struct {
	Code             any    `json:"code"`
	Message          string `json:"message"`
	Msg              string `json:"msg"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
	StatusCode       string `json:"statusCode"`
	Details          string `json:"details"`
	Hint             string `json:"hint"`
}

func (e apiError) code() string {
	if e.Code == nil {
		return ""
	}
	return fmt.Sprint(e.Code)
}

func (e apiError) text() string {
	for _, s := range []string{e.Message, e.Msg, e.ErrorDescription, e.Error} {
		if s != "" {
			return s
		}
	}
	return ""
}

// Postgres and PostgREST codes that decide the error kind regardless of
// the HTTP status.
const (
	pgUniqueViolation = "23505"
	pgForeignKey      = "23503"
	pgCheckViolation  = "23514"
	pgrstNoRows       = "PGRST116"
	pgrstJWTExpired   = "PGRST301"
)

// statusError maps a failed response onto the error kinds.
func statusError(op string, status int, body []byte) error {
	var e apiError
	_ = json.Unmarshal(body, &e)
	msg := e.text()
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}
	if msg == "" {
		msg = http.StatusText(status)
	}
	cause := fmt.Errorf("HTTP %d: %s", status, msg)

	switch code := e.code(); {
	case code == pgUniqueViolation || e.StatusCode == "409" && status != http.StatusNotFound:
		return apperr.Conflict(op, cause)
	case code == pgForeignKey || code == pgCheckViolation:
		return apperr.Wrap(apperr.ErrValidation, op, cause)
	case code == pgrstNoRows:
		return apperr.NotFound(op, msg)
	case code == pgrstJWTExpired:
		return apperr.Wrap(apperr.ErrAuthentication, op, cause)
	}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return apperr.Wrap(apperr.ErrAuthentication, op, cause)
	case status == http.StatusConflict:
		return apperr.Conflict(op, cause)
	case status == http.StatusNotFound || status == http.StatusNotAcceptable:
		return apperr.NotFound(op, msg)
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity || status == http.StatusRequestEntityTooLarge:
		return apperr.Wrap(apperr.ErrValidation, op, cause)
	case status == http.StatusTooManyRequests || status >= 500:
		return apperr.Transient(op, cause)
	default:
		return apperr.Transient(op, errors.Join(cause, errors.New("unexpected status")))
	}
}
