package domain

import (
	"net/http"

	"github.com/pkg/errors"
)

var (
	ErrInvalidInput   = NewErr("INVALID_INPUT", "invalid input", http.StatusBadRequest)
	ErrPasteTooLarge  = NewErr("PASTE_TOO_LARGE", "paste too large", http.StatusBadRequest)
	ErrPasteNotFound  = NewErr("PASTE_NOT_FOUND", "paste not found", http.StatusNotFound)
	ErrPasteExpired   = NewErr("PASTE_EXPIRED", "paste expired", http.StatusNotFound)
	ErrUnavailable    = NewErr("STORAGE_UNAVAILABLE", "service unavailable", http.StatusServiceUnavailable)
	ErrShuttingDown   = NewErr("SHUTTING_DOWN", "service unavailable", http.StatusServiceUnavailable)
	ErrInvalidRequest = NewErr("INVALID_REQUEST", "invalid request", http.StatusBadRequest)
	ErrInternalServer = NewErr("INTERNAL_ERROR", "internal error", http.StatusInternalServerError)
)

type Err struct {
	Code   string `json:"code"`
	Msg    string `json:"message"`
	Status int    `json:"-"`
}

func (e *Err) Error() string { return e.Msg }
func NewErr(code, msg string, status int) *Err {
	return &Err{Code: code, Msg: msg, Status: status}
}

type ErrResp struct {
	Error ErrDetail `json:"error"`
}
type ErrDetail struct {
	Code string                 `json:"code"`
	Msg  string                 `json:"message"`
	Meta map[string]interface{} `json:"meta,omitempty"`
}

func ToResp(err error) ErrResp {
	if e, ok := errors.Cause(err).(*Err); ok {
		return ErrResp{Error: ErrDetail{Code: e.Code, Msg: e.Msg}}
	}
	return ErrResp{Error: ErrDetail{Code: "INTERNAL_ERROR", Msg: "internal error"}}
}
func Status(err error) int {
	if e, ok := errors.Cause(err).(*Err); ok {
		return e.Status
	}
	return http.StatusInternalServerError
}

// Unavailable marks a storage failure. The cause stays in the message for
// logs; callers only ever match on ErrUnavailable.
func Unavailable(err error, op string) error {
	if err == nil {
		return nil
	}
	return errors.Wrapf(ErrUnavailable, "%s: %v", op, err)
}

// IsGone reports whether err means the paste cannot be served, whatever the
// reason. Clients are not told which one.
func IsGone(err error) bool {
	return errors.Is(err, ErrPasteNotFound) || errors.Is(err, ErrPasteExpired)
}
