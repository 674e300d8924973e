package apierr

import (
	"encoding/json"
	"net/http"
)

type ErrResp struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

var (
	ErrBadJSON          = &AppError{400, "BAD_REQUEST", "invalid JSON body"}
	ErrInvalidDate      = &AppError{400, "INVALID_DATE", "target_date must be YYYY-MM-DD"}
	ErrUnauthenticated  = &AppError{401, "UNAUTHENTICATED", "X-Member-ID does not name a known member"}
	ErrForbidden        = &AppError{403, "FORBIDDEN", "not allowed for this member"}
	ErrProjectNotFound  = &AppError{404, "NOT_FOUND", "project not found"}
	ErrMemberNotFound   = &AppError{404, "NOT_FOUND", "member not found"}
	ErrTeamNotFound     = &AppError{404, "NOT_FOUND", "team not found"}
	ErrReleaseNotFound  = &AppError{404, "NOT_FOUND", "release not found"}
	ErrFeatureNotFound  = &AppError{404, "NOT_FOUND", "feature not found"}
	ErrReleaseExists    = &AppError{409, "RELEASE_EXISTS", "release name already used in project"}
	ErrNotOnRelease     = &AppError{409, "NOT_ON_RELEASE", "member is not on a team assigned to this release"}
	ErrReleaseImmutable = &AppError{409, "RELEASE_CLOSED", "release is cancelled or deployed"}
	ErrDataAccess       = &AppError{502, "DATA_ACCESS", "storage backend failed"}
)

type AppError struct {
	Status  int
	Code    string
	Message string
}

func (e *AppError) Error() string { return e.Message }

func JSON(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	e := ErrResp{}
	e.Error.Code = code
	e.Error.Message = msg
	if err := json.NewEncoder(w).Encode(e); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func Write(w http.ResponseWriter, e *AppError) {
	JSON(w, e.Status, e.Code, e.Message)
}

// BadRequest reports invalid input with the caller-facing message.
func BadRequest(w http.ResponseWriter, msg string) {
	JSON(w, http.StatusBadRequest, "BAD_REQUEST", msg)
}
