// Package apperr is the dispatcher-wide error taxonomy: every handler and
// background reducer returns one of these kinds, and the dispatcher maps
// each to an HTTP-style status code before it is mirrored back to the
// caller over the bus.
package apperr

import "net/http"

// Kind names one of the taxonomy's error kinds, SPEC_FULL §7.
type Kind string

const (
	KindAccessDenied        Kind = "access_denied"
	KindAuthenticationFailed Kind = "authentication_failed"
	KindRoomNotFound        Kind = "room_not_found"
	KindRtcNotFound         Kind = "rtc_not_found"
	KindBackendNotFound     Kind = "backend_not_found"
	KindNoAvailableBackends Kind = "no_available_backends"
	KindInvalidJsep         Kind = "invalid_jsep"
	KindInvalidSdpType      Kind = "invalid_sdp_type"
	KindStreamAlreadyExists Kind = "stream_already_exists"
	KindWriterConflict      Kind = "writer_conflict"
	KindCapacityExceeded    Kind = "capacity_exceeded"
	KindTransactionTimeout  Kind = "transaction_timeout"
	KindBackendOffline      Kind = "backend_offline"
	KindNotImplemented      Kind = "not_implemented"
	KindDatabaseUnavailable Kind = "database_unavailable"
	KindRateLimitExceeded   Kind = "rate_limit_exceeded"
	KindBadRequest          Kind = "bad_request"
	KindGeneral             Kind = "general"
)

// category is the HTTP-style status family §4.4's mapping table names,
// independent of the specific kind.
type category string

const (
	categoryNotFound            category = "not_found"
	categoryForbidden           category = "forbidden"
	categoryBadRequest          category = "bad_request"
	categoryUnauthorized        category = "unauthorized"
	categoryUnprocessableEntity category = "unprocessable_entity"
	categoryFailedDependency    category = "failed_dependency"
	categoryNotImplemented      category = "not_implemented"
	categoryServiceUnavailable  category = "service_unavailable"
	categoryTooManyRequests     category = "too_many_requests"
	categoryOther               category = "other"
)

var kindCategory = map[Kind]category{
	KindAccessDenied:         categoryForbidden,
	KindAuthenticationFailed: categoryUnauthorized,
	KindRoomNotFound:         categoryNotFound,
	KindRtcNotFound:          categoryNotFound,
	KindBackendNotFound:      categoryNotFound,
	KindNoAvailableBackends:  categoryFailedDependency,
	KindInvalidJsep:          categoryBadRequest,
	KindInvalidSdpType:       categoryBadRequest,
	KindStreamAlreadyExists:  categoryUnprocessableEntity,
	KindWriterConflict:       categoryUnprocessableEntity,
	KindCapacityExceeded:     categoryFailedDependency,
	KindTransactionTimeout:   categoryFailedDependency,
	KindBackendOffline:       categoryServiceUnavailable,
	KindNotImplemented:       categoryNotImplemented,
	KindDatabaseUnavailable:  categoryServiceUnavailable,
	KindRateLimitExceeded:    categoryTooManyRequests,
	KindBadRequest:           categoryBadRequest,
	KindGeneral:              categoryOther,
}

var categoryStatus = map[category]int{
	categoryNotFound:            http.StatusNotFound,
	categoryForbidden:           http.StatusForbidden,
	categoryBadRequest:          http.StatusBadRequest,
	categoryUnauthorized:        http.StatusUnauthorized,
	categoryUnprocessableEntity: http.StatusUnprocessableEntity,
	categoryFailedDependency:    http.StatusFailedDependency,
	categoryNotImplemented:      http.StatusNotImplemented,
	categoryServiceUnavailable:  http.StatusServiceUnavailable,
	categoryTooManyRequests:     http.StatusTooManyRequests,
	categoryOther:               http.StatusInternalServerError,
}

// Problem is the JSON shape a rejected request is serialized as, mirroring
// RFC 7807's type/title/status triple over the bus instead of HTTP headers.
type Problem struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
}

// Error is the enriched (kind, title) error every handler and reducer
// returns, carrying enough to build both the bus error response and the
// error-sink log line.
type Error struct {
	Kind  Kind
	Title string
	Err   error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Title + ": " + e.Err.Error()
	}
	return e.Title
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an Error of kind with title, optionally wrapping cause.
func New(kind Kind, title string, cause error) *Error {
	return &Error{Kind: kind, Title: title, Err: cause}
}

// Status maps kind to its HTTP-style status code per §4.4's table.
func Status(kind Kind) int {
	cat, ok := kindCategory[kind]
	if !ok {
		return http.StatusInternalServerError
	}
	return categoryStatus[cat]
}

// ShouldMirrorToSink reports whether an error of this kind must be mirrored
// to the error sink per §7 (statuses 422, 424, and >=500).
func ShouldMirrorToSink(kind Kind) bool {
	status := Status(kind)
	return status == http.StatusUnprocessableEntity || status == http.StatusFailedDependency || status >= 500
}
