// Package handler implements the Admin API and Proxy Facade HTTP/WS
// surfaces described in spec.md §4.8-4.9 and §6, translating client and
// admin requests into operations on the core dispatcher components.
package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/comfylb/balancer/api/middleware"
	"github.com/comfylb/balancer/errs"
)

// statusForKind maps an errs.Kind to the HTTP status spec.md §7 assigns it.
// Kinds with no entry here are treated as internal (500) — NoCapacity must
// never reach this function; the dispatcher absorbs it internally.
var statusForKind = map[errs.Kind]int{
	errs.ConfigInvalid:     http.StatusBadRequest,
	errs.NameConflict:      http.StatusConflict,
	errs.BackendBusy:       http.StatusConflict,
	errs.BackendNotFound:   http.StatusNotFound,
	errs.NotFound:          http.StatusNotFound,
	errs.QueueFull:         http.StatusServiceUnavailable,
	errs.SubmitRejected:    http.StatusOK,
	errs.SubmitUnavailable: http.StatusOK,
	errs.SubmitExhausted:   http.StatusOK,
	errs.BackendLost:       http.StatusOK,
	errs.InvalidTransition: http.StatusInternalServerError,
}

// writeError translates err to a JSON error body at the status spec.md §7
// assigns its errs.Kind, the same "translate-error-to-JSON-at-the-edge" shape
// the teacher's handlers use. It also stashes the kind on the gin context
// under middleware.ContextKeyErrorKind so the request-logging middleware can
// report which errs.Kind a failed request surfaced.
func writeError(c *gin.Context, err error) {
	kind, ok := errs.KindOf(err)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Set(middleware.ContextKeyErrorKind, string(kind))
	status, ok := statusForKind[kind]
	if !ok {
		status = http.StatusInternalServerError
	}
	c.JSON(status, gin.H{"error": err.Error(), "kind": string(kind)})
}
