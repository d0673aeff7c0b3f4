package testserver

import (
	"errors"
	"fmt"
	"strings"
)

// Errors returned by server supervision and control-plane operations.
var (
	// ErrStartupTimeout indicates the server printed no readiness marker within the start timeout
	ErrStartupTimeout = errors.New("testserver: failed to start elasticsearch within time-out")

	// ErrStartupFailed indicates the server process exited before it became ready
	ErrStartupFailed = errors.New("testserver: failed to start elasticsearch, check previous logs for details")

	// ErrLogContractViolation indicates a marker line in the server output could not be parsed
	ErrLogContractViolation = errors.New("testserver: unexpected server log format")

	// ErrCleanupFailed indicates the installation directory could not be removed
	ErrCleanupFailed = errors.New("testserver: could not delete installation directory, possibly an instance is running")

	// ErrClusterNotHealthy indicates the cluster did not reach yellow status in time
	ErrClusterNotHealthy = errors.New("testserver: cluster did not reach yellow status in specified timeout")

	// ErrTransport indicates the request never produced a response
	ErrTransport = errors.New("testserver: transport failure")

	// ErrMalformedResponse indicates a response body could not be decoded
	ErrMalformedResponse = errors.New("testserver: malformed response")

	// ErrCredentialBootstrap indicates the password setup tool failed
	ErrCredentialBootstrap = errors.New("testserver: password bootstrap failed")

	// ErrNotStarted indicates an operation that needs a running server was called before Start
	ErrNotStarted = errors.New("testserver: server not started")

	// ErrUnknownTemplate indicates a template name that was never declared
	ErrUnknownTemplate = errors.New("testserver: template not declared")
)

// RequestError is returned when Elasticsearch answers with a non-2xx status.
type RequestError struct {
	// Op describes the request, e.g. "creating index \"orders\""
	Op string
	// StatusCode is the HTTP status code of the response
	StatusCode int
	// Body is the raw response body, kept for diagnostics
	Body string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("%s: elasticsearch error [%d]: %s", e.Op, e.StatusCode, e.Body)
}

// BulkFailure describes one rejected item of a bulk request.
type BulkFailure struct {
	Index  string
	ID     string
	Status int
	Type   string
	Reason string
}

// BulkError aggregates the item failures of a bulk request that itself succeeded.
type BulkError struct {
	Failures []BulkFailure
}

func (e *BulkError) Error() string {
	msgs := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		msgs = append(msgs, fmt.Sprintf("[%d] %s/%s %s: %s", f.Status, f.Index, f.ID, f.Type, f.Reason))
	}
	return fmt.Sprintf("testserver: %d bulk items failed: %s", len(e.Failures), strings.Join(msgs, "; "))
}

func transportError(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrTransport, err)
}

func malformedResponse(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrMalformedResponse, err)
}
