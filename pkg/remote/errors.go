package remote

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"syscall"

	"github.com/fruitsalade/remotefs/pkg/fserr"
	"github.com/fruitsalade/remotefs/pkg/protocol"
	"github.com/fruitsalade/remotefs/pkg/retry"
)

// Operation names, used in errors, logs and metric labels.
const (
	OpList     = "list"
	OpRead     = "read"
	OpPut      = "put"
	OpPutRange = "put_range"
	OpMkdir    = "mkdir"
	OpDelete   = "delete"
	OpPing     = "ping"
)

func idempotent(op string) bool {
	switch op {
	case OpList, OpRead, OpMkdir, OpDelete, OpPing:
		return true
	}
	return false
}

// readErrorMessage extracts the message of an ErrorResponse body, falling
// back to the status text.
func readErrorMessage(resp *http.Response) string {
	var errResp protocol.ErrorResponse
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if json.Unmarshal(body, &errResp) == nil && errResp.Error != "" {
		return errResp.Error
	}
	return http.StatusText(resp.StatusCode)
}

// classifyStatus turns a non-success response into a classified error.
// Retryable results are wrapped with retry.Retryable.
func classifyStatus(op, path string, status int, msg string) error {
	cause := fmt.Errorf("server returned %d: %s", status, msg)

	switch status {
	case http.StatusNotFound:
		return fserr.New(fserr.KindNotFound, op, path, cause)
	case http.StatusConflict, http.StatusBadRequest:
		switch op {
		case OpList:
			return fserr.New(fserr.KindNotADirectory, op, path, cause)
		case OpRead:
			return fserr.New(fserr.KindIsADirectory, op, path, cause)
		case OpMkdir:
			return fserr.New(fserr.KindAlreadyExists, op, path, cause)
		case OpPut, OpPutRange:
			if status == http.StatusConflict {
				return fserr.New(fserr.KindIsADirectory, op, path, cause)
			}
		}
		return fserr.New(fserr.KindConflict, op, path, cause)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fserr.New(fserr.KindUnknown, op, path, fmt.Errorf("%w: %v", syscall.EACCES, cause))
	case http.StatusNotImplemented:
		return fserr.New(fserr.KindUnsupported, op, path, cause)
	case http.StatusServiceUnavailable, http.StatusTooManyRequests:
		return retry.Retryable(fserr.New(fserr.KindUnreachable, op, path, cause))
	}

	if status >= 500 {
		if idempotent(op) {
			return retry.Retryable(fserr.New(fserr.KindUnreachable, op, path, cause))
		}
		// The server saw the upload and failed; its state is unknown.
		return fserr.New(fserr.KindConflict, op, path, cause)
	}
	return fserr.New(fserr.KindUnknown, op, path, cause)
}

// transportError classifies a failure to get a response at all.
func transportError(op, path string, err error) error {
	return fserr.New(fserr.KindUnreachable, op, path, err)
}
