package docpipeline

import (
	"context"
	"errors"
	"strings"
)

// ErrorClass is the output of the Error Classifier (C1): either transient (worth retrying) or
// permanent (retrying cannot help).
type ErrorClass string

const (
	ErrorClassTransient ErrorClass = "transient"
	ErrorClassPermanent ErrorClass = "permanent"
)

// httpStatusCoder is satisfied by any adapter error that can surface its HTTP status, e.g.
// teacher's openai.openAIHTTPError via HTTPStatusCode() int.
type httpStatusCoder interface {
	HTTPStatusCode() int
}

// transientKinds and permanentKinds key off the lowercased error text when no HTTP status or
// typed sentinel is present. This is the same conservative substring check teacher's retry
// helpers use for classifying driver errors that don't implement a status interface.
var transientKinds = []string{
	"connection reset",
	"timeout",
	"dns",
	"name resolution",
	"temporary",
	"broken pipe",
	"context deadline exceeded",
	"i/o timeout",
}

var permanentKinds = []string{
	"validation",
	"authentication",
	"permission",
	"malformed",
	"missing required field",
	"schema mismatch",
	"unauthorized",
	"forbidden",
}

// Classify never fails: an unrecognized signal defaults to permanent so the Retry Orchestrator
// cannot be driven into an unbounded retry loop by an unexpected error shape.
func Classify(err error) ErrorClass {
	if err == nil {
		return ErrorClassPermanent
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorClassTransient
	}

	var coder httpStatusCoder
	if errors.As(err, &coder) {
		if class, ok := classifyHTTPStatus(coder.HTTPStatusCode()); ok {
			return class
		}
	}

	msg := strings.ToLower(err.Error())
	for _, kind := range transientKinds {
		if strings.Contains(msg, kind) {
			return ErrorClassTransient
		}
	}
	for _, kind := range permanentKinds {
		if strings.Contains(msg, kind) {
			return ErrorClassPermanent
		}
	}
	return ErrorClassPermanent
}

// classifyHTTPStatus implements the bit-exact table from the stage contract: 5xx/408/429 are
// transient, the rest of 4xx is permanent. ok=false means the status carries no signal (e.g. 0,
// 2xx/3xx never reach here in practice since they aren't errors).
func classifyHTTPStatus(status int) (ErrorClass, bool) {
	switch {
	case status == 408 || status == 429:
		return ErrorClassTransient, true
	case status >= 500 && status < 600:
		return ErrorClassTransient, true
	case status >= 400 && status < 500:
		return ErrorClassPermanent, true
	default:
		return "", false
	}
}
