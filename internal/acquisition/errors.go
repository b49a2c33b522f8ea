package acquisition

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/jonesrussell/north-cloud/acquirer/internal/captcha"
	"github.com/jonesrussell/north-cloud/acquirer/internal/encoding"
	"github.com/jonesrussell/north-cloud/acquirer/internal/portal"
)

// Code is the machine-readable failure code of an attempt.
type Code string

const (
	CodeTargetNotFound            Code = "TARGET_NOT_FOUND"
	CodeChallengeUnsolved         Code = "CHALLENGE_UNSOLVED"
	CodeInvalidPayloadFormat      Code = "INVALID_PAYLOAD_FORMAT"
	CodeTransportTimeout          Code = "TRANSPORT_TIMEOUT"
	CodeUpstreamUnavailable       Code = "UPSTREAM_UNAVAILABLE"
	CodeUnknownEncoding           Code = "UNKNOWN_ENCODING"
	CodeInvalidAuthorizationState Code = "INVALID_AUTHORIZATION_STATE"
	CodeArtifactWriteFailed       Code = "ARTIFACT_WRITE_FAILED"
	CodeInterrupted               Code = "INTERRUPTED"
)

// Retryable reports whether another attempt may succeed. UNKNOWN_ENCODING is
// retryable here; the retry coordinator limits it to a single retry.
func (c Code) Retryable() bool {
	switch c {
	case CodeChallengeUnsolved, CodeInvalidPayloadFormat, CodeTransportTimeout,
		CodeUpstreamUnavailable, CodeUnknownEncoding:
		return true
	default:
		return false
	}
}

// Stage names the executor stage an error came from.
type Stage string

const (
	StageResolve   Stage = "resolve"
	StageChallenge Stage = "challenge"
	StageRequest   Stage = "request"
	StageDecode    Stage = "decode"
	StageValidate  Stage = "validate"
	StagePersist   Stage = "persist"
)

// Error is the typed failure of one attempt.
type Error struct {
	Code   Code
	Stage  Stage
	Detail string
	// Prefix holds the first response bytes when the encoding was not recognized.
	Prefix []byte
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Code, e.Stage, e.Detail)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether the coordinator may try again.
func (e *Error) Retryable() bool {
	return e.Code.Retryable()
}

// Reason renders the persisted failure_reason.
func (e *Error) Reason() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Detail)
}

func newError(code Code, stage Stage, err error) *Error {
	return &Error{Code: code, Stage: stage, Detail: err.Error(), Err: err}
}

// AsError extracts the typed error, classifying foreign errors as transport failures.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return classify(StageRequest, err)
}

// classify maps collaborator errors onto the taxonomy.
func classify(stage Stage, err error) *Error {
	var unknownEnc *encoding.UnknownEncodingError
	switch {
	case errors.As(err, &unknownEnc):
		e := newError(CodeUnknownEncoding, StageDecode, err)
		e.Prefix = unknownEnc.Prefix
		return e
	case errors.Is(err, encoding.ErrCorruptPayload):
		return newError(CodeInvalidPayloadFormat, StageDecode, err)
	case errors.Is(err, portal.ErrNotFound):
		return newError(CodeTargetNotFound, stage, err)
	case errors.Is(err, portal.ErrUnauthorized):
		return newError(CodeInvalidAuthorizationState, stage, err)
	case errors.Is(err, portal.ErrChallengeRejected), errors.Is(err, captcha.ErrUnsolved):
		return newError(CodeChallengeUnsolved, stage, err)
	case errors.Is(err, context.Canceled):
		return newError(CodeInterrupted, stage, err)
	case isTimeout(err):
		return newError(CodeTransportTimeout, stage, err)
	default:
		return newError(CodeUpstreamUnavailable, stage, err)
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
