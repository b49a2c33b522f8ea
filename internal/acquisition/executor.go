// Package acquisition carries out one CAPTCHA-gated acquisition attempt:
// resolve the target, solve the challenge, request the payload, detect its
// transport encoding, validate the archive signature and persist it.
package acquisition

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/jonesrussell/north-cloud/acquirer/internal/captcha"
	"github.com/jonesrussell/north-cloud/acquirer/internal/domain"
	"github.com/jonesrussell/north-cloud/acquirer/internal/encoding"
	"github.com/jonesrussell/north-cloud/acquirer/internal/logger"
	"github.com/jonesrussell/north-cloud/acquirer/internal/metrics"
	"github.com/jonesrussell/north-cloud/acquirer/internal/portal"
)

// ArtifactWriter persists decoded artifacts.
type ArtifactWriter interface {
	Write(target domain.TargetKey, r io.Reader) (string, int64, error)
}

// Runner executes a single attempt. The retry coordinator depends on this.
type Runner interface {
	Execute(ctx context.Context, target domain.TargetKey) (Artifact, error)
}

// Artifact describes a persisted payload.
type Artifact struct {
	Path      string
	SizeBytes int64
	Encoding  encoding.Kind
	Streamed  bool
}

// Executor implements Runner against the portal.
type Executor struct {
	portal  portal.Portal
	solver  captcha.Solver
	store   ArtifactWriter
	magic   []byte
	log     logger.Logger
	metrics *metrics.Metrics
}

var _ Runner = (*Executor)(nil)

// NewExecutor creates an executor that accepts payloads starting with magic.
func NewExecutor(
	p portal.Portal,
	solver captcha.Solver,
	store ArtifactWriter,
	magic []byte,
	log logger.Logger,
	m *metrics.Metrics,
) *Executor {
	return &Executor{
		portal:  p,
		solver:  solver,
		store:   store,
		magic:   bytes.Clone(magic),
		log:     log.With(logger.Component("executor")),
		metrics: m,
	}
}

// Execute runs one attempt. Failures are always *Error.
func (e *Executor) Execute(ctx context.Context, target domain.TargetKey) (Artifact, error) {
	start := time.Now()
	artifact, err := e.execute(ctx, target)

	code := ""
	if err != nil {
		code = string(AsError(err).Code)
	}
	e.metrics.RecordAttempt(code, time.Since(start).Seconds())

	return artifact, err
}

func (e *Executor) execute(ctx context.Context, target domain.TargetKey) (Artifact, error) {
	resolved, err := e.resolve(ctx, target)
	if err != nil {
		return Artifact{}, err
	}

	req := portal.PayloadRequest{Target: target, ResolvedID: resolved}

	artifact, fallback, err := e.requestSingleShot(ctx, req)
	if err == nil || !fallback {
		return artifact, err
	}

	e.log.Warn("Single-shot request failed, falling back to streaming",
		logger.Target(target.String()),
		logger.Error(err),
	)
	e.metrics.RecordStreamingFallback()

	return e.requestStreaming(ctx, req)
}

// resolve maps item identifiers to the portal's internal id. Region targets pass through.
func (e *Executor) resolve(ctx context.Context, target domain.TargetKey) (string, error) {
	if target.Kind != domain.TargetItem {
		return "", nil
	}

	id, err := e.portal.Lookup(ctx, target.ItemID)
	if err != nil {
		return "", classify(StageResolve, err)
	}
	return id, nil
}

// challenge opens a session and solves its challenge. Answers are single-use.
func (e *Executor) challenge(ctx context.Context) (portal.Session, string, error) {
	sess, err := e.portal.NewSession()
	if err != nil {
		return nil, "", classify(StageChallenge, err)
	}

	img, err := sess.Challenge(ctx)
	if err != nil {
		return nil, "", classify(StageChallenge, err)
	}

	answer, err := e.solver.Solve(ctx, img)
	if err != nil {
		return nil, "", classify(StageChallenge, err)
	}
	if answer == "" {
		return nil, "", newError(CodeChallengeUnsolved, StageChallenge, captcha.ErrUnsolved)
	}

	return sess, answer, nil
}

// requestSingleShot reports fallback=true when the streaming path may succeed instead.
func (e *Executor) requestSingleShot(ctx context.Context, req portal.PayloadRequest) (Artifact, bool, error) {
	sess, answer, err := e.challenge(ctx)
	if err != nil {
		return Artifact{}, false, err
	}
	req.Answer = answer

	body, err := sess.Fetch(ctx, req)
	if err != nil {
		fallback := ctx.Err() == nil && (errors.Is(err, portal.ErrPayloadTooLarge) || isTimeout(err))
		return Artifact{}, fallback, classify(StageRequest, err)
	}

	artifact, err := e.persist(req.Target, bytes.NewReader(body))
	return artifact, false, err
}

func (e *Executor) requestStreaming(ctx context.Context, req portal.PayloadRequest) (Artifact, error) {
	sess, answer, err := e.challenge(ctx)
	if err != nil {
		return Artifact{}, err
	}
	req.Answer = answer

	body, err := sess.Stream(ctx, req)
	if err != nil {
		return Artifact{}, classify(StageRequest, err)
	}
	defer body.Close()

	artifact, err := e.persist(req.Target, body)
	artifact.Streamed = err == nil
	return artifact, err
}

// persist decodes, validates and writes a payload. The in-memory and
// streaming paths both arrive here with a plain reader.
func (e *Executor) persist(target domain.TargetKey, payload io.Reader) (Artifact, error) {
	source := &readErrTracker{r: payload}

	decoded, enc, err := encoding.NewReader(source)
	if err != nil {
		aerr := classify(StageDecode, err)
		if aerr.Code == CodeUnknownEncoding {
			e.log.Warn("Payload matched no known transport encoding",
				logger.Target(target.String()),
				logger.String("prefix", fmt.Sprintf("%q", aerr.Prefix)),
			)
		}
		return Artifact{}, aerr
	}

	validated := bufio.NewReader(decoded)
	if verr := e.validate(validated); verr != nil {
		return Artifact{}, verr
	}

	path, size, err := e.store.Write(target, validated)
	if err != nil {
		if source.err != nil {
			return Artifact{}, classify(StageRequest, source.err)
		}
		if errors.Is(err, encoding.ErrCorruptPayload) {
			return Artifact{}, classify(StageDecode, err)
		}
		return Artifact{}, newError(CodeArtifactWriteFailed, StagePersist, err)
	}

	e.log.Debug("Artifact persisted",
		logger.Target(target.String()),
		logger.String("path", path),
		logger.Int64("size_bytes", size),
		logger.String("encoding", enc.Kind.String()),
	)

	return Artifact{Path: path, SizeBytes: size, Encoding: enc.Kind}, nil
}

// validate checks the archive signature without consuming it.
func (e *Executor) validate(r *bufio.Reader) error {
	head, err := r.Peek(len(e.magic))
	if err != nil && !errors.Is(err, io.EOF) {
		return classify(StageDecode, err)
	}
	if !bytes.Equal(head, e.magic) {
		return &Error{
			Code:   CodeInvalidPayloadFormat,
			Stage:  StageValidate,
			Detail: fmt.Sprintf("payload starts with %q, want %q", head, e.magic),
		}
	}
	return nil
}

// readErrTracker remembers the first non-EOF read error of the upstream body,
// so persist can tell transport failures apart from disk failures.
type readErrTracker struct {
	r   io.Reader
	err error
}

func (t *readErrTracker) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if err != nil && !errors.Is(err, io.EOF) && t.err == nil {
		t.err = err
	}
	return n, err
}
