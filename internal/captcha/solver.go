// Package captcha provides the pluggable challenge solving capability.
// Solvers take the challenge image and return a text guess, or fail.
package captcha

//go:generate mockgen -destination=../../testutils/mocks/captcha/solver_mock.go -package=captcha . Solver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/jonesrussell/north-cloud/acquirer/internal/config"
)

// ErrUnsolved is returned when a solver produces no usable guess.
var ErrUnsolved = errors.New("challenge not solved")

// Solver turns a challenge image into a text guess.
type Solver interface {
	Solve(ctx context.Context, image []byte) (string, error)
}

// SolverFunc adapts a function to Solver.
type SolverFunc func(ctx context.Context, image []byte) (string, error)

// Solve implements Solver.
func (f SolverFunc) Solve(ctx context.Context, image []byte) (string, error) {
	return f(ctx, image)
}

// New builds the solver selected by cfg.
func New(cfg config.CaptchaConfig) (Solver, error) {
	switch cfg.Provider {
	case config.CaptchaProviderHTTP:
		return NewHTTPSolver(cfg.Endpoint, &http.Client{Timeout: cfg.Timeout}), nil
	case config.CaptchaProviderStatic:
		return StaticSolver(cfg.Answer), nil
	default:
		return nil, fmt.Errorf("unknown captcha provider %q", cfg.Provider)
	}
}

// StaticSolver always answers with the same text.
type StaticSolver string

// Solve implements Solver.
func (s StaticSolver) Solve(context.Context, []byte) (string, error) {
	if s == "" {
		return "", ErrUnsolved
	}
	return string(s), nil
}

// HTTPSolver posts the image to a remote OCR service.
type HTTPSolver struct {
	endpoint string
	client   *http.Client
}

// NewHTTPSolver creates a solver for the OCR service at endpoint.
func NewHTTPSolver(endpoint string, client *http.Client) *HTTPSolver {
	return &HTTPSolver{endpoint: endpoint, client: client}
}

// Solve implements Solver.
func (s *HTTPSolver) Solve(ctx context.Context, image []byte) (string, error) {
	if len(image) == 0 {
		return "", fmt.Errorf("%w: empty challenge image", ErrUnsolved)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(image))
	if err != nil {
		return "", fmt.Errorf("build solver request: %w", err)
	}
	req.Header.Set("Content-Type", http.DetectContentType(image))

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnsolved, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return "", fmt.Errorf("%w: solver returned status %d", ErrUnsolved, resp.StatusCode)
	}

	var body struct {
		Text string `json:"text"`
	}
	if decodeErr := json.NewDecoder(resp.Body).Decode(&body); decodeErr != nil {
		return "", fmt.Errorf("%w: decode solver response: %v", ErrUnsolved, decodeErr)
	}

	guess := strings.TrimSpace(body.Text)
	if guess == "" {
		return "", fmt.Errorf("%w: empty guess", ErrUnsolved)
	}
	return guess, nil
}
