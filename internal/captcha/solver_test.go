package captcha_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/north-cloud/acquirer/internal/captcha"
	"github.com/jonesrussell/north-cloud/acquirer/internal/config"
)

func TestHTTPSolver(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		img, _ := io.ReadAll(r.Body)
		switch string(img) {
		case "good":
			_, _ = io.WriteString(w, `{"text":" K7QX \n"}`)
		case "blank":
			_, _ = io.WriteString(w, `{"text":""}`)
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	t.Cleanup(srv.Close)

	solver := captcha.NewHTTPSolver(srv.URL, srv.Client())
	ctx := context.Background()

	guess, err := solver.Solve(ctx, []byte("good"))
	require.NoError(t, err)
	assert.Equal(t, "K7QX", guess)

	for _, img := range []string{"blank", "broken", ""} {
		_, err = solver.Solve(ctx, []byte(img))
		require.ErrorIs(t, err, captcha.ErrUnsolved, img)
	}
}

func TestNew(t *testing.T) {
	t.Parallel()

	s, err := captcha.New(config.CaptchaConfig{Provider: config.CaptchaProviderStatic, Answer: "ABCD"})
	require.NoError(t, err)
	guess, err := s.Solve(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "ABCD", guess)

	_, err = captcha.StaticSolver("").Solve(context.Background(), nil)
	require.ErrorIs(t, err, captcha.ErrUnsolved)

	_, err = captcha.New(config.CaptchaConfig{Provider: "psychic"})
	require.Error(t, err)
}
