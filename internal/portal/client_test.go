package portal_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/north-cloud/acquirer/internal/config"
	"github.com/jonesrussell/north-cloud/acquirer/internal/domain"
	"github.com/jonesrussell/north-cloud/acquirer/internal/portal"
)

func newTestClient(t *testing.T, handler http.Handler) portal.Portal {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := portal.NewClient(config.PortalConfig{
		BaseURL:                 srv.URL,
		LookupPath:              "/lookup",
		CaptchaPath:             "/captcha",
		StatePath:               "/download/state",
		CarPath:                 "/download/car",
		UserAgent:               "test",
		Timeout:                 2 * time.Second,
		StreamTimeout:           2 * time.Second,
		MaxInlineBytes:          16,
		ChallengeRejectedStatus: http.StatusUnprocessableEntity,
	})
	require.NoError(t, err)
	return client
}

func TestLookup(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/lookup", func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("code") {
		case "AC-1":
			_, _ = io.WriteString(w, `{"id":"internal-77"}`)
		case "AC-EMPTY":
			_, _ = io.WriteString(w, `{"id":""}`)
		case "AC-DENIED":
			w.WriteHeader(http.StatusForbidden)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	client := newTestClient(t, mux)
	ctx := context.Background()

	id, err := client.Lookup(ctx, "AC-1")
	require.NoError(t, err)
	assert.Equal(t, "internal-77", id)

	_, err = client.Lookup(ctx, "AC-EMPTY")
	require.ErrorIs(t, err, portal.ErrNotFound)

	_, err = client.Lookup(ctx, "AC-MISSING")
	require.ErrorIs(t, err, portal.ErrNotFound)

	_, err = client.Lookup(ctx, "AC-DENIED")
	require.ErrorIs(t, err, portal.ErrUnauthorized)
}

func TestSession_ChallengeCookieCarriesToPayload(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/captcha", func(w http.ResponseWriter, _ *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "sid", Value: "s-1"})
		_, _ = w.Write([]byte("\x89PNG"))
	})
	mux.HandleFunc("/download/state", func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie("sid")
		if err != nil || cookie.Value != "s-1" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		if r.URL.Query().Get("captcha") != "K7QX" {
			w.WriteHeader(http.StatusUnprocessableEntity)
			return
		}
		assert.Equal(t, "AC", r.URL.Query().Get("region"))
		assert.Equal(t, "APP", r.URL.Query().Get("category"))
		_, _ = io.WriteString(w, "PK\x03\x04tiny")
	})
	client := newTestClient(t, mux)
	ctx := context.Background()

	sess, err := client.NewSession()
	require.NoError(t, err)

	img, err := sess.Challenge(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("\x89PNG"), img)

	req := portal.PayloadRequest{Target: domain.RegionTarget("AC", "APP"), Answer: "K7QX"}
	body, err := sess.Fetch(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "PK\x03\x04tiny", string(body))

	req.Answer = "WRONG"
	_, err = sess.Fetch(ctx, req)
	require.ErrorIs(t, err, portal.ErrChallengeRejected)
}

func TestSession_FetchTooLargeThenStream(t *testing.T) {
	t.Parallel()

	big := "PK\x03\x04" + strings.Repeat("x", 64)
	mux := http.NewServeMux()
	mux.HandleFunc("/download/car", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "internal-77", r.URL.Query().Get("id"))
		_, _ = io.WriteString(w, big)
	})
	client := newTestClient(t, mux)
	ctx := context.Background()

	sess, err := client.NewSession()
	require.NoError(t, err)
	req := portal.PayloadRequest{Target: domain.ItemTarget("AC-1"), ResolvedID: "internal-77", Answer: "A"}

	_, err = sess.Fetch(ctx, req)
	require.ErrorIs(t, err, portal.ErrPayloadTooLarge)

	rc, err := sess.Stream(ctx, req)
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, big, string(got))
}

func TestSession_ServerErrorIsUnavailable(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))

	sess, err := client.NewSession()
	require.NoError(t, err)

	_, err = sess.Challenge(context.Background())
	require.ErrorIs(t, err, portal.ErrUnavailable)

	var statusErr *portal.StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusBadGateway, statusErr.StatusCode)
}
