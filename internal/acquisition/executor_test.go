package acquisition_test

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/jonesrussell/north-cloud/acquirer/internal/acquisition"
	"github.com/jonesrussell/north-cloud/acquirer/internal/captcha"
	"github.com/jonesrussell/north-cloud/acquirer/internal/domain"
	"github.com/jonesrussell/north-cloud/acquirer/internal/encoding"
	"github.com/jonesrussell/north-cloud/acquirer/internal/logger"
	"github.com/jonesrussell/north-cloud/acquirer/internal/portal"
	"github.com/jonesrussell/north-cloud/acquirer/internal/storage"
	captchaMock "github.com/jonesrussell/north-cloud/acquirer/testutils/mocks/captcha"
	portalMock "github.com/jonesrussell/north-cloud/acquirer/testutils/mocks/portal"
)

var zipMagic = []byte("PK\x03\x04")

type fixture struct {
	portal   *portalMock.MockPortal
	session  *portalMock.MockSession
	solver   *captchaMock.MockSolver
	store    *storage.ArtifactStore
	executor *acquisition.Executor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	ctrl := gomock.NewController(t)
	store, err := storage.NewArtifactStore(t.TempDir(), ".zip")
	require.NoError(t, err)

	f := &fixture{
		portal:  portalMock.NewMockPortal(ctrl),
		session: portalMock.NewMockSession(ctrl),
		solver:  captchaMock.NewMockSolver(ctrl),
		store:   store,
	}
	f.executor = acquisition.NewExecutor(f.portal, f.solver, store, zipMagic, logger.NewNop(), nil)
	return f
}

// expectChallenge sets up one solved challenge on the shared session.
func (f *fixture) expectChallenge(answer string) {
	f.portal.EXPECT().NewSession().Return(f.session, nil)
	f.session.EXPECT().Challenge(gomock.Any()).Return([]byte("img"), nil)
	f.solver.EXPECT().Solve(gomock.Any(), []byte("img")).Return(answer, nil)
}

func requireCode(t *testing.T, err error, code acquisition.Code) *acquisition.Error {
	t.Helper()

	var aerr *acquisition.Error
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, code, aerr.Code)
	return aerr
}

func TestExecute_RawPayloadCompletes(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	target := domain.RegionTarget("AC", "APP")
	payload := append(append([]byte{}, zipMagic...), []byte("rest-of-archive")...)

	f.expectChallenge("K7QX")
	f.session.EXPECT().
		Fetch(gomock.Any(), portal.PayloadRequest{Target: target, Answer: "K7QX"}).
		Return(payload, nil)

	artifact, err := f.executor.Execute(context.Background(), target)
	require.NoError(t, err)

	assert.Equal(t, f.store.PathFor(target), artifact.Path)
	assert.EqualValues(t, len(payload), artifact.SizeBytes)
	assert.Equal(t, encoding.Raw, artifact.Encoding)
	assert.False(t, artifact.Streamed)

	onDisk, err := os.ReadFile(artifact.Path)
	require.NoError(t, err)
	assert.Equal(t, payload, onDisk)
}

func TestExecute_DataURLPayloadIsDecoded(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	target := domain.ItemTarget("AC-1200013-2A5B")
	archive := append(append([]byte{}, zipMagic...), []byte("item archive")...)
	payload := "data:application/zip;base64," + base64.StdEncoding.EncodeToString(archive)

	f.portal.EXPECT().Lookup(gomock.Any(), "AC-1200013-2A5B").Return("internal-9", nil)
	f.expectChallenge("ABCD")
	f.session.EXPECT().
		Fetch(gomock.Any(), portal.PayloadRequest{Target: target, ResolvedID: "internal-9", Answer: "ABCD"}).
		Return([]byte(payload), nil)

	artifact, err := f.executor.Execute(context.Background(), target)
	require.NoError(t, err)
	assert.Equal(t, encoding.Base64DataURL, artifact.Encoding)
	assert.EqualValues(t, len(archive), artifact.SizeBytes)
	assert.Equal(t, filepath.Join(filepath.Dir(artifact.Path), "AC-1200013-2A5B.zip"), artifact.Path)
}

func TestExecute_UnknownItemIsTerminal(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.portal.EXPECT().Lookup(gomock.Any(), "AC-404").Return("", portal.ErrNotFound)

	_, err := f.executor.Execute(context.Background(), domain.ItemTarget("AC-404"))
	aerr := requireCode(t, err, acquisition.CodeTargetNotFound)
	assert.False(t, aerr.Retryable())
	assert.Equal(t, acquisition.StageResolve, aerr.Stage)
}

func TestExecute_SolverFailureIsRetryable(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.portal.EXPECT().NewSession().Return(f.session, nil)
	f.session.EXPECT().Challenge(gomock.Any()).Return([]byte("img"), nil)
	f.solver.EXPECT().Solve(gomock.Any(), gomock.Any()).Return("", captcha.ErrUnsolved)

	_, err := f.executor.Execute(context.Background(), domain.RegionTarget("AC", "APP"))
	aerr := requireCode(t, err, acquisition.CodeChallengeUnsolved)
	assert.True(t, aerr.Retryable())
}

func TestExecute_WrongMagicIsInvalidFormat(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	target := domain.RegionTarget("AC", "APP")
	f.expectChallenge("WRNG")
	f.session.EXPECT().Fetch(gomock.Any(), gomock.Any()).
		Return([]byte("<html>codigo invalido</html>"), nil)

	_, err := f.executor.Execute(context.Background(), target)
	aerr := requireCode(t, err, acquisition.CodeInvalidPayloadFormat)
	assert.True(t, aerr.Retryable())

	_, statErr := os.Stat(f.store.PathFor(target))
	assert.True(t, os.IsNotExist(statErr), "no artifact may be written for an invalid payload")
}

func TestExecute_UnknownEncodingKeepsPrefix(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.expectChallenge("K7QX")
	f.session.EXPECT().Fetch(gomock.Any(), gomock.Any()).
		Return([]byte("data:application/zip;charset=utf-8,PK..."), nil)

	_, err := f.executor.Execute(context.Background(), domain.RegionTarget("AC", "APP"))
	aerr := requireCode(t, err, acquisition.CodeUnknownEncoding)
	assert.True(t, strings.HasPrefix(string(aerr.Prefix), "data:application/zip;charset"))
}

func TestExecute_UnauthorizedIsTerminal(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.expectChallenge("K7QX")
	f.session.EXPECT().Fetch(gomock.Any(), gomock.Any()).
		Return(nil, fmt.Errorf("portal payload: %w", portal.ErrUnauthorized))

	_, err := f.executor.Execute(context.Background(), domain.RegionTarget("AC", "APP"))
	aerr := requireCode(t, err, acquisition.CodeInvalidAuthorizationState)
	assert.False(t, aerr.Retryable())
	assert.Equal(t, acquisition.StageRequest, aerr.Stage)
}

func TestExecute_TooLargeFallsBackToStreaming(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	target := domain.RegionTarget("AC", "CNF")
	archive := append(append([]byte{}, zipMagic...), []byte(strings.Repeat("z", 4096))...)
	payload := "data:application/zip;base64," + base64.StdEncoding.EncodeToString(archive)

	gomock.InOrder(
		f.portal.EXPECT().NewSession().Return(f.session, nil),
		f.session.EXPECT().Challenge(gomock.Any()).Return([]byte("img"), nil),
		f.solver.EXPECT().Solve(gomock.Any(), gomock.Any()).Return("FIRST", nil),
		f.session.EXPECT().Fetch(gomock.Any(), gomock.Any()).Return(nil, portal.ErrPayloadTooLarge),
		f.portal.EXPECT().NewSession().Return(f.session, nil),
		f.session.EXPECT().Challenge(gomock.Any()).Return([]byte("img"), nil),
		f.solver.EXPECT().Solve(gomock.Any(), gomock.Any()).Return("SECOND", nil),
		f.session.EXPECT().
			Stream(gomock.Any(), portal.PayloadRequest{Target: target, Answer: "SECOND"}).
			Return(io.NopCloser(iotest.HalfReader(strings.NewReader(payload))), nil),
	)

	artifact, err := f.executor.Execute(context.Background(), target)
	require.NoError(t, err)
	assert.True(t, artifact.Streamed)
	assert.EqualValues(t, len(archive), artifact.SizeBytes)
}

func TestExecute_StreamResetIsTransportFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	target := domain.RegionTarget("AC", "CNF")
	reset := errors.New("connection reset by peer")
	body := io.MultiReader(strings.NewReader("PK\x03\x04partial"), iotest.ErrReader(reset))

	gomock.InOrder(
		f.portal.EXPECT().NewSession().Return(f.session, nil),
		f.session.EXPECT().Challenge(gomock.Any()).Return([]byte("img"), nil),
		f.solver.EXPECT().Solve(gomock.Any(), gomock.Any()).Return("A", nil),
		f.session.EXPECT().Fetch(gomock.Any(), gomock.Any()).Return(nil, context.DeadlineExceeded),
		f.portal.EXPECT().NewSession().Return(f.session, nil),
		f.session.EXPECT().Challenge(gomock.Any()).Return([]byte("img"), nil),
		f.solver.EXPECT().Solve(gomock.Any(), gomock.Any()).Return("B", nil),
		f.session.EXPECT().Stream(gomock.Any(), gomock.Any()).Return(io.NopCloser(body), nil),
	)

	_, err := f.executor.Execute(context.Background(), target)
	aerr := requireCode(t, err, acquisition.CodeUpstreamUnavailable)
	require.ErrorIs(t, aerr, reset)

	_, statErr := os.Stat(f.store.PathFor(target))
	assert.True(t, os.IsNotExist(statErr))
}

func TestCodeRetryable(t *testing.T) {
	t.Parallel()

	retryable := []acquisition.Code{
		acquisition.CodeChallengeUnsolved, acquisition.CodeInvalidPayloadFormat,
		acquisition.CodeTransportTimeout, acquisition.CodeUpstreamUnavailable, acquisition.CodeUnknownEncoding,
	}
	terminal := []acquisition.Code{
		acquisition.CodeTargetNotFound, acquisition.CodeInvalidAuthorizationState,
		acquisition.CodeArtifactWriteFailed, acquisition.CodeInterrupted,
	}
	for _, c := range retryable {
		assert.True(t, c.Retryable(), c)
	}
	for _, c := range terminal {
		assert.False(t, c.Retryable(), c)
	}
}
