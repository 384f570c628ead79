package asset

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCheckStatus(t *testing.T) {
	t.Parallel()

	require.NoError(t, CheckStatus("siteA", "https://a.test", http.StatusOK))

	err := CheckStatus("siteA", "https://a.test", http.StatusTooManyRequests)
	require.ErrorIs(t, err, ErrRateLimited)
	var upstreamErr *UpstreamError
	require.ErrorAs(t, err, &upstreamErr)
	require.Equal(t, http.StatusTooManyRequests, upstreamErr.StatusCode)

	err = CheckStatus("siteB", "https://b.test", http.StatusBadGateway)
	require.ErrorAs(t, err, &upstreamErr)
	require.NotErrorIs(t, err, ErrRateLimited)
	require.Contains(t, err.Error(), "502")
}

func TestClassifyTransport(t *testing.T) {
	t.Parallel()

	require.NoError(t, ClassifyTransport(nil))
	err := ClassifyTransport(fmt.Errorf("colly fetch canceled: %w", context.DeadlineExceeded))
	require.ErrorIs(t, err, ErrTimeout)

	plain := errors.New("connection refused")
	require.Equal(t, plain, ClassifyTransport(plain))
}

type stubFetcher struct {
	resp FetchResponse
	err  error
}

func (s stubFetcher) Fetch(context.Context, FetchRequest) (FetchResponse, error) {
	return s.resp, s.err
}

func TestFetchOK(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	resp, err := FetchOK(ctx, stubFetcher{resp: FetchResponse{StatusCode: 200, Body: []byte("ok")}}, FetchRequest{URL: "u"})
	require.NoError(t, err)
	require.Equal(t, "ok", string(resp.Body))

	_, err = FetchOK(ctx, stubFetcher{resp: FetchResponse{StatusCode: 429}}, FetchRequest{Upstream: "wikiMedia", URL: "u"})
	require.ErrorIs(t, err, ErrRateLimited)

	_, err = FetchOK(ctx, stubFetcher{err: context.DeadlineExceeded}, FetchRequest{URL: "u"})
	require.ErrorIs(t, err, ErrTimeout)
}
