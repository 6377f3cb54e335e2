package crawler

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const testUA = "web-ingest-test"

func TestGateSpacesRequestsToSameDomain(t *testing.T) {
	srv := newSite(t, "", nil)
	interval := 150 * time.Millisecond
	gate := NewGate(srv.Client(), testUA, interval, WithGateLogger(zaptest.NewLogger(t)))

	start := time.Now()
	var wg sync.WaitGroup
	for range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := gate.Authorize(context.Background(), srv.URL+"/page")
			assert.NoError(t, err)
			assert.True(t, d.Allow)
		}()
	}
	wg.Wait()

	assert.GreaterOrEqual(t, time.Since(start), 2*interval)
}

func TestGateDomainsAreIndependent(t *testing.T) {
	a := newSite(t, "", nil)
	b := newSite(t, "", nil)
	gate := NewGate(http.DefaultClient, testUA, time.Second)

	_, err := gate.Authorize(context.Background(), a.URL+"/")
	require.NoError(t, err)

	start := time.Now()
	d, err := gate.Authorize(context.Background(), b.URL+"/")
	require.NoError(t, err)
	assert.True(t, d.Allow)
	assert.Zero(t, d.Wait)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestGateHonoursRobotsDisallow(t *testing.T) {
	srv := newSite(t, "User-agent: *\nDisallow: /private/\n", nil)
	gate := NewGate(srv.Client(), testUA, 300*time.Millisecond)

	d, err := gate.Authorize(context.Background(), srv.URL+"/private/page")
	require.NoError(t, err)
	assert.False(t, d.Allow)

	// A denied URL does not use up the domain's slot.
	start := time.Now()
	d, err = gate.Authorize(context.Background(), srv.URL+"/public/page")
	require.NoError(t, err)
	assert.True(t, d.Allow)
	assert.Less(t, time.Since(start), 250*time.Millisecond)
}

func TestGateFailsOpenWhenRobotsUnavailable(t *testing.T) {
	for _, status := range []int{http.StatusNotFound, http.StatusInternalServerError, http.StatusForbidden} {
		t.Run(http.StatusText(status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(status)
			}))
			defer srv.Close()

			gate := NewGate(srv.Client(), testUA, 0)
			d, err := gate.Authorize(context.Background(), srv.URL+"/private/page")
			require.NoError(t, err)
			assert.True(t, d.Allow)
		})
	}
}

func TestGateFailsOpenWhenRobotsUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	gate := NewGate(nil, testUA, 0)
	d, err := gate.Authorize(context.Background(), addr+"/anything")
	require.NoError(t, err)
	assert.True(t, d.Allow)
}

func TestGateCrawlDelayIsCapped(t *testing.T) {
	srv := newSite(t, "User-agent: *\nCrawl-delay: 5\n", nil)
	gate := NewGate(srv.Client(), testUA, 10*time.Millisecond, WithMaxCrawlDelay(200*time.Millisecond))

	_, err := gate.Authorize(context.Background(), srv.URL+"/a")
	require.NoError(t, err)

	d, err := gate.Authorize(context.Background(), srv.URL+"/b")
	require.NoError(t, err)
	assert.Greater(t, d.Wait, 100*time.Millisecond)
	assert.LessOrEqual(t, d.Wait, 200*time.Millisecond)
}

func TestGateWaitStopsOnCancel(t *testing.T) {
	srv := newSite(t, "", nil)
	gate := NewGate(srv.Client(), testUA, 5*time.Second)

	_, err := gate.Authorize(context.Background(), srv.URL+"/a")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = gate.Authorize(ctx, srv.URL+"/b")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestGatePaceSharesTheDomainSlot(t *testing.T) {
	srv := newSite(t, "", nil)
	interval := 100 * time.Millisecond
	gate := NewGate(srv.Client(), testUA, interval)

	start := time.Now()
	_, err := gate.Authorize(context.Background(), srv.URL+"/a")
	require.NoError(t, err)
	_, err = gate.Pace(context.Background(), srv.URL+"/a")
	require.NoError(t, err)

	assert.GreaterOrEqual(t, time.Since(start), interval)
}

func TestGatePacesRedirectHops(t *testing.T) {
	srv := newRedirectSite(t, "",
		map[string]string{"/new": articleHTML("New")},
		map[string]string{"/old": "/new"},
	)
	interval := 300 * time.Millisecond
	gate := NewGate(srv.Client(), testUA, interval, WithGateLogger(zaptest.NewLogger(t)))
	fetcher := NewHTTPFetcher(srv.Client(), testUA, 0, WithRedirectGate(gate))

	_, err := gate.Authorize(context.Background(), srv.URL+"/old")
	require.NoError(t, err)
	res, err := fetcher.Fetch(context.Background(), srv.URL+"/old")
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/new", res.URL)

	gap := srv.firstArrival("/new").Sub(srv.firstArrival("/old"))
	assert.GreaterOrEqual(t, gap, interval-50*time.Millisecond)
}

func TestGateRetriesRobotsAfterCancelledFetch(t *testing.T) {
	var robotsCalls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, r *http.Request) {
		if robotsCalls.Add(1) == 1 {
			<-r.Context().Done()
			return
		}
		fmt.Fprint(w, "User-agent: *\nDisallow: /private/\n")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	gate := NewGate(srv.Client(), testUA, 0, WithGateLogger(zaptest.NewLogger(t)))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := gate.Authorize(ctx, srv.URL+"/private/page")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	d, err := gate.Authorize(context.Background(), srv.URL+"/private/page")
	require.NoError(t, err)
	assert.False(t, d.Allow)
	assert.Equal(t, int32(2), robotsCalls.Load())
}
