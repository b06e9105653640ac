package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"mtx-viewer/pkg/events"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmitCountsEvents(t *testing.T) {
	m := New()
	m.Emit(events.Event{Kind: events.KindStarted, Transport: "hls", Path: "cam1"})
	m.Emit(events.Event{Kind: events.KindStarted, Transport: "hls", Path: "cam2"})
	m.Emit(events.Event{Kind: events.KindFailed, Transport: "webrtc", Path: "cam1"})
	m.Emit(events.Event{Kind: events.KindClosed, Transport: "rtsp", Path: "cam1"})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.viewerStarts.WithLabelValues("hls")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.viewerFailures.WithLabelValues("webrtc")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.viewerEvents.WithLabelValues("rtsp", "closed")))
}

func TestRequestMiddleware(t *testing.T) {
	m := New()
	h := RequestMiddleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/bad" {
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/ok", nil))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/bad", nil))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.requestsTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.errorsTotal))
}

func TestHandlerRefreshesGauges(t *testing.T) {
	m := New()
	called := false
	srv := httptest.NewServer(m.Handler(func() {
		called = true
		m.SetActiveViewers("hls", 3)
		m.SetReadyPaths(2)
	}))
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.True(t, called)
	assert.True(t, strings.Contains(string(body), `mtxviewer_active_viewers{transport="hls"} 3`))
	assert.True(t, strings.Contains(string(body), "mtxviewer_ready_paths 2"))
}
