package whep

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"mtx-viewer/pkg/registry"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeServer 模拟媒体服务器的 whep 端点：POST 返回带一路 H264 视频的 offer，PATCH 接收 answer
type fakeServer struct {
	t           *testing.T
	offerStatus int
	patchStatus int

	mu      sync.Mutex
	pcs     []*webrtc.PeerConnection
	answers []webrtc.SessionDescription
	paths   []string
}

func (f *fakeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.paths = append(f.paths, r.Method+" "+r.URL.Path)
	f.mu.Unlock()

	switch r.Method {
	case http.MethodPost:
		if f.offerStatus != 0 {
			http.Error(w, "path not found", f.offerStatus)
			return
		}
		offer, err := f.newOffer()
		if err != nil {
			f.t.Errorf("create offer: %v", err)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(offer)
	case http.MethodPatch:
		var answer webrtc.SessionDescription
		if err := json.NewDecoder(r.Body).Decode(&answer); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.answers = append(f.answers, answer)
		f.mu.Unlock()
		if f.patchStatus != 0 {
			w.WriteHeader(f.patchStatus)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (f *fakeServer) newOffer() (*webrtc.SessionDescription, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.pcs = append(f.pcs, pc)
	f.mu.Unlock()

	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeH264}, "video", "mtx")
	if err != nil {
		return nil, err
	}
	if _, err := pc.AddTrack(track); err != nil {
		return nil, err
	}
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return nil, err
	}
	gather := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		return nil, err
	}
	<-gather
	return pc.LocalDescription(), nil
}

func (f *fakeServer) close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, pc := range f.pcs {
		pc.Close()
	}
}

type capture struct {
	mu   sync.Mutex
	cfgs []webrtc.Configuration
	pcs  []*webrtc.PeerConnection
}

func (c *capture) newPeerConnection(cfg webrtc.Configuration) (*webrtc.PeerConnection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfgs = append(c.cfgs, cfg)
	// 测试环境不访问外网 STUN
	cfg.ICEServers = nil
	pc, err := webrtc.NewPeerConnection(cfg)
	if err == nil {
		c.pcs = append(c.pcs, pc)
	}
	return pc, err
}

func setup(t *testing.T, f *fakeServer) (*registry.Registry[Params, *Session], *capture, *httptest.Server) {
	t.Helper()
	f.t = t
	srv := httptest.NewServer(f)
	t.Cleanup(func() {
		srv.Close()
		f.close()
	})

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := &capture{}
	b := NewBinding(srv.URL, log)
	b.HTTPClient = srv.Client()
	b.NewPeerConnection = c.newPeerConnection
	return registry.New[Params, *Session]("webrtc", b, registry.Options{Logger: log}), c, srv
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestBinding_EndpointURL(t *testing.T) {
	b := NewBinding("http://media:8889/", nil)
	assert.Equal(t, "http://media:8889/cam1/whep", b.EndpointURL("cam1"))
	assert.Equal(t, "http://media:8889/site/cam1/whep", b.EndpointURL("site/cam1"))
}

func TestBinding_StartNegotiates(t *testing.T) {
	f := &fakeServer{}
	reg, c, _ := setup(t, f)

	s, err := reg.Start(testCtx(t), "cam1", Params{})
	require.NoError(t, err)
	assert.Equal(t, 1, reg.Len())

	require.Len(t, c.pcs, 1)
	assert.Same(t, c.pcs[0], s.PeerConnection())
	require.Len(t, c.cfgs[0].ICEServers, 1)
	assert.Equal(t, []string{DefaultSTUNServer}, c.cfgs[0].ICEServers[0].URLs)

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Equal(t, []string{"POST /cam1/whep", "PATCH /cam1/whep"}, f.paths)
	require.Len(t, f.answers, 1)
	assert.Equal(t, webrtc.SDPTypeAnswer, f.answers[0].Type)
	assert.NotEmpty(t, f.answers[0].SDP)
}

func TestBinding_OfferFailureClosesPeerConnection(t *testing.T) {
	f := &fakeServer{offerStatus: http.StatusNotFound}
	reg, c, _ := setup(t, f)

	_, err := reg.Start(testCtx(t), "missing", Params{})
	require.Error(t, err)

	var nerr *NegotiationError
	require.ErrorAs(t, err, &nerr)
	assert.Equal(t, "offer", nerr.Step)
	assert.Equal(t, http.StatusNotFound, nerr.Status)
	assert.Equal(t, "path not found", nerr.Body)

	assert.Equal(t, 0, reg.Len())
	require.Len(t, c.pcs, 1)
	assert.Equal(t, webrtc.SignalingStateClosed, c.pcs[0].SignalingState())
}

func TestBinding_AnswerFailureClosesPeerConnection(t *testing.T) {
	f := &fakeServer{patchStatus: http.StatusInternalServerError}
	reg, c, _ := setup(t, f)

	_, err := reg.Start(testCtx(t), "cam1", Params{})
	var nerr *NegotiationError
	require.ErrorAs(t, err, &nerr)
	assert.Equal(t, "answer", nerr.Step)

	assert.Equal(t, 0, reg.Len())
	assert.Equal(t, webrtc.SignalingStateClosed, c.pcs[0].SignalingState())
}

func TestBinding_StopClosesPeerConnection(t *testing.T) {
	f := &fakeServer{}
	reg, c, _ := setup(t, f)

	_, err := reg.Start(testCtx(t), "cam1", Params{})
	require.NoError(t, err)
	require.NoError(t, reg.Stop("cam1"))

	assert.Equal(t, 0, reg.Len())
	assert.Equal(t, webrtc.SignalingStateClosed, c.pcs[0].SignalingState())
}

func TestBinding_RestartClosesPrevious(t *testing.T) {
	f := &fakeServer{}
	reg, c, _ := setup(t, f)

	_, err := reg.Start(testCtx(t), "cam1", Params{})
	require.NoError(t, err)
	second, err := reg.Start(testCtx(t), "cam1", Params{})
	require.NoError(t, err)
	defer reg.Stop("cam1")

	require.Len(t, c.pcs, 2)
	assert.Equal(t, webrtc.SignalingStateClosed, c.pcs[0].SignalingState())
	assert.NotEqual(t, webrtc.SignalingStateClosed, second.PeerConnection().SignalingState())
	assert.Equal(t, 1, reg.Len())
}

func TestNewRTPWriter(t *testing.T) {
	w, err := newRTPWriter("video/h264", io.Discard)
	require.NoError(t, err)
	assert.NotNil(t, w)

	w, err = newRTPWriter(webrtc.MimeTypeVP8, io.Discard)
	require.NoError(t, err)
	assert.NotNil(t, w)

	_, err = newRTPWriter(webrtc.MimeTypeOpus, io.Discard)
	assert.ErrorIs(t, err, ErrUnsupportedCodec)
}

type closeCounter struct {
	io.Writer
	closed int
}

func (c *closeCounter) Close() error {
	c.closed++
	return nil
}

func TestTrackRecorder_CloseOnce(t *testing.T) {
	out := &closeCounter{Writer: io.Discard}
	r := NewTrackRecorder(out, nil)

	require.NoError(t, r.Close())
	require.NoError(t, r.Close())
	assert.Equal(t, 1, out.closed)

	select {
	case <-r.Done():
	default:
		t.Fatal("recorder not done after Close")
	}
}

func TestSession_ClosesSink(t *testing.T) {
	f := &fakeServer{}
	reg, _, _ := setup(t, f)

	out := &closeCounter{Writer: io.Discard}
	rec := NewTrackRecorder(out, slog.New(slog.NewTextHandler(io.Discard, nil)))
	_, err := reg.Start(testCtx(t), "cam1", Params{Sink: rec})
	require.NoError(t, err)
	require.NoError(t, reg.Stop("cam1"))

	assert.Equal(t, 1, out.closed)
}
