package hls

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"mtx-viewer/pkg/registry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeOrigin 模拟媒体服务器的 HLS 输出
type fakeOrigin struct {
	mu       sync.Mutex
	files    map[string]string
	failures map[string]int // 剩余的强制失败次数，-1 表示一直失败
}

func newFakeOrigin() *fakeOrigin {
	return &fakeOrigin{files: map[string]string{}, failures: map[string]int{}}
}

func (o *fakeOrigin) set(path, body string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.files[path] = body
}

func (o *fakeOrigin) fail(path string, times int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failures[path] = times
}

func (o *fakeOrigin) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	o.mu.Lock()
	n := o.failures[r.URL.Path]
	if n > 0 {
		o.failures[r.URL.Path] = n - 1
	}
	body, ok := o.files[r.URL.Path]
	o.mu.Unlock()

	if n != 0 {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.Write([]byte(body))
}

func mediaPlaylist(first, count int, ended bool) string {
	var b strings.Builder
	b.WriteString("#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:1\n")
	fmt.Fprintf(&b, "#EXT-X-MEDIA-SEQUENCE:%d\n", first)
	for i := first; i < first+count; i++ {
		fmt.Fprintf(&b, "#EXTINF:1.0,\nseg%d.ts\n", i)
	}
	if ended {
		b.WriteString("#EXT-X-ENDLIST\n")
	}
	return b.String()
}

func (o *fakeOrigin) addStream(name string, first, count int, ended bool) {
	o.set("/"+name+"/index.m3u8", mediaPlaylist(first, count, ended))
	for i := first; i < first+count; i++ {
		o.set(fmt.Sprintf("/%s/seg%d.ts", name, i), fmt.Sprintf("[%s-%d]", name, i))
	}
}

// recordingSink 记录收到的分片，可以让指定序号失败若干次
type recordingSink struct {
	mu      sync.Mutex
	seqs    []int64
	data    []string
	playing bool
	resets  int
	closed  bool
	failOn  map[int64]int
}

func newRecordingSink() *recordingSink { return &recordingSink{failOn: map[int64]int{}} }

func (s *recordingSink) WriteSegment(_ context.Context, seg Segment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failOn[seg.Sequence] > 0 {
		s.failOn[seg.Sequence]--
		return errors.New("decode failed")
	}
	s.seqs = append(s.seqs, seg.Sequence)
	s.data = append(s.data, string(seg.Data))
	return nil
}

func (s *recordingSink) Play() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.playing = true
	return nil
}

func (s *recordingSink) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resets++
}

func (s *recordingSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *recordingSink) snapshot() ([]int64, []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.seqs...), append([]string(nil), s.data...)
}

func (s *recordingSink) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type fakeNative struct {
	canPlay  bool
	source   string
	playing  bool
	metadata chan struct{}
}

func (n *fakeNative) CanPlayType(mime string) bool { return n.canPlay && mime == MIMEType }

func (n *fakeNative) SetSource(u string) error {
	n.source = u
	close(n.metadata)
	return nil
}

func (n *fakeNative) LoadedMetadata() <-chan struct{} { return n.metadata }

func (n *fakeNative) Play() error {
	n.playing = true
	return nil
}

func newTestRegistry(t *testing.T, srv *httptest.Server) (*Binding, *registry.Registry[Params, *Handle]) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	b := NewBinding(srv.URL, log)
	b.Player.HTTPClient = srv.Client()
	return b, registry.New[Params, *Handle]("hls", b, registry.Options{Logger: log})
}

func startCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestBinding_ManifestURL(t *testing.T) {
	b := NewBinding("http://media:8888/", nil)
	assert.Equal(t, "http://media:8888/cam1/index.m3u8", b.ManifestURL("cam1"))
	assert.Equal(t, "http://media:8888/site/cam%201/index.m3u8", b.ManifestURL("site/cam 1"))
}

func TestBinding_StartDeliversSegmentsAfterManifest(t *testing.T) {
	origin := newFakeOrigin()
	origin.addStream("cam1", 0, 3, true)
	srv := httptest.NewServer(origin)
	defer srv.Close()
	_, reg := newTestRegistry(t, srv)

	sink := newRecordingSink()
	h, err := reg.Start(startCtx(t), "cam1", Params{Media: sink})
	require.NoError(t, err)
	assert.False(t, h.Native())
	assert.Equal(t, srv.URL+"/cam1/index.m3u8", h.URL())
	assert.True(t, sink.playing)

	// 点播流结束后 handle 自行销毁，条目被移除
	select {
	case <-h.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("handle not done after ended stream")
	}
	seqs, data := sink.snapshot()
	assert.Equal(t, []int64{0, 1, 2}, seqs)
	assert.Equal(t, []string{"[cam1-0]", "[cam1-1]", "[cam1-2]"}, data)
	assert.Eventually(t, func() bool { return reg.Len() == 0 }, time.Second, 10*time.Millisecond)
	assert.True(t, sink.isClosed())
}

func TestBinding_LiveStartsNearEdge(t *testing.T) {
	origin := newFakeOrigin()
	origin.addStream("live", 10, 5, false)
	srv := httptest.NewServer(origin)
	defer srv.Close()
	_, reg := newTestRegistry(t, srv)

	sink := newRecordingSink()
	_, err := reg.Start(startCtx(t), "live", Params{Media: sink})
	require.NoError(t, err)
	defer reg.Stop("live")

	assert.Eventually(t, func() bool {
		seqs, _ := sink.snapshot()
		return len(seqs) == 3
	}, 2*time.Second, 10*time.Millisecond)
	seqs, _ := sink.snapshot()
	assert.Equal(t, []int64{12, 13, 14}, seqs)
}

func TestBinding_MasterPicksHighestBandwidth(t *testing.T) {
	origin := newFakeOrigin()
	origin.set("/cam1/index.m3u8", "#EXTM3U\n"+
		"#EXT-X-STREAM-INF:BANDWIDTH=800000\nlow/index.m3u8\n"+
		"#EXT-X-STREAM-INF:BANDWIDTH=2500000\nhigh/index.m3u8\n")
	origin.addStream("cam1/low", 0, 1, true)
	origin.addStream("cam1/high", 0, 1, true)
	srv := httptest.NewServer(origin)
	defer srv.Close()
	_, reg := newTestRegistry(t, srv)

	sink := newRecordingSink()
	h, err := reg.Start(startCtx(t), "cam1", Params{Media: sink})
	require.NoError(t, err)
	<-h.Done()

	_, data := sink.snapshot()
	assert.Equal(t, []string{"[cam1/high-0]"}, data)
}

func TestBinding_FatalErrorBeforeManifestRejects(t *testing.T) {
	origin := newFakeOrigin()
	srv := httptest.NewServer(origin)
	defer srv.Close()
	_, reg := newTestRegistry(t, srv)

	sink := newRecordingSink()
	_, err := reg.Start(startCtx(t), "missing", Params{Media: sink})
	require.Error(t, err)

	var perr *PlaybackError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, NetworkError, perr.Type)
	assert.Equal(t, 0, reg.Len())
	assert.False(t, sink.playing)
}

func TestBinding_InvalidManifestIsOtherError(t *testing.T) {
	origin := newFakeOrigin()
	origin.set("/cam1/index.m3u8", "<html>not a playlist</html>")
	srv := httptest.NewServer(origin)
	defer srv.Close()
	_, reg := newTestRegistry(t, srv)

	_, err := reg.Start(startCtx(t), "cam1", Params{Media: newRecordingSink()})
	var perr *PlaybackError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, OtherError, perr.Type)
	assert.Equal(t, 0, reg.Len())
}

func TestBinding_MediaErrorRecoversInPlace(t *testing.T) {
	origin := newFakeOrigin()
	origin.addStream("cam1", 0, 3, true)
	srv := httptest.NewServer(origin)
	defer srv.Close()
	_, reg := newTestRegistry(t, srv)

	sink := newRecordingSink()
	sink.failOn[1] = 1
	h, err := reg.Start(startCtx(t), "cam1", Params{Media: sink})
	require.NoError(t, err)
	<-h.Done()

	seqs, _ := sink.snapshot()
	assert.Equal(t, []int64{0, 2}, seqs, "failing segment is skipped after recovery")
	assert.Equal(t, 1, sink.resets)
}

func TestBinding_NetworkErrorReloads(t *testing.T) {
	origin := newFakeOrigin()
	origin.addStream("cam1", 0, 3, true)
	origin.fail("/cam1/seg1.ts", 2)
	srv := httptest.NewServer(origin)
	defer srv.Close()
	_, reg := newTestRegistry(t, srv)

	sink := newRecordingSink()
	h, err := reg.Start(startCtx(t), "cam1", Params{Media: sink})
	require.NoError(t, err)
	<-h.Done()

	seqs, _ := sink.snapshot()
	assert.Equal(t, []int64{0, 1, 2}, seqs)
}

func TestBinding_RecoveryLimitDestroys(t *testing.T) {
	origin := newFakeOrigin()
	origin.addStream("cam1", 0, 3, true)
	origin.fail("/cam1/seg1.ts", -1)
	srv := httptest.NewServer(origin)
	defer srv.Close()
	b, reg := newTestRegistry(t, srv)
	b.MaxRecoveries = 2

	sink := newRecordingSink()
	h, err := reg.Start(startCtx(t), "cam1", Params{Media: sink})
	require.NoError(t, err)

	select {
	case <-h.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("handle not destroyed after repeated failures")
	}
	seqs, _ := sink.snapshot()
	assert.Equal(t, []int64{0}, seqs)
	assert.Eventually(t, func() bool { return reg.Len() == 0 }, time.Second, 10*time.Millisecond)
}

func TestBinding_StartTwiceDestroysFirstPlayer(t *testing.T) {
	origin := newFakeOrigin()
	origin.addStream("live", 0, 3, false)
	srv := httptest.NewServer(origin)
	defer srv.Close()
	_, reg := newTestRegistry(t, srv)

	first, err := reg.Start(startCtx(t), "live", Params{Media: newRecordingSink()})
	require.NoError(t, err)
	second, err := reg.Start(startCtx(t), "live", Params{Media: newRecordingSink()})
	require.NoError(t, err)
	defer reg.Stop("live")

	select {
	case <-first.Done():
	default:
		t.Fatal("first player still alive")
	}
	got, ok := reg.Get("live")
	require.True(t, ok)
	assert.Same(t, second, got)
}

func TestBinding_NativeFallback(t *testing.T) {
	b := NewBinding("http://media:8888", slog.New(slog.NewTextHandler(io.Discard, nil)))
	reg := registry.New[Params, *Handle]("hls", b, registry.Options{})

	native := &fakeNative{canPlay: true, metadata: make(chan struct{})}
	h, err := reg.Start(startCtx(t), "cam1", Params{Media: native})
	require.NoError(t, err)

	assert.True(t, h.Native())
	assert.Equal(t, "http://media:8888/cam1/index.m3u8", native.source)
	assert.True(t, native.playing)

	require.NoError(t, reg.Stop("cam1"))
	select {
	case <-h.Done():
	default:
		t.Fatal("native handle not released")
	}
}

func TestBinding_Unsupported(t *testing.T) {
	b := NewBinding("", nil)
	reg := registry.New[Params, *Handle]("hls", b, registry.Options{})

	_, err := reg.Start(startCtx(t), "cam1", Params{Media: &fakeNative{metadata: make(chan struct{})}})
	assert.ErrorIs(t, err, ErrUnsupported)

	_, err = reg.Start(startCtx(t), "cam1", Params{})
	assert.ErrorIs(t, err, ErrUnsupported)
	assert.Equal(t, 0, reg.Len())
}
