package whep

import (
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/h264writer"
	"github.com/pion/webrtc/v4/pkg/media/ivfwriter"
)

// ErrUnsupportedCodec 表示 TrackRecorder 不能写入该编码
var ErrUnsupportedCodec = errors.New("whep: unsupported codec for recording")

type rtpWriter interface {
	WriteRTP(packet *rtp.Packet) error
	Close() error
}

// TrackRecorder 把视频 track 写入 io.WriteCloser：H264 写 Annex-B，VP8 写 IVF
type TrackRecorder struct {
	out io.WriteCloser
	log *slog.Logger

	packets atomic.Int64
	once    sync.Once
	done    chan struct{}
	err     atomic.Value
}

// NewTrackRecorder 创建 TrackRecorder，out 在 Close 或 track 结束时关闭
func NewTrackRecorder(out io.WriteCloser, log *slog.Logger) *TrackRecorder {
	if log == nil {
		log = slog.Default()
	}
	return &TrackRecorder{out: out, log: log, done: make(chan struct{})}
}

// AttachTrack 实现 TrackSink
func (r *TrackRecorder) AttachTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	w, err := newRTPWriter(track.Codec().MimeType, writerOnly{r.out})
	if err != nil {
		r.log.Warn("track not recorded", "codec", track.Codec().MimeType, "error", err)
		r.err.Store(err)
		r.Close()
		return
	}
	go r.copy(track, w)
}

func (r *TrackRecorder) copy(track *webrtc.TrackRemote, w rtpWriter) {
	defer r.Close()
	defer w.Close()
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				r.log.Debug("track read stopped", "error", err)
			}
			return
		}
		if err := w.WriteRTP(pkt); err != nil {
			r.log.Warn("write rtp failed", "error", err)
			r.err.Store(err)
			return
		}
		r.packets.Add(1)
	}
}

// Packets 返回已写入的 RTP 包数量
func (r *TrackRecorder) Packets() int64 { return r.packets.Load() }

// Err 返回录制过程中遇到的错误
func (r *TrackRecorder) Err() error {
	if err, ok := r.err.Load().(error); ok {
		return err
	}
	return nil
}

// Done 在输出被关闭后关闭
func (r *TrackRecorder) Done() <-chan struct{} { return r.done }

// Close 关闭输出，可以重复调用
func (r *TrackRecorder) Close() error {
	var err error
	r.once.Do(func() {
		err = r.out.Close()
		close(r.done)
	})
	return err
}

func newRTPWriter(mimeType string, out io.Writer) (rtpWriter, error) {
	switch {
	case strings.EqualFold(mimeType, webrtc.MimeTypeH264):
		return h264writer.NewWith(out), nil
	case strings.EqualFold(mimeType, webrtc.MimeTypeVP8):
		return ivfwriter.NewWith(out)
	default:
		return nil, ErrUnsupportedCodec
	}
}

// writerOnly 隐藏底层的 Close，避免媒体 writer 提前关闭输出
type writerOnly struct{ w io.Writer }

func (w writerOnly) Write(p []byte) (int, error) { return w.w.Write(p) }

// NopWriteCloser 包装不需要关闭的 writer（例如 io.Discard）
func NopWriteCloser(w io.Writer) io.WriteCloser { return nopCloser{w} }

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }
