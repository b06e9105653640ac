package server

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"mtx-viewer/pkg/hls"
	"mtx-viewer/pkg/registry"
	"mtx-viewer/pkg/rtspws"
	"mtx-viewer/pkg/whep"
)

// viewerSet 是 router 对某种传输 registry 的统一视图
type viewerSet interface {
	Transport() string
	start(ctx context.Context, name string) error
	Stop(name string) error
	StopAll() error
	Names() []string
	Len() int
}

type viewers[P, H any] struct {
	*registry.Registry[P, H]
	params func(name string) (P, error)
}

func (v viewers[P, H]) start(ctx context.Context, name string) error {
	p, err := v.params(name)
	if err != nil {
		return err
	}
	_, err = v.Start(ctx, name, p)
	return err
}

// SinkFactory 为每个连接创建输出。Dir 为空时丢弃数据。
type SinkFactory struct {
	Dir string
	Log *slog.Logger
}

var sinkExt = map[string]string{
	"hls":    ".ts",
	"webrtc": ".webrtc",
	"rtsp":   ".rtsp",
}

// FileName 返回 path 在输出目录里的文件名，"/" 替换为 "_"
func FileName(transport, name string) string {
	ext, ok := sinkExt[transport]
	if !ok {
		ext = "." + transport
	}
	safe := strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(name)
	return safe + ext
}

// Open 打开 path 的输出
func (f SinkFactory) Open(transport, name string) (io.WriteCloser, error) {
	if f.Dir == "" {
		return whep.NopWriteCloser(io.Discard), nil
	}
	if err := os.MkdirAll(f.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	file, err := os.Create(filepath.Join(f.Dir, FileName(transport, name)))
	if err != nil {
		return nil, fmt.Errorf("create output file: %w", err)
	}
	return file, nil
}

// HLSParams 为 HLS 连接创建写入 sink 的播放目标
func (f SinkFactory) HLSParams(name string) (hls.Params, error) {
	w, err := f.Open("hls", name)
	if err != nil {
		return hls.Params{}, err
	}
	return hls.Params{Media: hls.NewWriterSink(w)}, nil
}

// WebRTCParams 为 WebRTC 连接创建录制器
func (f SinkFactory) WebRTCParams(name string) (whep.Params, error) {
	w, err := f.Open("webrtc", name)
	if err != nil {
		return whep.Params{}, err
	}
	return whep.Params{Sink: whep.NewTrackRecorder(w, f.Log)}, nil
}

// RTSPParams 为 RTSP websocket 连接创建输出
func (f SinkFactory) RTSPParams(name string) (rtspws.Params, error) {
	w, err := f.Open("rtsp", name)
	if err != nil {
		return rtspws.Params{}, err
	}
	return rtspws.Params{Sink: w}, nil
}
