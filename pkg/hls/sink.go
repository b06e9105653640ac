package hls

import (
	"context"
	"io"
	"sync"
)

// Media 是播放目标的公共部分
type Media interface {
	Play() error
}

// Sink 接收 Player 交付的分片，相当于浏览器里的 MSE。实现了 Sink 即视为支持自适应播放。
type Sink interface {
	Media
	WriteSegment(ctx context.Context, seg Segment) error
}

// NativeSink 自己能直接播放 manifest URL（类似 Safari 的 <video src>）
type NativeSink interface {
	Media
	CanPlayType(mime string) bool
	SetSource(url string) error
	LoadedMetadata() <-chan struct{}
}

// Resetter 由可以丢弃已缓冲数据的 Sink 实现，媒体错误恢复时调用
type Resetter interface {
	Reset()
}

// WriterSink 把分片原样写入 io.Writer，例如文件或外部播放器的 stdin
type WriterSink struct {
	mu       sync.Mutex
	w        io.Writer
	playing  bool
	segments int64
	bytes    int64
	lastSeq  int64
}

// NewWriterSink 创建 WriterSink
func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{w: w, lastSeq: -1}
}

func (s *WriterSink) WriteSegment(_ context.Context, seg Segment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.w.Write(seg.Data)
	s.bytes += int64(n)
	if err != nil {
		return err
	}
	s.segments++
	s.lastSeq = seg.Sequence
	return nil
}

func (s *WriterSink) Play() error {
	s.mu.Lock()
	s.playing = true
	s.mu.Unlock()
	return nil
}

// Playing 表示是否已经开始播放
func (s *WriterSink) Playing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playing
}

// Stats 返回已写入的分片数、字节数和最后一个分片序号
func (s *WriterSink) Stats() (segments, bytes, lastSeq int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.segments, s.bytes, s.lastSeq
}

// Close 在底层 writer 可关闭时关闭它
func (s *WriterSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.playing = false
	if c, ok := s.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
