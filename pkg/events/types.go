package events

import (
	"sync"
	"time"
)

// Kind 是连接生命周期事件的类型
type Kind string

const (
	KindStarted    Kind = "started"
	KindStopped    Kind = "stopped"
	KindSuperseded Kind = "superseded"
	KindFailed     Kind = "failed"
	KindClosed     Kind = "closed"
)

// Event 描述某个 path 上一次连接状态的变化
type Event struct {
	Kind      Kind      `json:"kind"`
	Transport string    `json:"transport"`
	Path      string    `json:"path"`
	Error     string    `json:"error,omitempty"`
	Time      time.Time `json:"time"`
}

// Emitter 接收生命周期事件。实现不能阻塞调用方太久。
type Emitter interface {
	Emit(ev Event)
}

// EmitterFunc 允许把普通函数当作 Emitter 使用
type EmitterFunc func(Event)

func (f EmitterFunc) Emit(ev Event) { f(ev) }

// Nop 丢弃所有事件
type Nop struct{}

func (Nop) Emit(Event) {}

// Multi 把事件依次转发给多个 Emitter
type Multi []Emitter

func (m Multi) Emit(ev Event) {
	for _, e := range m {
		if e != nil {
			e.Emit(ev)
		}
	}
}

// Recorder 在内存里保存收到的事件，主要给测试和调试用
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// Events 返回已收到事件的副本
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Kinds 返回某个 path 上按顺序收到的事件类型
func (r *Recorder) Kinds(path string) []Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var kinds []Kind
	for _, ev := range r.events {
		if ev.Path == path {
			kinds = append(kinds, ev.Kind)
		}
	}
	return kinds
}
