package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTConfig 控制 MQTT 事件上报
type MQTTConfig struct {
	Broker      string // 例如 tcp://127.0.0.1:1883
	ClientID    string
	TopicPrefix string // 默认 mtx-viewer/events
	QoS         byte
}

// MQTTEmitter 把生命周期事件以 JSON 发布到 {prefix}/{transport}/{kind}
type MQTTEmitter struct {
	cfg    MQTTConfig
	log    *slog.Logger
	client mqtt.Client

	mu        sync.Mutex
	connected bool
	published uint64
	failed    uint64
}

// NewMQTTEmitter 创建 MQTTEmitter，需要随后调用 Connect
func NewMQTTEmitter(cfg MQTTConfig, log *slog.Logger) *MQTTEmitter {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "mtx-viewer/events"
	}
	if log == nil {
		log = slog.Default()
	}
	return &MQTTEmitter{cfg: cfg, log: log}
}

// Connect 连接 broker，断线后由 paho 自动重连
func (e *MQTTEmitter) Connect(ctx context.Context) error {
	if e.cfg.Broker == "" {
		return errors.New("mqtt broker 不能为空")
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(e.cfg.Broker)
	opts.SetClientID(e.cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnect = func(mqtt.Client) {
		e.setConnected(true)
		e.log.Info("mqtt connection established", "broker", e.cfg.Broker, "client_id", e.cfg.ClientID)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		e.setConnected(false)
		e.log.Warn("mqtt connection lost, will auto-reconnect", "broker", e.cfg.Broker, "error", err)
	}

	e.client = mqtt.NewClient(opts)
	token := e.client.Connect()

	timeout := 5 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}
	e.setConnected(true)
	return nil
}

// Emit 实现 Emitter。未连接时事件直接丢弃并计数。
func (e *MQTTEmitter) Emit(ev Event) {
	if e.client == nil || !e.isConnected() {
		e.countFailure()
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		e.countFailure()
		return
	}
	topic := Topic(e.cfg.TopicPrefix, ev)
	token := e.client.Publish(topic, e.cfg.QoS, false, payload)
	if !token.WaitTimeout(2*time.Second) || token.Error() != nil {
		e.countFailure()
		e.log.Warn("mqtt publish failed", "topic", topic, "error", token.Error())
		return
	}
	e.mu.Lock()
	e.published++
	e.mu.Unlock()
}

// Stats 返回已发布和失败的事件数
func (e *MQTTEmitter) Stats() (published, failed uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.published, e.failed
}

// Close 断开 broker 连接
func (e *MQTTEmitter) Close() {
	if e.client != nil {
		e.client.Disconnect(250)
	}
	e.setConnected(false)
}

// Topic 返回事件对应的 MQTT topic
func Topic(prefix string, ev Event) string {
	return fmt.Sprintf("%s/%s/%s", prefix, ev.Transport, ev.Kind)
}

func (e *MQTTEmitter) setConnected(v bool) {
	e.mu.Lock()
	e.connected = v
	e.mu.Unlock()
}

func (e *MQTTEmitter) isConnected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.connected
}

func (e *MQTTEmitter) countFailure() {
	e.mu.Lock()
	e.failed++
	e.mu.Unlock()
}
