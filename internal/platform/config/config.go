// Package config 读取 mtxviewd 的配置：可选的 YAML 文件、.env 文件和环境变量，后者优先。
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config 是完整配置
type Config struct {
	MediaMTX MediaMTXConfig `yaml:"mediamtx"`
	HTTP     HTTPConfig     `yaml:"http"`
	Logging  LoggingConfig  `yaml:"logging"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Paths    PathsConfig    `yaml:"paths"`
	Output   OutputConfig   `yaml:"output"`
}

// MediaMTXConfig 是媒体服务器各服务的地址
type MediaMTXConfig struct {
	APIURL    string `yaml:"api_url"`
	APIToken  string `yaml:"api_token"`
	HLSURL    string `yaml:"hls_url"`
	WebRTCURL string `yaml:"webrtc_url"`
	RTSPWSURL string `yaml:"rtsp_ws_url"`
}

// HTTPConfig 是本地 HTTP 服务配置
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// LoggingConfig 是日志配置
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MQTTConfig 为空 Broker 时不发布事件
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         byte   `yaml:"qos"`
}

// PathsConfig 是 path 轮询配置
type PathsConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
}

// OutputConfig 为空 Dir 时丢弃收到的媒体数据
type OutputConfig struct {
	Dir string `yaml:"dir"`
}

// Default 返回默认配置
func Default() *Config {
	return &Config{
		MediaMTX: MediaMTXConfig{
			APIURL:    "http://localhost:9997",
			HLSURL:    "http://localhost:8888",
			WebRTCURL: "http://localhost:8889",
			RTSPWSURL: "ws://localhost:8554",
		},
		HTTP:    HTTPConfig{Addr: ":8080"},
		Logging: LoggingConfig{Level: "info", Format: "json"},
		MQTT:    MQTTConfig{TopicPrefix: "mtx-viewer/events"},
		Paths:   PathsConfig{PollInterval: 5 * time.Second},
	}
}

// LoadEnv 读取 .env 文件并设置环境变量。文件不存在时返回错误，调用方可以忽略。
func LoadEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	return godotenv.Load(paths...)
}

// Load 依次应用默认值、YAML 文件（path 为空时跳过）和环境变量，然后校验
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.MediaMTX.APIURL = GetEnv("MTX_API_URL", c.MediaMTX.APIURL)
	c.MediaMTX.APIToken = GetEnv("MTX_API_TOKEN", c.MediaMTX.APIToken)
	c.MediaMTX.HLSURL = GetEnv("MTX_HLS_URL", c.MediaMTX.HLSURL)
	c.MediaMTX.WebRTCURL = GetEnv("MTX_WEBRTC_URL", c.MediaMTX.WebRTCURL)
	c.MediaMTX.RTSPWSURL = GetEnv("MTX_RTSP_WS_URL", c.MediaMTX.RTSPWSURL)
	c.HTTP.Addr = GetEnv("HTTP_ADDR", c.HTTP.Addr)
	c.Logging.Level = GetEnv("LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = GetEnv("LOG_FORMAT", c.Logging.Format)
	c.MQTT.Broker = GetEnv("MQTT_BROKER", c.MQTT.Broker)
	c.Output.Dir = GetEnv("OUTPUT_DIR", c.Output.Dir)
	c.Paths.PollInterval = GetEnvDuration("PATH_POLL_INTERVAL", c.Paths.PollInterval)
}

// Validate 校验配置
func (c *Config) Validate() error {
	var errs []error
	check := func(name, raw string, schemes ...string) {
		u, err := url.Parse(raw)
		if err != nil || u.Host == "" {
			errs = append(errs, fmt.Errorf("mediamtx.%s must be an absolute URL, got %q", name, raw))
			return
		}
		for _, s := range schemes {
			if u.Scheme == s {
				return
			}
		}
		errs = append(errs, fmt.Errorf("mediamtx.%s must use %s, got %q", name, strings.Join(schemes, " or "), u.Scheme))
	}
	check("api_url", c.MediaMTX.APIURL, "http", "https")
	check("hls_url", c.MediaMTX.HLSURL, "http", "https")
	check("webrtc_url", c.MediaMTX.WebRTCURL, "http", "https")
	check("rtsp_ws_url", c.MediaMTX.RTSPWSURL, "ws", "wss")

	if c.HTTP.Addr == "" {
		errs = append(errs, errors.New("http.addr cannot be empty"))
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level must be debug, info, warn or error, got %q", c.Logging.Level))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be json or text, got %q", c.Logging.Format))
	}
	if c.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QoS))
	}
	if c.Paths.PollInterval < 100*time.Millisecond {
		errs = append(errs, fmt.Errorf("paths.poll_interval must be at least 100ms, got %s", c.Paths.PollInterval))
	}
	return errors.Join(errs...)
}

// GetEnv 返回环境变量的值，未设置或为空时返回 fallback
func GetEnv(key, fallback string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return fallback
}

// GetEnvInt 返回整数环境变量，无效时返回 fallback
func GetEnvInt(key string, fallback int) int {
	if s := os.Getenv(key); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return fallback
}

// GetEnvDuration 接受 "5s" 形式或纯秒数
func GetEnvDuration(key string, fallback time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return fallback
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}
