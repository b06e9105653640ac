package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mtx-viewer/internal/pathwatch"
	"mtx-viewer/internal/platform/config"
	"mtx-viewer/internal/platform/logger"
	"mtx-viewer/internal/platform/metrics"
	"mtx-viewer/internal/server"
	"mtx-viewer/pkg/api"
	"mtx-viewer/pkg/events"
	"mtx-viewer/pkg/hls"
	"mtx-viewer/pkg/registry"
	"mtx-viewer/pkg/rtspws"
	"mtx-viewer/pkg/utils"
	"mtx-viewer/pkg/whep"
)

const mqttConnectTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	envFile := flag.String("env", ".env", "path to a .env file (optional)")
	flag.Parse()

	_ = config.LoadEnv(*envFile)
	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.New("error", "json").Error("load config", "error", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	met := metrics.New()
	hub := server.NewHub(log)

	emitters := events.Multi{met, hub}
	var mq *events.MQTTEmitter
	if cfg.MQTT.Broker != "" {
		mq = events.NewMQTTEmitter(events.MQTTConfig{
			Broker:      cfg.MQTT.Broker,
			ClientID:    utils.GenPrefixedID("mtxviewd"),
			TopicPrefix: cfg.MQTT.TopicPrefix,
			QoS:         cfg.MQTT.QoS,
		}, log)
		ctx, cancel := context.WithTimeout(context.Background(), mqttConnectTimeout)
		if err := mq.Connect(ctx); err != nil {
			// paho 会在后台继续重连
			log.Warn("mqtt connect failed", "broker", cfg.MQTT.Broker, "error", err)
		}
		cancel()
		emitters = append(emitters, mq)
	}
	regOpts := registry.Options{Logger: log, Emitter: emitters}

	var apiOpts []api.Option
	apiOpts = append(apiOpts, api.WithLogger(log))
	if cfg.MediaMTX.APIToken != "" {
		apiOpts = append(apiOpts, api.WithSession(api.NewSession(cfg.MediaMTX.APIToken)))
	}
	client := api.New(cfg.MediaMTX.APIURL, apiOpts...)
	paths := pathwatch.New(client, cfg.Paths.PollInterval, met, log)

	srv := server.New(server.Options{
		Logger:  log,
		Metrics: met,
		Hub:     hub,
		Paths:   paths,
		Admin:   client,
	})
	sinks := server.SinkFactory{Dir: cfg.Output.Dir, Log: log}
	server.Mount(srv, registry.New[hls.Params, *hls.Handle]("hls", hls.NewBinding(cfg.MediaMTX.HLSURL, log), regOpts), sinks.HLSParams)
	server.Mount(srv, registry.New[whep.Params, *whep.Session]("webrtc", whep.NewBinding(cfg.MediaMTX.WebRTCURL, log), regOpts), sinks.WebRTCParams)
	server.Mount(srv, registry.New[rtspws.Params, *rtspws.Conn]("rtsp", rtspws.NewBinding(cfg.MediaMTX.RTSPWSURL, log), regOpts), sinks.RTSPParams)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go paths.Run(ctx)

	addr, stop, err := srv.Start(cfg.HTTP.Addr)
	if err != nil {
		log.Error("http listen", "addr", cfg.HTTP.Addr, "error", err)
		os.Exit(1)
	}
	log.Info("mtxviewd started",
		"addr", addr,
		"api_url", cfg.MediaMTX.APIURL,
		"output_dir", cfg.Output.Dir,
		"mqtt", cfg.MQTT.Broker != "",
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("shutdown signal received, stopping viewers")
	cancel()
	if err := srv.StopAll(); err != nil {
		log.Warn("stop viewers", "error", err)
	}
	stop()
	if mq != nil {
		mq.Close()
	}
	log.Info("mtxviewd stopped")
}
