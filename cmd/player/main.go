package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"swarmplayer/internal/coordinator"
	"swarmplayer/internal/core/abr"
	"swarmplayer/internal/core/arbiter"
	"swarmplayer/internal/core/buffer"
	"swarmplayer/internal/core/domain"
	"swarmplayer/internal/core/mediasink"
	"swarmplayer/internal/infrastructure/monitoring"
	"swarmplayer/internal/infrastructure/origin"
	"swarmplayer/internal/infrastructure/peer"
	"swarmplayer/internal/infrastructure/signaling"
	"swarmplayer/internal/infrastructure/sink"
	"swarmplayer/pkg/cache"
	"swarmplayer/pkg/config"
	"swarmplayer/pkg/logger"
	"swarmplayer/pkg/tracing"
	"swarmplayer/pkg/utils"
	"swarmplayer/pkg/validation"

	"github.com/pion/webrtc/v3"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	startTime := time.Now()

	var (
		configPath = flag.String("config", "configs/config.yaml", "path to bootstrap config YAML")
		stream     = flag.String("stream", "movie1", "stream identifier")
		clientID   = flag.String("client-id", "", "this client's signaling identifier (random if empty)")
		masterURL  = flag.String("master-url", "", "master playlist URL (defaults to {base_url}/streams/movies/{stream}/master.m3u8)")
		sinkPath   = flag.String("sink-out", "/tmp/swarmplayer-sink.bin", "file the reference media sink mirrors appended bytes to")
		healthAddr = flag.String("health-addr", ":8090", "address for the /health, /ready debug endpoints")
	)
	flag.Parse()

	if err := validation.ValidateStreamID(*stream); err != nil {
		fmt.Fprintf(os.Stderr, "invalid -stream: %v\n", err)
		os.Exit(1)
	}

	bootstrap, err := config.LoadFile(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config %s: %v\n", *configPath, err)
		bootstrap = &config.File{}
	}

	store, err := config.NewStoreFromFile(bootstrap)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid bootstrap config: %v\n", err)
		os.Exit(1)
	}

	zapLogger := logger.New(bootstrap.Logging.Level)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	tracingCfg := tracing.DefaultConfig()
	tracingCfg.Enabled = bootstrap.Tracing.Enabled
	if bootstrap.Tracing.JaegerURL != "" {
		tracingCfg.JaegerURL = bootstrap.Tracing.JaegerURL
	}
	if bootstrap.Tracing.SampleRate > 0 {
		tracingCfg.SampleRate = bootstrap.Tracing.SampleRate
	}
	tracerProvider, err := tracing.Init(tracingCfg)
	if err != nil {
		log.Warnw("failed to initialize tracing, continuing without it", "error", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			_ = tracerProvider.Shutdown(shutdownCtx)
		}()
	}

	var metrics *monitoring.PrometheusCollector
	if bootstrap.Monitoring.PrometheusEnabled {
		metrics = monitoring.NewPrometheusCollector()
	}

	if *clientID == "" {
		*clientID = utils.GenerateSessionID()
	}

	cfg := store.Snapshot()
	if *masterURL == "" {
		*masterURL = fmt.Sprintf("%s/streams/movies/%s/master.m3u8", cfg.BaseURL, *stream)
	}

	segCache := cache.New(cfg.CacheSizeLimit, cache.LRUStrategy{}, 30*time.Second)

	originClient := origin.New(cfg.BaseURL, cfg.FetchTimeout, cfg.MaxRetries, cfg.RetryDelayBase, log.Named("origin"))

	signalingClient := signaling.New(signaling.Options{
		URL:            bootstrap.Signaling.URL,
		ConnectTimeout: cfg.PeerConnectionTimeout,
		WhoHasTimeout:  cfg.WhoHasTimeout,
	}, log.Named("signaling"))

	var iceServers []webrtc.ICEServer
	for _, s := range bootstrap.WebRTC.ICEServers {
		iceServers = append(iceServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	if len(iceServers) == 0 {
		iceServers = []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
	}
	var iceURLs []string
	for _, s := range iceServers {
		iceURLs = append(iceURLs, utils.JoinStrings(",", s.URLs...))
	}
	log.Infow("configured ICE servers", "servers", utils.JoinStrings(" | ", iceURLs...))

	peerManager := peer.New(*stream, peer.Options{
		MaxActivePeers:        cfg.MaxActivePeers,
		MinActivePeers:        cfg.MinActivePeers,
		PeerScoreThreshold:    cfg.PeerScoreThreshold,
		ConnectionTimeout:     cfg.PeerConnectionTimeout,
		StaggeredRequestDelay: cfg.StaggeredRequestDelay,
		RetryDelayBase:        cfg.RetryDelayBase,
		FetchTimeout:          cfg.FetchTimeout,
		ICEServers:            iceServers,
	}, signalingClient, log.Named("peer"))

	peerManager.WithSegmentProvider(segCache)

	fetchArbiter := arbiter.New(segCache, peerManager, originClient, signalingClient, store, log.Named("arbiter"))
	fetchArbiter.WithAnnouncer(peerManager)
	if metrics != nil {
		fetchArbiter.WithMetrics(metrics)
	}

	abrController := abr.New(domain.StreamID(*stream), fetchArbiter, segCache, originClient, nil, nil, abr.Options{
		BufferTargetDuration:   cfg.BufferTargetDuration,
		PrefetchWindowAhead:    cfg.PrefetchWindowAhead,
		PrefetchWindowBehind:   cfg.PrefetchWindowBehind,
		AbrSwitchDownThreshold: cfg.AbrSwitchDownThreshold,
		AbrSwitchUpThreshold:   cfg.AbrSwitchUpThreshold,
		CacheSegmentTTL:        cfg.CacheSegmentTTL,
	}, log.Named("abr"))

	rawSink, err := sink.New(*sinkPath, log.Named("sink"))
	if err != nil {
		log.Fatalw("failed to open reference sink file", "error", err)
	}
	defer rawSink.Close()
	mediaSink := mediasink.New(rawSink, log.Named("mediasink"))

	bufferController := buffer.New(domain.StreamID(*stream), mediaSink, fetchArbiter, buffer.Options{
		BufferMinThreshold:   cfg.BufferMinThreshold,
		BufferMaxThreshold:   cfg.BufferMaxThreshold,
		BufferTargetDuration: cfg.BufferTargetDuration,
		PrefetchWindowAhead:  cfg.PrefetchWindowAhead,
		PrefetchWindowBehind: cfg.PrefetchWindowBehind,
		MaxConcurrentFetches: cfg.MaxConcurrentFetches,
		TickInterval:         time.Second,
		CleanupInterval:      time.Minute,
	}, log.Named("buffer"))

	co := coordinator.New(coordinator.Options{
		Stream:            domain.StreamID(*stream),
		ClientID:          *clientID,
		MasterPlaylistURL: *masterURL,
	}, store, segCache, mediaSink, signalingClient, peerManager, abrController, bufferController, originClient, log.Named("coordinator"))

	co.On("ready", func(e coordinator.Event) {
		log.Infow("playback ready", "quality", e.Quality)
	})
	co.On("error", func(e coordinator.Event) {
		log.Errorw("coordinator error", "error", e.Err)
	})
	co.On("qualityChanged", func(e coordinator.Event) {
		log.Infow("quality changed", "quality", e.Quality)
	})

	if metrics != nil {
		bufferController.On("bufferLevel", func(e buffer.Event) {
			metrics.SetBufferLevel(e.BufferAhead)
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if metrics != nil {
		go func() {
			ticker := time.NewTicker(2 * time.Second)
			defer ticker.Stop()
			lastCount := 0
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					count := peerManager.ActiveCount()
					for ; lastCount < count; lastCount++ {
						metrics.RecordPeerConnected()
					}
					for ; lastCount > count; lastCount-- {
						metrics.RecordPeerDisconnected()
					}
				}
			}
		}()
	}

	ready := false
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"status": "healthy",
			"uptime": utils.FormatDuration(time.Since(startTime)),
		})
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if !ready {
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]any{"status": "not_ready"})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"status": "ready"})
	})
	if metrics != nil {
		mux.Handle("/metrics", promhttp.Handler())
	}
	srv := &http.Server{Addr: *healthAddr, Handler: logger.AccessLogMiddleware(log.Named("http"), mux)}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorw("debug listener failed", "error", err)
		}
	}()

	if err := co.Initialize(ctx); err != nil {
		log.Fatalw("failed to initialize playback session", "error", err)
	}
	ready = true
	if err := co.Play(); err != nil {
		log.Errorw("failed to start playback", "error", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info("shutting down swarmplayer session")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	co.Destroy()
}
