package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"voicememo-go/internal/audio"
	"voicememo-go/internal/config"
	"voicememo-go/internal/dataset"
	"voicememo-go/internal/extractor"
	"voicememo-go/internal/feishu"
	"voicememo-go/internal/logger"
	"voicememo-go/internal/pipeline"
	"voicememo-go/internal/relay"
	"voicememo-go/internal/store"
	"voicememo-go/internal/transcription"
	"voicememo-go/internal/types"
	"voicememo-go/internal/upload"
)

func main() {
	_ = godotenv.Load() // loads .env

	log := logger.New()
	log.WithField("service", "voicememo-go").Info("starting service")

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.WithError(err).Fatal("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(cfg.SQLitePath)
	if err != nil {
		log.WithError(err).Fatal("failed to open sqlite store")
	}
	defer db.Close()

	var recordings store.RecordingStore = db.Recordings()
	if cfg.PostgresURL != "" {
		pg, err := store.OpenPostgres(ctx, cfg.PostgresURL)
		if err != nil {
			log.WithError(err).Fatal("failed to open postgres recording store")
		}
		defer pg.Close()
		recordings = pg
		log.Info("recordings stored in postgres")
	}

	locator := relay.NewLocator(relayCandidates(cfg), cfg.AppHostname, relay.WithLogger(log))

	relayHosts := cfg.RelayAllowlist
	if len(relayHosts) == 0 {
		relayHosts = relay.DefaultAllowlist
	}
	backends, err := upload.NewBackends(cfg.UploadBackends, nil, locator, relayHosts)
	if err != nil {
		log.WithError(err).Fatal("invalid UPLOAD_BACKENDS")
	}
	if cfg.GCSUploadBucket != "" {
		gcs, err := upload.NewGCS(ctx, cfg.GCSUploadBucket, "recordings")
		if err != nil {
			log.WithError(err).Fatal("failed to create gcs upload backend")
		}
		defer gcs.Close()
		backends = append(backends, gcs)
	}
	broker := upload.NewBroker(backends, upload.NewState(nil), db.UploadCache(), upload.DefaultOptions(), log)

	var transcriber transcription.Transcriber
	if cfg.UseMockASR() {
		log.Info("mock transcription mode ON - returning canned transcript")
		transcriber = transcription.Mock{Delay: 2 * time.Second}
	} else {
		c := transcription.NewClient(cfg.DashScopeBaseURL, cfg.DashScopeAPIKey, cfg.ASRModel, locator, log)
		c.Wait = transcription.WaitOptions{MaxAttempts: cfg.ASRMaxAttempts, Interval: cfg.ASRPollInterval}
		transcriber = c
	}

	analyzer, err := extractor.NewAnalyzer(ctx, cfg, locator, log)
	if err != nil {
		log.WithError(err).Fatal("failed to create analyzer")
	}
	if c, ok := analyzer.(io.Closer); ok {
		defer c.Close()
	}

	var extra []types.Recording
	if cfg.DemoDatasetPath != "" {
		loaded, err := dataset.Load(cfg.DemoDatasetPath)
		if err != nil {
			log.WithError(err).WithField("path", cfg.DemoDatasetPath).Warn("failed to load demo dataset, using built-ins only")
		} else {
			extra = loaded
			log.WithField("count", len(loaded)).Info("demo dataset loaded")
		}
	}
	demo := dataset.NewSet(nil, extra...)

	syncer := &feishu.Client{
		Endpoint:    cfg.FeishuEndpoint,
		AppID:       cfg.FeishuAppID,
		AppSecret:   cfg.FeishuAppSecret,
		AppToken:    cfg.FeishuAppToken,
		TableID:     cfg.FeishuTableID,
		AccessToken: cfg.FeishuAccessToken,
		Relay:       locator,
		Log:         log.Component("feishu"),
	}
	if !syncer.Configured() {
		log.Info("feishu sync not configured - recordings stay local")
	}

	p, err := pipeline.New(pipeline.Services{
		Blobs:       db.Blobs(),
		Recordings:  recordings,
		Normalizer:  audio.NewNormalizer(audio.NewFFmpegDecoder(), log),
		Uploader:    broker,
		Transcriber: transcriber,
		Analyzer:    analyzer,
		Syncer:      syncer,
		Demo:        demo,
		AutoSync:    true,
		Log:         log,
	})
	if err != nil {
		log.WithError(err).Fatal("failed to build pipeline")
	}

	go sweepUploads(ctx, p, cfg.UploadRetryInterval, log)

	addr := fmt.Sprintf(":%s", cfg.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      newServer(p, demo, locator, log).routes(),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.WithField("addr", addr).Info("listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.WithError(err).Fatal("server terminated")
	}
}

func relayCandidates(cfg *config.Config) []relay.Candidate {
	var out []relay.Candidate
	if cfg.RelayDevURL != "" {
		out = append(out, relay.Candidate{Name: "dev", URL: cfg.RelayDevURL, Priority: 1, Scope: relay.ScopeDev})
	}
	if cfg.RelayProdURL != "" {
		out = append(out, relay.Candidate{Name: "prod", URL: cfg.RelayProdURL, Priority: 2, Scope: relay.ScopeProd})
	}
	return out
}

// sweepUploads retries cached uploads until ctx ends.
func sweepUploads(ctx context.Context, p *pipeline.Pipeline, every time.Duration, log *logger.Logger) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := p.RetryPendingUploads(ctx); err != nil {
				log.WithError(err).Warn("upload cache sweep failed")
			}
		}
	}
}
