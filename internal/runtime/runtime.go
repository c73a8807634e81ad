// Package runtime assembles the daemon: telemetry, the HTTP health
// surface, the message bus (embedded or external), the segment store,
// and the decoder service, with ordered shutdown.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vocalisd/vocalis/internal/bus"
	"github.com/vocalisd/vocalis/internal/config"
	"github.com/vocalisd/vocalis/internal/decoder"
	"github.com/vocalisd/vocalis/internal/feature"
	"github.com/vocalisd/vocalis/internal/model"
	"github.com/vocalisd/vocalis/internal/natsserver"
	"github.com/vocalisd/vocalis/internal/segmentstore"
)

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	embedded, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start embedded bus: %w", err)
	}
	if embedded != nil {
		defer embedded.Shutdown()
	}

	busClient, err := bus.Connect(r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("failed to connect to bus: %w", err)
	}
	defer busClient.Close()

	store, err := segmentstore.Open(ctx, r.cfg.SegmentStore, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open segment store: %w", err)
	}
	defer func() {
		if cerr := store.Close(); cerr != nil {
			r.logger.Error("segment store close error", slog.String("error", cerr.Error()))
		}
	}()

	mdl, err := buildModel(r.cfg.ASR)
	if err != nil {
		return fmt.Errorf("failed to build model: %w", err)
	}

	svc := decoder.NewService(ctx, r.cfg.ASR, busClient, mdl, store, func() feature.Extractor {
		return feature.NewWindowExtractor(float64(r.cfg.ASR.SampleRate), r.cfg.ASR.FrameShiftMS, r.cfg.ASR.FeatureDim)
	}, r.logger)
	if err := svc.Start(); err != nil {
		return fmt.Errorf("failed to start decoder: %w", err)
	}
	defer svc.Close()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.String("model", r.cfg.ASR.Mode))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

func buildModel(cfg config.ASRConfig) (model.Model, error) {
	switch cfg.Mode {
	case "mock":
		// Threshold is on the log-energy scale of the window extractor,
		// roughly halfway between silence and speech.
		return model.NewMockModel(cfg.ModelLayers, cfg.ModelHiddenSize, cfg.SubsamplingFactor, -10), nil
	case "exec":
		return model.NewExecModel(cfg.Command, cfg.ModelLayers, cfg.ModelHiddenSize)
	default:
		return nil, fmt.Errorf("unknown model mode %q", cfg.Mode)
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
