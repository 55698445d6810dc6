package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-interpreter/internal/bridge"
	"github.com/loqalabs/loqa-interpreter/internal/bus"
	"github.com/loqalabs/loqa-interpreter/internal/config"
	"github.com/loqalabs/loqa-interpreter/internal/conversation"
	"github.com/loqalabs/loqa-interpreter/internal/eventstore"
	"github.com/loqalabs/loqa-interpreter/internal/langdetect"
	"github.com/loqalabs/loqa-interpreter/internal/natsserver"
	"github.com/loqalabs/loqa-interpreter/internal/trade"
	"github.com/loqalabs/loqa-interpreter/internal/translate"
	"github.com/loqalabs/loqa-interpreter/internal/tts"
	"github.com/loqalabs/loqa-interpreter/internal/voice"
	"github.com/loqalabs/loqa-interpreter/internal/webhook"
)

type Runtime struct {
	cfg            config.Config
	logger         *slog.Logger
	httpServer     *http.Server
	metricsServer  *http.Server
	metricsHandler http.Handler
	tracerClose    func(context.Context) error
	ready          atomic.Bool
	wg             sync.WaitGroup

	nats       *natsserver.EmbeddedServer
	bus        *bus.Client
	store      *eventstore.Store
	ttsService *tts.Service
	presence   *bridge.Presence
	bridge     *bridge.Bridge
	registry   *conversation.Registry
	processor  *webhook.Processor
	intake     *webhook.BusIntake
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
	r.metricsHandler = metricsHandler

	if err := r.startComponents(ctx); err != nil {
		r.stopComponents(context.Background())
		return err
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.serve(r.httpServer, "http")

	if metricsHandler != nil && r.cfg.Telemetry.PrometheusBind != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metricsHandler)
		r.metricsServer = &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.serve(r.metricsServer, "metrics")
	}

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	for _, srv := range []*http.Server{r.httpServer, r.metricsServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()

	r.stopComponents(shutdownCtx)

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

func (r *Runtime) serve(srv *http.Server, name string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("server", name), slog.String("error", err.Error()))
		}
	}()
}

func (r *Runtime) startComponents(ctx context.Context) error {
	busCfg := r.cfg.Bus
	if busCfg.Enabled {
		srv, err := natsserver.Start(busCfg, r.logger)
		if err != nil {
			return err
		}
		r.nats = srv
		if url := srv.ClientURL(); url != "" {
			busCfg.Servers = []string{url}
		}
		client, err := bus.Connect(ctx, r.cfg.RuntimeName, busCfg, r.logger)
		if err != nil {
			return err
		}
		r.bus = client
	}

	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	r.store = store
	// Conversations never outlive the process.
	if err := store.PurgeAll(ctx); err != nil {
		r.logger.Warn("event store purge failed", slog.String("error", err.Error()))
	}

	provider, err := translate.NewProvider(r.cfg.Translation, r.logger)
	if err != nil {
		return err
	}
	translator, err := translate.NewPreserver(provider, translate.OptionsFromConfig(r.cfg.Translation), r.logger)
	if err != nil {
		return err
	}

	synth, err := tts.NewSynthesizer(r.cfg.TTS)
	if err != nil {
		return err
	}

	var speakers []conversation.Speaker
	if r.bus != nil {
		r.ttsService = tts.NewService(ctx, r.cfg.TTS, r.bus, synth, r.logger)
		if err := r.ttsService.Start(); err != nil {
			return fmt.Errorf("start tts service: %w", err)
		}
		speakers = append(speakers, tts.NewBusSpeaker(r.bus))
	}
	if r.cfg.Bridge.Enabled {
		r.presence = bridge.NewPresence(ctx, time.Duration(r.cfg.Bridge.PresenceTimeoutMS)*time.Millisecond, r.logger)
		var wearable *bridge.WearableTarget
		if r.bus != nil {
			if err := r.presence.Subscribe(r.bus); err != nil {
				return err
			}
			wearable = bridge.NewWearableTarget(synth, bridge.NewBusSink(r.bus), r.presence,
				bridge.WearableOptionsFromConfig(r.cfg.Bridge), r.logger)
		}
		r.bridge = bridge.New(r.presence, wearable, bridge.NewBrowserHub(r.logger), synth, r.logger)
		speakers = append(speakers, r.bridge)
	}

	registry, err := conversation.NewRegistry(ctx, conversation.OptionsFromConfig(r.cfg.Interpreter), conversation.Deps{
		Detector:   langdetect.New(r.cfg.Interpreter.DefaultLanguage),
		Extractor:  trade.NewExtractor(r.cfg.Interpreter.DefaultCurrency),
		Translator: translator,
		Voices:     voice.NewRouter(r.cfg.Voices),
		Speaker:    conversation.Fanout(speakers...),
		Store:      store,
	}, r.logger)
	if err != nil {
		return err
	}
	r.registry = registry

	r.processor = webhook.NewProcessor(registry, r.logger)
	if r.bus != nil {
		r.intake = webhook.NewBusIntake(ctx, r.bus, r.processor, r.logger)
		if err := r.intake.Start(); err != nil {
			return fmt.Errorf("start bus intake: %w", err)
		}
	}
	return nil
}

func (r *Runtime) stopComponents(ctx context.Context) {
	if r.intake != nil {
		r.intake.Close()
	}
	if r.registry != nil {
		r.registry.Close(ctx)
	}
	if r.presence != nil {
		r.presence.Close()
	}
	if r.ttsService != nil {
		r.ttsService.Close()
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Warn("event store close failed", slog.String("error", err.Error()))
		}
	}
	if r.bus != nil {
		r.bus.Close()
	}
	r.nats.Shutdown()
}

func (r *Runtime) healthy() bool {
	if !r.ready.Load() {
		return false
	}
	if r.cfg.Bus.Enabled && !r.bus.Healthy() {
		return false
	}
	if r.ttsService != nil && !r.ttsService.Healthy() {
		return false
	}
	if r.intake != nil && !r.intake.Healthy() {
		return false
	}
	return true
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
