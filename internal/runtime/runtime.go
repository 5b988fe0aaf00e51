package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-capture/internal/breaker"
	"github.com/loqalabs/loqa-capture/internal/bus"
	"github.com/loqalabs/loqa-capture/internal/capability"
	"github.com/loqalabs/loqa-capture/internal/capture"
	"github.com/loqalabs/loqa-capture/internal/config"
	"github.com/loqalabs/loqa-capture/internal/consensus"
	"github.com/loqalabs/loqa-capture/internal/engine"
	"github.com/loqalabs/loqa-capture/internal/eventstore"
	"github.com/loqalabs/loqa-capture/internal/llm"
	"github.com/loqalabs/loqa-capture/internal/natsserver"
	"github.com/loqalabs/loqa-capture/internal/objective"
	"github.com/loqalabs/loqa-capture/internal/protocol"
	"github.com/loqalabs/loqa-capture/internal/router"
	"github.com/loqalabs/loqa-capture/internal/statecache"
	"github.com/loqalabs/loqa-capture/internal/stt"
	"github.com/loqalabs/loqa-capture/internal/tts"
)

const retentionInterval = time.Hour

type Runtime struct {
	cfg           config.Config
	logger        *slog.Logger
	httpServer    *http.Server
	metricsServer *http.Server
	tracerClose   func(context.Context) error
	ready         atomic.Bool
	wg            sync.WaitGroup

	nats       *natsserver.EmbeddedServer
	bus        *bus.Client
	log        eventstore.Log
	cache      statecache.Cache
	breakers   *breaker.Registry
	dispatcher *tts.Dispatcher
	engine     *engine.Engine
	router     *router.Service
	nodes      *capability.Registry
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
	defer r.closeTelemetry()

	if err := r.build(ctx); err != nil {
		r.closeComponents()
		return err
	}
	defer r.closeComponents()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("GET /breakers", r.handleBreakers)
	mux.HandleFunc("GET /nodes", r.handleNodes)
	mux.HandleFunc("GET /conversations/{trace}/objectives", r.handleObjectives)
	if metricsHandler != nil {
		if r.cfg.Telemetry.PrometheusBind != "" {
			metricsMux := http.NewServeMux()
			metricsMux.Handle("/metrics", metricsHandler)
			r.metricsServer = &http.Server{
				Addr:              r.cfg.Telemetry.PrometheusBind,
				Handler:           metricsMux,
				ReadHeaderTimeout: 5 * time.Second,
			}
			r.serve(r.metricsServer, "metrics")
		} else {
			mux.Handle("/metrics", metricsHandler)
		}
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.serve(r.httpServer, "http")
	r.startRetention(ctx)

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	r.nodes.Close()
	r.router.Close()

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
	return nil
}

// build wires every component from configuration. Whatever it opened before
// failing is released by closeComponents.
func (r *Runtime) build(ctx context.Context) error {
	var err error
	busCfg := r.cfg.Bus
	if r.nats, err = natsserver.Start(busCfg, r.logger); err != nil {
		return err
	}
	if r.nats != nil {
		busCfg.Servers = []string{r.nats.ClientURL()}
	}
	if r.bus, err = bus.Connect(ctx, busCfg, r.logger); err != nil {
		return err
	}

	if r.log, err = eventstore.Open(ctx, r.cfg.EventStore, r.logger.With(slog.String("component", "eventstore"))); err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	if r.cache, err = statecache.Open(ctx, r.cfg.Cache); err != nil {
		return fmt.Errorf("open state cache: %w", err)
	}

	r.breakers = breaker.NewRegistry(r.cfg.Speech.FailureThreshold,
		time.Duration(r.cfg.Speech.CooldownMS)*time.Millisecond,
		breaker.WithLogger(r.logger))
	speakers, err := speakerProviders(r.cfg.Speech)
	if err != nil {
		return err
	}
	if r.dispatcher, err = tts.NewDispatcher(tts.DispatcherOptions{
		Speech:    r.cfg.Speech,
		Providers: speakers,
		Breakers:  r.breakers,
		Logger:    r.logger,
	}); err != nil {
		return err
	}

	recognizers, err := recognizerProviders(r.cfg.Recognition)
	if err != nil {
		return err
	}
	ranker, err := llm.NewRanker(r.cfg.Ranking)
	if err != nil {
		return fmt.Errorf("create ranker: %w", err)
	}
	coordinator, err := consensus.New(consensus.Options{
		Recognition: r.cfg.Recognition,
		Ranking:     r.cfg.Ranking,
		Providers:   recognizers,
		Ranker:      ranker,
		Logger:      r.logger,
	})
	if err != nil {
		return err
	}

	schema, err := protocol.LoadEventSchema()
	if err != nil {
		return err
	}
	subjects := protocol.NewSubjects(r.cfg.Router.SubjectPrefix)
	outbound := router.NewOutbound(r.bus, subjects, schema, r.cfg.Router.EventsStream, r.logger)

	policy := objective.Policy{
		MaxRetries:          r.cfg.Objective.MaxRetries,
		AutoAcceptThreshold: r.cfg.Objective.AutoAcceptThreshold,
		AmbiguousFloor:      r.cfg.Objective.AmbiguousFloor,
		DefaultLocale:       r.cfg.Objective.DefaultLocale,
		PrimitiveConstraint: r.cfg.Objective.PrimitiveConstraint,
	}
	primitives := capture.DefaultRegistry()
	if r.engine, err = engine.New(engine.Options{
		Machine:    objective.NewMachine(primitives, policy),
		Log:        r.log,
		Cache:      r.cache,
		Recognizer: coordinator,
		Speaker:    r.dispatcher,
		Sink:       outbound,
		Publisher:  outbound,
		Logger:     r.logger,
	}); err != nil {
		return err
	}

	r.router = router.NewService(ctx, r.cfg.Router, r.bus, r.engine, r.logger)
	if err := r.router.Start(); err != nil {
		return fmt.Errorf("start router: %w", err)
	}
	if r.nodes, err = capability.NewRegistry(ctx, r.cfg.Node, subjects.Prefix,
		capability.Describe(primitives, r.cfg), r.bus, r.logger); err != nil {
		r.router.Close()
		return fmt.Errorf("start capability registry: %w", err)
	}
	r.logger.Info("capture engine ready",
		slog.Int("recognizers", len(recognizers)),
		slog.Int("speakers", len(speakers)),
		slog.Bool("ranking", ranker != nil))
	return nil
}

func recognizerProviders(cfg config.RecognitionConfig) ([]consensus.Provider, error) {
	out := make([]consensus.Provider, 0, len(cfg.Providers))
	for _, p := range cfg.Providers {
		rec, err := stt.New(p)
		if err != nil {
			return nil, fmt.Errorf("recognizer %s: %w", p.Name, err)
		}
		out = append(out, consensus.Provider{Name: p.Name, Recognizer: rec})
	}
	return out, nil
}

func speakerProviders(cfg config.SpeechConfig) ([]tts.Provider, error) {
	out := make([]tts.Provider, 0, len(cfg.Providers))
	for _, p := range cfg.Providers {
		speaker, err := tts.New(p)
		if err != nil {
			return nil, fmt.Errorf("speaker %s: %w", p.Name, err)
		}
		out = append(out, tts.Provider{Name: p.Name, Speaker: speaker, Voice: p.Voice, CostPerChar: p.CostPerChar})
	}
	return out, nil
}

func (r *Runtime) serve(srv *http.Server, name string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error(name+" server failed", slog.String("error", err.Error()))
		}
	}()
}

type pruner interface {
	Prune(ctx context.Context) error
}

// startRetention prunes the durable store on a ticker until ctx ends.
func (r *Runtime) startRetention(ctx context.Context) {
	p, ok := r.log.(pruner)
	if !ok {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(retentionInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := p.Prune(ctx); err != nil && ctx.Err() == nil {
					r.logger.Warn("event store prune failed", slog.String("error", err.Error()))
				}
			}
		}
	}()
}

func (r *Runtime) closeComponents() {
	if r.bus != nil {
		r.bus.Close()
		r.bus = nil
	}
	if r.nats != nil {
		r.nats.Shutdown()
		r.nats = nil
	}
	if r.cache != nil {
		if err := r.cache.Close(); err != nil {
			r.logger.Warn("state cache close error", slog.String("error", err.Error()))
		}
		r.cache = nil
	}
	if r.log != nil {
		if err := r.log.Close(); err != nil {
			r.logger.Warn("event store close error", slog.String("error", err.Error()))
		}
		r.log = nil
	}
}

func (r *Runtime) closeTelemetry() {
	if r.tracerClose == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.tracerClose(ctx); err != nil {
		r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
	}
}
