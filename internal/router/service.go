package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"unicode"

	"github.com/loqalabs/loqa-capture/internal/bus"
	"github.com/loqalabs/loqa-capture/internal/capture"
	"github.com/loqalabs/loqa-capture/internal/config"
	"github.com/loqalabs/loqa-capture/internal/engine"
	"github.com/loqalabs/loqa-capture/internal/objective"
	"github.com/loqalabs/loqa-capture/internal/protocol"
	"github.com/loqalabs/loqa-capture/internal/stt"
	"github.com/nats-io/nats.go"
)

// Engine is what the router drives.
type Engine interface {
	StartConversation(ctx context.Context, traceID string) (string, error)
	EndConversation(ctx context.Context, traceID, reason string) error
	StartObjective(ctx context.Context, traceID string, spec objective.Spec) (objective.Objective, error)
	OnUtterance(ctx context.Context, traceID, objectiveID string, utt stt.Utterance) error
	OnBargeIn(ctx context.Context, traceID string) error
}

var errInvalidTrace = errors.New("trace id must be a single subject token")

// Service maps bus subjects onto engine calls.
type Service struct {
	cfg      config.RouterConfig
	bus      *bus.Client
	subjects protocol.Subjects
	engine   Engine
	logger   *slog.Logger
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	mu   sync.Mutex
	subs []*nats.Subscription
}

func NewService(parent context.Context, cfg config.RouterConfig, busClient *bus.Client, eng Engine, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:      cfg,
		bus:      busClient,
		subjects: protocol.NewSubjects(cfg.SubjectPrefix),
		engine:   eng,
		logger:   logger.With(slog.String("component", "router")),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (s *Service) Subjects() protocol.Subjects { return s.subjects }

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	if s.cfg.EventsStream != "" {
		if err := s.bus.EnsureStream(s.cfg.EventsStream, s.subjects.AllEvents()); err != nil {
			return err
		}
	}
	handlers := []struct {
		subject string
		handle  nats.MsgHandler
	}{
		{s.subjects.ConversationStart(), s.handleConversationStart},
		{s.subjects.ConversationEnd(), s.handleConversationEnd},
		{s.subjects.ObjectiveStart(), s.handleObjectiveStart},
		{s.subjects.AllUtterances(), s.handleUtterance},
		{s.subjects.AllBargeIns(), s.handleBargeIn},
	}
	for _, h := range handlers {
		sub, err := s.bus.Conn().Subscribe(h.subject, h.handle)
		if err != nil {
			s.drain()
			return fmt.Errorf("subscribe %s: %w", h.subject, err)
		}
		s.mu.Lock()
		s.subs = append(s.subs, sub)
		s.mu.Unlock()
	}
	s.logger.Info("router listening", slog.String("prefix", s.subjects.Prefix))
	return nil
}

func (s *Service) Close() {
	s.cancel()
	s.drain()
	s.wg.Wait()
}

func (s *Service) drain() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.subs = nil
}

func (s *Service) Healthy() bool {
	if !s.cfg.Enabled {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs) == 5 && s.bus.Healthy()
}

func (s *Service) handleConversationStart(msg *nats.Msg) {
	var req protocol.ConversationStart
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.respond(msg, protocol.Reply{Error: "decode: " + err.Error()})
		return
	}
	if req.TraceID != "" && !validTrace(req.TraceID) {
		s.respond(msg, protocol.Reply{Error: errInvalidTrace.Error()})
		return
	}
	traceID, err := s.engine.StartConversation(s.ctx, req.TraceID)
	if err != nil {
		s.respond(msg, protocol.Reply{Error: err.Error(), TraceID: req.TraceID})
		return
	}
	s.respond(msg, protocol.Reply{OK: true, TraceID: traceID})
}

func (s *Service) handleConversationEnd(msg *nats.Msg) {
	var req protocol.ConversationEnd
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.respond(msg, protocol.Reply{Error: "decode: " + err.Error()})
		return
	}
	if err := s.engine.EndConversation(s.ctx, req.TraceID, req.Reason); err != nil {
		s.respond(msg, protocol.Reply{Error: err.Error(), TraceID: req.TraceID})
		return
	}
	s.respond(msg, protocol.Reply{OK: true, TraceID: req.TraceID})
}

// handleObjectiveStart replies once the first prompt was spoken, so it runs
// off the subscription goroutine.
func (s *Service) handleObjectiveStart(msg *nats.Msg) {
	var req protocol.ObjectiveStart
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.respond(msg, protocol.Reply{Error: "decode: " + err.Error()})
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		obj, err := s.engine.StartObjective(s.ctx, req.TraceID, objective.Spec{
			ID:         req.ObjectiveID,
			ValueType:  capture.ValueType(req.ValueType),
			Purpose:    req.Purpose,
			Locale:     req.Locale,
			MaxRetries: req.MaxRetries,
		})
		reply := protocol.Reply{OK: err == nil, TraceID: req.TraceID, ObjectiveID: obj.ID}
		if err != nil {
			reply.Error = err.Error()
			s.logger.Warn("objective start failed", slog.String("trace_id", req.TraceID), slogError(err))
		}
		s.respond(msg, reply)
	}()
}

func (s *Service) handleUtterance(msg *nats.Msg) {
	traceID := protocol.TraceOf(msg.Subject)
	var utt protocol.Utterance
	if err := json.Unmarshal(msg.Data, &utt); err != nil {
		s.logger.Warn("router failed to decode utterance", slog.String("trace_id", traceID), slogError(err))
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := s.engine.OnUtterance(s.ctx, traceID, utt.ObjectiveID, stt.Utterance{
			Text:       utt.Text,
			PCM:        utt.PCM,
			SampleRate: utt.SampleRate,
			Channels:   utt.Channels,
		})
		switch {
		case err == nil:
		case errors.Is(err, engine.ErrTurnSuperseded):
			s.logger.Debug("turn superseded", slog.String("trace_id", traceID))
		default:
			s.logger.Warn("utterance not processed", slog.String("trace_id", traceID), slogError(err))
		}
	}()
}

func (s *Service) handleBargeIn(msg *nats.Msg) {
	traceID := protocol.TraceOf(msg.Subject)
	if err := s.engine.OnBargeIn(s.ctx, traceID); err != nil {
		s.logger.Warn("barge-in not processed", slog.String("trace_id", traceID), slogError(err))
	}
}

func (s *Service) respond(msg *nats.Msg, reply protocol.Reply) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		s.logger.Warn("router failed to encode reply", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("router failed to respond", slog.String("subject", msg.Subject), slogError(err))
	}
}

// validTrace reports whether id can be used as one subject token.
func validTrace(id string) bool {
	if id == "" {
		return false
	}
	return !strings.ContainsFunc(id, func(r rune) bool {
		return r == '.' || r == '*' || r == '>' || unicode.IsSpace(r)
	})
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
