package control

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/searchguard/internal/activity"
	"github.com/JakeFAU/searchguard/internal/blockview"
	"github.com/JakeFAU/searchguard/internal/metrics"
	"github.com/JakeFAU/searchguard/internal/state"
)

// Navigator replaces the content of a browser tab.
type Navigator interface {
	Navigate(ctx context.Context, tabID, url string) error
}

// IDGenerator issues request ids.
type IDGenerator interface {
	NewID() (string, error)
}

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// ErrNoNavigator is returned for block requests when no browser is attached.
var ErrNoNavigator = errors.New("control: no browser attached")

// Service answers control requests against a state.Store.
type Service struct {
	store     *state.Store
	navMu     sync.RWMutex
	navigator Navigator
	baseURL   string
	ids       IDGenerator
	clock     Clock
	emitter   activity.Emitter
	logger    *zap.Logger
}

// ServiceConfig collects the Service dependencies. Navigator and Emitter are optional.
type ServiceConfig struct {
	Store     *state.Store
	Navigator Navigator
	// BaseURL is where the block page is served.
	BaseURL string
	IDs     IDGenerator
	Clock   Clock
	Emitter activity.Emitter
	Logger  *zap.Logger
}

// NewService validates cfg and returns a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, errors.New("control: store is required")
	}
	if cfg.IDs == nil || cfg.Clock == nil {
		return nil, errors.New("control: id generator and clock are required")
	}
	if cfg.Emitter == nil {
		cfg.Emitter = activity.Discard{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	metrics.Init()
	return &Service{
		store:     cfg.Store,
		navigator: cfg.Navigator,
		baseURL:   cfg.BaseURL,
		ids:       cfg.IDs,
		clock:     cfg.Clock,
		emitter:   cfg.Emitter,
		logger:    cfg.Logger,
	}, nil
}

// SetNavigator attaches the browser once it is available.
func (s *Service) SetNavigator(n Navigator) {
	s.navMu.Lock()
	defer s.navMu.Unlock()
	s.navigator = n
}

// Store exposes the backing store for subscribers.
func (s *Service) Store() *state.Store {
	return s.store
}

// NewRequestID returns a fresh request id.
func (s *Service) NewRequestID() string {
	id, err := s.ids.NewID()
	if err != nil {
		return fmt.Sprintf("req-%d", s.clock.Now().UnixNano())
	}
	return id
}

// Handle answers req. It never returns an error; failures are reported in the Ack.
func (s *Service) Handle(ctx context.Context, req Request) Ack {
	if req.ID == "" {
		req.ID = s.NewRequestID()
	}
	start := time.Now()
	cfg, err := s.dispatch(ctx, req)
	ack := Ack{RequestID: req.ID, Status: StatusOK}
	if err != nil {
		ack.Status = StatusError
		ack.Error = err.Error()
		s.logger.Warn("control request failed",
			zap.String("request_id", req.ID),
			zap.String("type", string(req.Type)),
			zap.Error(err),
		)
	} else if cfg != nil {
		ack.State = cfg
	}
	metrics.ObserveControl(string(req.Type), ack.Status, time.Since(start))
	return ack
}

func (s *Service) dispatch(ctx context.Context, req Request) (*state.Configuration, error) {
	switch req.Type {
	case GetState:
		cfg, err := s.store.Get(ctx)
		if err != nil {
			return nil, fmt.Errorf("get state: %w", err)
		}
		return &cfg, nil
	case SetState:
		if req.Patch == nil {
			return nil, errors.New("set state: patch is required")
		}
		cfg, err := s.store.Set(ctx, *req.Patch)
		if err != nil {
			return nil, fmt.Errorf("set state: %w", err)
		}
		return &cfg, nil
	case IncrementBlockedCount:
		cfg, err := s.store.IncrementBlocked(ctx)
		if err != nil {
			return nil, fmt.Errorf("increment blocked count: %w", err)
		}
		return &cfg, nil
	case BlockAndRedirect:
		if req.Block == nil {
			return nil, errors.New("block: request body is required")
		}
		return nil, s.block(ctx, *req.Block)
	default:
		return nil, fmt.Errorf("unknown message type %q", req.Type)
	}
}

func (s *Service) block(ctx context.Context, req BlockRequest) error {
	if req.TabID == "" {
		return errors.New("block: tab id is required")
	}
	s.navMu.RLock()
	nav := s.navigator
	s.navMu.RUnlock()
	if nav == nil {
		return ErrNoNavigator
	}
	target := blockview.URL(s.baseURL, blockview.Params{
		Query:       req.Query,
		MatchedTerm: req.MatchedTerm,
		EngineHost:  req.EngineHost,
	})
	if err := nav.Navigate(ctx, req.TabID, target); err != nil {
		return fmt.Errorf("navigate tab %s: %w", req.TabID, err)
	}
	evt := activity.New(activity.KindBlocked, s.clock.Now())
	evt.TabID = req.TabID
	evt.Host = req.EngineHost
	evt.Source = req.Source
	evt.MatchedTerm = req.MatchedTerm
	s.emitter.Emit(evt)
	s.logger.Info("tab redirected to block page",
		zap.String("tab_id", req.TabID),
		zap.String("host", req.EngineHost),
		zap.String("matched", req.MatchedTerm),
	)
	return nil
}
