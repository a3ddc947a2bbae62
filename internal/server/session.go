package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/zeusync/worldstore/internal/core/observability/log"
	"github.com/zeusync/worldstore/internal/core/observability/metrics"
	"github.com/zeusync/worldstore/internal/core/protocol"
	"github.com/zeusync/worldstore/internal/core/world"
)

// session is one client connection. Requests are served in arrival order;
// each subscription pumps updates from its own goroutine.
type session struct {
	srv    *Server
	conn   *protocol.Conn
	logger log.Log
	send   chan *protocol.Message

	ctx    context.Context
	cancel context.CancelCauseFunc

	mu    sync.Mutex
	subs  map[string]context.CancelFunc
	pumps sync.WaitGroup
}

func newSession(srv *Server, conn *protocol.Conn) *session {
	ctx, cancel := context.WithCancelCause(context.Background())
	return &session{
		srv:    srv,
		conn:   conn,
		logger: srv.logger.With(log.String("client_id", conn.ID())),
		send:   make(chan *protocol.Message, srv.config.SendQueue),
		ctx:    ctx,
		cancel: cancel,
		subs:   make(map[string]context.CancelFunc),
	}
}

func (s *session) close(cause error) { s.cancel(cause) }

func (s *session) run(parent context.Context) error {
	stop := context.AfterFunc(parent, func() { s.close(context.Cause(parent)) })
	defer stop()

	g, gctx := errgroup.WithContext(s.ctx)
	unblock := context.AfterFunc(gctx, func() { _ = s.conn.Close() })
	defer unblock()

	g.Go(func() error {
		defer s.close(nil)
		return s.readLoop(gctx)
	})
	g.Go(func() error { return s.writeLoop(gctx) })
	err := g.Wait()
	if err == nil {
		err = context.Cause(s.ctx)
	}

	s.close(err)
	s.pumps.Wait()
	_ = s.conn.Close()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *session) readLoop(ctx context.Context) error {
	for {
		msg, err := s.conn.Receive()
		if err != nil {
			if ctx.Err() != nil || protocol.IsClosed(err) {
				return nil
			}
			return err
		}
		s.handle(msg)
	}
}

func (s *session) writeLoop(ctx context.Context) error {
	var ping <-chan time.Time
	if interval := s.srv.config.PingInterval; interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		ping = ticker.C
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-s.send:
			if err := s.conn.Send(msg); err != nil {
				return err
			}
		case <-ping:
			if err := s.conn.Ping(); err != nil {
				return err
			}
		}
	}
}

// enqueue never blocks. A full queue disconnects the client so that a slow
// subscriber cannot hold back the others; it reconnects from its cursor.
func (s *session) enqueue(msg *protocol.Message) error {
	select {
	case <-s.ctx.Done():
		return context.Cause(s.ctx)
	default:
	}
	select {
	case s.send <- msg:
		return nil
	default:
		s.logger.Warn("Send queue full, disconnecting client", log.Int("queue", cap(s.send)))
		s.close(ErrSlowConsumer)
		return ErrSlowConsumer
	}
}

func (s *session) handle(msg *protocol.Message) {
	ctx := log.ContextWithRequestID(s.ctx, msg.ID)
	logger := s.logger.WithContext(ctx)
	start := time.Now()

	result, after, err := s.safeDispatch(ctx, msg)

	outcome := "ok"
	var reply *protocol.Message
	if err == nil {
		reply, err = protocol.NewResult(msg.ID, result)
	}
	if err != nil {
		reply = protocol.NewError(msg.ID, err)
		outcome = reply.Error.Code
		logger.Debug("Request failed", log.String("method", string(msg.Method)), log.Error(err))
	}
	metrics.ServerRequests.WithLabelValues(string(msg.Method), outcome).Inc()
	logger.Debug("Request served",
		log.String("method", string(msg.Method)),
		log.String("result", outcome),
		log.Duration("took", time.Since(start)))

	_ = s.enqueue(reply)
	if after != nil {
		after()
	}
}

// safeDispatch keeps a panicking request from taking the server down.
func (s *session) safeDispatch(ctx context.Context, msg *protocol.Message) (result any, after func(), err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.WithContext(ctx).Error("Request panicked",
				log.String("method", string(msg.Method)), log.Any("panic", r))
			result, after, err = nil, nil, fmt.Errorf("%w: %v", ErrRequestPanicked, r)
		}
	}()
	return s.dispatch(ctx, msg)
}

// dispatch runs one request. after, if set, runs once the reply is queued.
func (s *session) dispatch(ctx context.Context, msg *protocol.Message) (any, func(), error) {
	api := s.srv.api
	switch msg.Method {
	case protocol.MethodGet:
		var p protocol.GetParams
		if err := protocol.Decode(msg.Params, &p); err != nil {
			return nil, nil, err
		}
		out := protocol.GetResult{Entities: make([]protocol.EntityRecord, 0, len(p.IDs))}
		for _, id := range p.IDs {
			version, e, err := api.GetWithVersion(ctx, id)
			if err != nil {
				return nil, nil, err
			}
			out.Entities = append(out.Entities, protocol.EncodeState(id, version, e))
		}
		return out, nil, nil

	case protocol.MethodApply:
		var p protocol.ApplyParams
		if err := protocol.Decode(msg.Params, &p); err != nil {
			return nil, nil, err
		}
		tx, err := p.Transaction()
		if err != nil {
			return nil, nil, err
		}
		res, err := api.Apply(ctx, tx)
		if err != nil {
			return nil, nil, err
		}
		return protocol.ApplyResult{Versions: res.Versions, Cursor: res.Cursor}, nil, nil

	case protocol.MethodSubscribe:
		var p protocol.SubscribeParams
		if err := protocol.Decode(msg.Params, &p); err != nil {
			return nil, nil, err
		}
		cfg, err := p.Config()
		if err != nil {
			return nil, nil, err
		}
		return s.subscribe(cfg)

	case protocol.MethodUnsubscribe:
		var p protocol.UnsubscribeParams
		if err := protocol.Decode(msg.Params, &p); err != nil {
			return nil, nil, err
		}
		s.mu.Lock()
		cancel, ok := s.subs[p.Subscription]
		delete(s.subs, p.Subscription)
		s.mu.Unlock()
		if !ok {
			return nil, nil, ErrSubscriptionNotFound
		}
		cancel()
		return struct{}{}, nil, nil

	case protocol.MethodHealthy:
		return protocol.HealthyResult{Healthy: api.Healthy(ctx)}, nil, nil

	case protocol.MethodAllocate:
		if s.srv.allocator == nil {
			return nil, nil, ErrAllocateUnsupported
		}
		var p protocol.AllocateParams
		if err := protocol.Decode(msg.Params, &p); err != nil {
			return nil, nil, err
		}
		allocated, err := s.srv.allocator.Batch(ctx, max(p.Count, 1))
		if err != nil {
			return nil, nil, err
		}
		return protocol.AllocateResult{IDs: allocated}, nil, nil

	default:
		return nil, nil, protocol.ErrUnknownMethod
	}
}

func (s *session) subscribe(cfg world.SubscribeConfig) (any, func(), error) {
	ctx, cancel := context.WithCancel(s.ctx)
	sub, err := s.srv.api.Subscribe(ctx, cfg)
	if err != nil {
		cancel()
		return nil, nil, err
	}
	id := uuid.NewString()
	s.mu.Lock()
	s.subs[id] = cancel
	s.mu.Unlock()

	s.pumps.Add(1)
	start := func() { go s.pump(ctx, cancel, id, sub) }
	s.logger.Debug("Subscription opened", log.String("subscription", id), log.Bool("skip_bootstrap", cfg.SkipBootstrap))
	return protocol.SubscribeResult{Subscription: id}, start, nil
}

func (s *session) pump(ctx context.Context, cancel context.CancelFunc, id string, sub world.Subscription) {
	defer s.pumps.Done()
	defer func() {
		cancel()
		_ = sub.Close()
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}()

	for {
		update, err := sub.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Info("Subscription failed", log.String("subscription", id), log.Error(err))
			msg, _ := protocol.NewRequest("", protocol.MethodUpdate,
				protocol.UpdateParams{Subscription: id, Error: protocol.ErrorFrom(err)})
			_ = s.enqueue(msg)
			return
		}
		msg, err := protocol.NewRequest("", protocol.MethodUpdate, protocol.EncodeUpdate(id, update))
		if err != nil {
			return
		}
		if s.enqueue(msg) != nil {
			return
		}
	}
}
