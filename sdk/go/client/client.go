// Package client is a WorldApi over the worldstore websocket server.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/singleflight"

	"github.com/zeusync/worldstore/internal/core/models"
	"github.com/zeusync/worldstore/internal/core/models/versionmap"
	"github.com/zeusync/worldstore/internal/core/observability/log"
	"github.com/zeusync/worldstore/internal/core/protocol"
	"github.com/zeusync/worldstore/internal/core/world"
)

var _ world.WorldApi = (*Client)(nil)

type Config struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`

	DialTimeout    time.Duration `yaml:"dial_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	MaxMessageSize int64         `yaml:"max_message_size"`
	// UpdateBuffer bounds updates received but not yet read through Next.
	// A subscription that overflows it fails and must be reopened.
	UpdateBuffer int `yaml:"update_buffer"`
	// KnownCompression names the codec for large known-version maps sent
	// with Subscribe: zstd, lz4 or none.
	KnownCompression string `yaml:"known_compression"`
}

func DefaultConfig() Config {
	return Config{
		URL:              "ws://127.0.0.1:7070/ws",
		DialTimeout:      10 * time.Second,
		WriteTimeout:     10 * time.Second,
		MaxMessageSize:   16 << 20,
		UpdateBuffer:     256,
		KnownCompression: "zstd",
	}
}

// Client talks to one server. A lost connection fails its pending calls and
// subscriptions with ErrBackingUnavailable; the next call dials again.
type Client struct {
	config Config
	known  versionmap.Compression
	logger log.Log
	group  singleflight.Group

	mu     sync.Mutex
	link   *link
	closed atomic.Bool
}

// Dial connects eagerly so that a wrong address fails here.
func Dial(ctx context.Context, config Config, logger log.Log) (*Client, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("%w: url is required", ErrInvalidConfig)
	}
	if config.UpdateBuffer <= 0 {
		config.UpdateBuffer = DefaultConfig().UpdateBuffer
	}
	known, err := versionmap.ParseCompression(config.KnownCompression)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	c := &Client{config: config, known: known, logger: logger.With(log.String("component", "client"))}
	if _, err := c.current(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) current(ctx context.Context) (*link, error) {
	if c.closed.Load() {
		return nil, world.ErrClosed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.link != nil && !c.link.dead() {
		return c.link, nil
	}

	dialer := websocket.Dialer{HandshakeTimeout: c.config.DialTimeout}
	header := http.Header{}
	if c.config.Token != "" {
		header.Set("Authorization", "Bearer "+c.config.Token)
	}
	ws, resp, err := dialer.DialContext(ctx, c.config.URL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, world.Unavailable("dial "+c.config.URL, err)
	}
	conn := protocol.NewConn(ws, protocol.ConnConfig{
		WriteTimeout:   c.config.WriteTimeout,
		MaxMessageSize: c.config.MaxMessageSize,
	})
	c.link = newLink(conn, c.config.UpdateBuffer, c.logger)
	c.logger.Info("Connected to server", log.String("url", c.config.URL), log.String("client_id", conn.ID()))
	return c.link, nil
}

func (c *Client) call(ctx context.Context, method protocol.Method, params, out any) error {
	l, err := c.current(ctx)
	if err != nil {
		return err
	}
	return l.call(ctx, method, params, out, nil)
}

func (c *Client) fetch(ctx context.Context, ids []models.EntityID) ([]models.EntityState, error) {
	key := make([]string, len(ids))
	for i, id := range ids {
		key[i] = strconv.FormatUint(uint64(id), 10)
	}
	v, err, _ := c.group.Do(strings.Join(key, ","), func() (any, error) {
		var res protocol.GetResult
		if err := c.call(ctx, protocol.MethodGet, protocol.GetParams{IDs: ids}, &res); err != nil {
			return nil, err
		}
		if len(res.Entities) != len(ids) {
			return nil, fmt.Errorf("%w: %d entities for %d ids", ErrUnexpectedResponse, len(res.Entities), len(ids))
		}
		states := make([]models.EntityState, len(res.Entities))
		for i, rec := range res.Entities {
			state, err := rec.State()
			if err != nil {
				return nil, err
			}
			states[i] = state
		}
		return states, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]models.EntityState), nil
}

func (c *Client) Get(ctx context.Context, ids ...models.EntityID) ([]*models.Entity, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	states, err := c.fetch(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make([]*models.Entity, len(states))
	for i, s := range states {
		out[i] = s.Entity
	}
	return out, nil
}

func (c *Client) GetWithVersion(ctx context.Context, id models.EntityID) (uint64, *models.Entity, error) {
	states, err := c.fetch(ctx, []models.EntityID{id})
	if err != nil {
		return 0, nil, err
	}
	return states[0].Version, states[0].Entity, nil
}

func (c *Client) Apply(ctx context.Context, tx models.ChangeToApply) (models.ApplyResult, error) {
	if err := world.ValidateTransaction(tx); err != nil {
		return models.ApplyResult{}, err
	}
	var res protocol.ApplyResult
	if err := c.call(ctx, protocol.MethodApply, protocol.EncodeTransaction(tx), &res); err != nil {
		return models.ApplyResult{}, err
	}
	return models.ApplyResult{Versions: res.Versions, Cursor: res.Cursor}, nil
}

func (c *Client) Subscribe(ctx context.Context, cfg world.SubscribeConfig) (world.Subscription, error) {
	l, err := c.current(ctx)
	if err != nil {
		return nil, err
	}
	var (
		res protocol.SubscribeResult
		sub *subscription
	)
	// Registered from the read loop before any update can follow the reply.
	register := func(raw *protocol.Message) {
		var r protocol.SubscribeResult
		if raw.Error != nil || protocol.Decode(raw.Result, &r) != nil {
			return
		}
		sub = l.register(r.Subscription)
	}
	if err = l.call(ctx, protocol.MethodSubscribe, protocol.EncodeSubscribe(cfg, c.known), &res, register); err != nil {
		if sub != nil {
			_ = sub.Close()
		}
		return nil, err
	}
	return sub, nil
}

// Allocate reserves n fresh entity ids on the server.
func (c *Client) Allocate(ctx context.Context, n int) ([]models.EntityID, error) {
	var res protocol.AllocateResult
	if err := c.call(ctx, protocol.MethodAllocate, protocol.AllocateParams{Count: n}, &res); err != nil {
		return nil, err
	}
	return res.IDs, nil
}

func (c *Client) Healthy(ctx context.Context) bool {
	var res protocol.HealthyResult
	if err := c.call(ctx, protocol.MethodHealthy, struct{}{}, &res); err != nil {
		return false
	}
	return res.Healthy
}

func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.mu.Lock()
	l := c.link
	c.mu.Unlock()
	if l != nil {
		l.shutdown(world.ErrClosed)
	}
	return nil
}

type pending struct {
	reply chan *protocol.Message
	// hook runs on the read loop before the reply is handed over.
	hook func(*protocol.Message)
}

// link is one websocket connection with its in-flight calls and
// subscriptions.
type link struct {
	conn   *protocol.Conn
	logger log.Log
	buffer int

	mu      sync.Mutex
	pending map[string]pending
	subs    map[string]*subscription
	err     error
	done    chan struct{}
}

func newLink(conn *protocol.Conn, buffer int, logger log.Log) *link {
	l := &link{
		conn:    conn,
		logger:  logger.With(log.String("client_id", conn.ID())),
		buffer:  buffer,
		pending: make(map[string]pending),
		subs:    make(map[string]*subscription),
		done:    make(chan struct{}),
	}
	go l.readLoop()
	return l
}

func (l *link) dead() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

func (l *link) failure() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

func (l *link) call(ctx context.Context, method protocol.Method, params, out any, hook func(*protocol.Message)) error {
	id := uuid.NewString()
	req, err := protocol.NewRequest(id, method, params)
	if err != nil {
		return err
	}
	reply := make(chan *protocol.Message, 1)

	l.mu.Lock()
	if l.err != nil {
		l.mu.Unlock()
		return l.err
	}
	l.pending[id] = pending{reply: reply, hook: hook}
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		delete(l.pending, id)
		l.mu.Unlock()
	}()

	if err = l.conn.Send(req); err != nil {
		err = world.Unavailable(string(method), err)
		l.shutdown(err)
		return err
	}

	select {
	case msg := <-reply:
		if msg.Error != nil {
			return msg.Error.Err()
		}
		return protocol.Decode(msg.Result, out)
	case <-l.done:
		return l.failure()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *link) register(id string) *subscription {
	sub := &subscription{id: id, link: l, updates: make(chan protocol.UpdateParams, l.buffer), closed: make(chan struct{})}
	l.mu.Lock()
	l.subs[id] = sub
	l.mu.Unlock()
	return sub
}

func (l *link) readLoop() {
	for {
		msg, err := l.conn.Receive()
		if err != nil {
			l.shutdown(world.Unavailable("receive", err))
			return
		}
		if msg.Method == protocol.MethodUpdate {
			l.deliver(msg)
			continue
		}

		l.mu.Lock()
		p, ok := l.pending[msg.ID]
		delete(l.pending, msg.ID)
		l.mu.Unlock()
		if !ok {
			l.logger.Debug("Dropping reply without caller", log.String("id", msg.ID))
			continue
		}
		if p.hook != nil {
			p.hook(msg)
		}
		p.reply <- msg
	}
}

func (l *link) deliver(msg *protocol.Message) {
	var update protocol.UpdateParams
	if err := protocol.Decode(msg.Params, &update); err != nil {
		l.logger.Warn("Dropping malformed update", log.Error(err))
		return
	}
	l.mu.Lock()
	sub, ok := l.subs[update.Subscription]
	l.mu.Unlock()
	if !ok {
		return
	}
	select {
	case sub.updates <- update:
	default:
		l.logger.Warn("Subscription fell behind, dropping it", log.String("subscription", sub.id))
		sub.fail(world.Unavailable("subscription "+sub.id, ErrUpdateBufferFull))
		go func() { _ = sub.Close() }()
	}
}

// shutdown fails every call and subscription with err and closes the
// connection. Only the first error is kept.
func (l *link) shutdown(err error) {
	l.mu.Lock()
	if l.err != nil {
		l.mu.Unlock()
		return
	}
	l.err = err
	subs := l.subs
	l.subs = make(map[string]*subscription)
	l.mu.Unlock()

	close(l.done)
	for _, sub := range subs {
		sub.fail(err)
	}
	_ = l.conn.Close()
	l.logger.Info("Connection closed", log.Error(err))
}

type subscription struct {
	id      string
	link    *link
	updates chan protocol.UpdateParams

	once    sync.Once
	mu      sync.Mutex
	err     error
	closed  chan struct{}
	closing atomic.Bool
}

var _ world.Subscription = (*subscription)(nil)

func (s *subscription) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
	s.once.Do(func() { close(s.closed) })
}

func (s *subscription) failure() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *subscription) Next(ctx context.Context) (world.Update, error) {
	// Updates already received are delivered before a failure.
	select {
	case p := <-s.updates:
		return s.decode(p)
	default:
	}
	select {
	case p := <-s.updates:
		return s.decode(p)
	case <-s.closed:
		return world.Update{}, s.failure()
	case <-ctx.Done():
		return world.Update{}, ctx.Err()
	}
}

func (s *subscription) decode(p protocol.UpdateParams) (world.Update, error) {
	u, err := p.Update()
	if err != nil {
		s.fail(err)
		return world.Update{}, err
	}
	return u, nil
}

// Close unsubscribes on the server. It is safe to call more than once.
func (s *subscription) Close() error {
	if !s.closing.CompareAndSwap(false, true) {
		return nil
	}
	s.fail(world.ErrClosed)
	s.link.mu.Lock()
	delete(s.link.subs, s.id)
	s.link.mu.Unlock()
	if s.link.dead() {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.link.call(ctx, protocol.MethodUnsubscribe, protocol.UnsubscribeParams{Subscription: s.id}, &struct{}{}, nil)
	if err != nil && !errors.Is(err, world.ErrClosed) {
		s.link.logger.Debug("Unsubscribe failed", log.String("subscription", s.id), log.Error(err))
	}
	return nil
}
