package server

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/worldstore/internal/core/ids"
	"github.com/zeusync/worldstore/internal/core/models"
	"github.com/zeusync/worldstore/internal/core/models/versionmap"
	"github.com/zeusync/worldstore/internal/core/observability/log"
	"github.com/zeusync/worldstore/internal/core/protocol"
	"github.com/zeusync/worldstore/internal/core/world"
	"github.com/zeusync/worldstore/internal/core/world/memstore"
)

func newTestServer(t *testing.T, mutate func(*Config)) (*Server, *httptest.Server) {
	t.Helper()
	w := world.New(memstore.New(), world.DefaultConfig(), log.NewNop())
	t.Cleanup(func() { _ = w.Close() })

	cfg := DefaultConfig()
	cfg.PingInterval = 0
	if mutate != nil {
		mutate(&cfg)
	}
	srv := New(w, w.IDs(), cfg, log.NewNop())
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(hs.Close)
	return srv, hs
}

func dial(t *testing.T, hs *httptest.Server, query string) *protocol.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(hs.URL, "http") + "/ws" + query
	ws, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	conn := protocol.NewConn(ws, protocol.ConnConfig{WriteTimeout: time.Second})
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func roundTrip(t *testing.T, conn *protocol.Conn, method protocol.Method, params any) *protocol.Message {
	t.Helper()
	req, err := protocol.NewRequest(string(method)+"-1", method, params)
	require.NoError(t, err)
	require.NoError(t, conn.Send(req))
	for {
		msg, err := conn.Receive()
		require.NoError(t, err)
		if msg.ID == req.ID {
			return msg
		}
	}
}

func TestServer_Requests(t *testing.T) {
	_, hs := newTestServer(t, nil)
	conn := dial(t, hs, "")

	t.Run("Apply And Get", func(t *testing.T) {
		tx := models.ChangeToApply{Changes: []models.Change{
			models.Create(models.NewEntity(7, &models.Label{Text: "seven"})),
		}}
		reply := roundTrip(t, conn, protocol.MethodApply, protocol.EncodeTransaction(tx))
		require.Nil(t, reply.Error)
		var applied protocol.ApplyResult
		require.NoError(t, protocol.Decode(reply.Result, &applied))
		require.Equal(t, uint64(1), applied.Versions[7])
		require.NotEmpty(t, applied.Cursor)

		reply = roundTrip(t, conn, protocol.MethodGet, protocol.GetParams{IDs: []models.EntityID{7, 8}})
		var got protocol.GetResult
		require.NoError(t, protocol.Decode(reply.Result, &got))
		require.Len(t, got.Entities, 2)

		state, err := got.Entities[0].State()
		require.NoError(t, err)
		require.Equal(t, uint64(1), state.Version)
		require.Equal(t, "seven", state.Entity.Label.Text)

		state, err = got.Entities[1].State()
		require.NoError(t, err)
		require.False(t, state.Exists())
	})

	t.Run("Rejected Transaction Keeps Its Code", func(t *testing.T) {
		tx := models.ChangeToApply{
			Iffs:    []models.Iff{models.IffAbsent(7)},
			Changes: []models.Change{models.Delete(7)},
		}
		reply := roundTrip(t, conn, protocol.MethodApply, protocol.EncodeTransaction(tx))
		require.NotNil(t, reply.Error)
		require.Equal(t, protocol.CodeRejected, reply.Error.Code)
		require.ErrorIs(t, reply.Error.Err(), world.ErrTransactionRejected)
	})

	t.Run("Unknown Method", func(t *testing.T) {
		reply := roundTrip(t, conn, "teleport", struct{}{})
		require.NotNil(t, reply.Error)
		require.Equal(t, protocol.CodeBadRequest, reply.Error.Code)
	})

	t.Run("Bad Params", func(t *testing.T) {
		req := &protocol.Message{ID: "bad", Method: protocol.MethodGet, Params: json.RawMessage(`{"ids":"x"}`)}
		require.NoError(t, conn.Send(req))
		reply, err := conn.Receive()
		require.NoError(t, err)
		require.Equal(t, protocol.CodeBadRequest, reply.Error.Code)
	})

	t.Run("Healthy", func(t *testing.T) {
		var res protocol.HealthyResult
		require.NoError(t, protocol.Decode(roundTrip(t, conn, protocol.MethodHealthy, struct{}{}).Result, &res))
		require.True(t, res.Healthy)
	})

	t.Run("Allocate", func(t *testing.T) {
		var res protocol.AllocateResult
		require.NoError(t, protocol.Decode(roundTrip(t, conn, protocol.MethodAllocate, protocol.AllocateParams{Count: 3}).Result, &res))
		require.Len(t, res.IDs, 3)
		require.Equal(t, ids.Permute(1), res.IDs[0])
	})
}

type panickingApi struct {
	world.WorldApi
}

func (panickingApi) Healthy(context.Context) bool { panic("store exploded") }

func TestServer_RequestPanics(t *testing.T) {
	w := world.New(memstore.New(), world.DefaultConfig(), log.NewNop())
	t.Cleanup(func() { _ = w.Close() })
	cfg := DefaultConfig()
	cfg.PingInterval = 0
	hs := httptest.NewServer(New(panickingApi{WorldApi: w}, nil, cfg, log.NewNop()).Handler())
	t.Cleanup(hs.Close)
	conn := dial(t, hs, "")

	reply := roundTrip(t, conn, protocol.MethodHealthy, struct{}{})
	require.NotNil(t, reply.Error)
	require.Equal(t, protocol.CodeInternal, reply.Error.Code)
	require.Contains(t, reply.Error.Message, ErrRequestPanicked.Error())

	reply = roundTrip(t, conn, protocol.MethodGet, protocol.GetParams{IDs: []models.EntityID{1}})
	require.Nil(t, reply.Error, "the session survives")
}

func TestServer_SubscribeRejectsOversizedKnown(t *testing.T) {
	_, hs := newTestServer(t, nil)
	conn := dial(t, hs, "")

	body := binary.AppendUvarint(nil, 1<<62)
	body = append(body, 0x10, 0x41)
	known := append([]byte{'V', 1 << 1}, body...)
	known = binary.BigEndian.AppendUint64(known, xxhash.Sum64(body))

	reply := roundTrip(t, conn, protocol.MethodSubscribe, protocol.SubscribeParams{Known: known})
	require.NotNil(t, reply.Error)
	require.Equal(t, protocol.CodeBadRequest, reply.Error.Code)

	var res protocol.HealthyResult
	require.NoError(t, protocol.Decode(roundTrip(t, conn, protocol.MethodHealthy, struct{}{}).Result, &res))
	require.True(t, res.Healthy)
}

func TestServer_Subscribe(t *testing.T) {
	_, hs := newTestServer(t, nil)
	conn := dial(t, hs, "")

	tx := models.ChangeToApply{Changes: []models.Change{models.Create(models.NewEntity(1, &models.Iced{}))}}
	require.Nil(t, roundTrip(t, conn, protocol.MethodApply, protocol.EncodeTransaction(tx)).Error)

	reply := roundTrip(t, conn, protocol.MethodSubscribe, protocol.EncodeSubscribe(world.SubscribeConfig{}, versionmap.CompressionZstd))
	require.Nil(t, reply.Error)
	var sub protocol.SubscribeResult
	require.NoError(t, protocol.Decode(reply.Result, &sub))

	next := func() world.Update {
		t.Helper()
		for {
			msg, err := conn.Receive()
			require.NoError(t, err)
			if msg.Method != protocol.MethodUpdate {
				continue
			}
			var p protocol.UpdateParams
			require.NoError(t, protocol.Decode(msg.Params, &p))
			require.Equal(t, sub.Subscription, p.Subscription)
			u, err := p.Update()
			require.NoError(t, err)
			return u
		}
	}

	snapshot := next()
	require.True(t, snapshot.Bootstrapped)
	require.Len(t, snapshot.Changes, 1)
	require.Equal(t, models.ChangeCreate, snapshot.Changes[0].Kind)

	req, err := protocol.NewRequest("tail", protocol.MethodApply, protocol.EncodeTransaction(models.ChangeToApply{
		Changes: []models.Change{models.Delete(1)},
	}))
	require.NoError(t, err)
	require.NoError(t, conn.Send(req))

	tail := next()
	require.Equal(t, []models.Change{models.Delete(1).WithVersion(2)}, tail.Changes)

	reply = roundTrip(t, conn, protocol.MethodUnsubscribe, protocol.UnsubscribeParams{Subscription: sub.Subscription})
	require.Nil(t, reply.Error)
	reply = roundTrip(t, conn, protocol.MethodUnsubscribe, protocol.UnsubscribeParams{Subscription: sub.Subscription})
	require.NotNil(t, reply.Error)
}

func TestServer_Auth(t *testing.T) {
	_, hs := newTestServer(t, func(c *Config) { c.Token = "secret" })
	u := "ws" + strings.TrimPrefix(hs.URL, "http") + "/ws"

	_, resp, err := websocket.DefaultDialer.Dial(u, nil)
	require.Error(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(u+"?token=wrong", nil)
	require.Error(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	conn := dial(t, hs, "?token=secret")
	require.Nil(t, roundTrip(t, conn, protocol.MethodHealthy, struct{}{}).Error)

	header := http.Header{"Authorization": []string{"Bearer secret"}}
	ws, _, err := websocket.DefaultDialer.Dial(u, header)
	require.NoError(t, err)
	_ = ws.Close()
}

func TestServer_MaxClients(t *testing.T) {
	srv, hs := newTestServer(t, func(c *Config) { c.MaxClients = 1 })
	dial(t, hs, "")
	require.Eventually(t, func() bool { return srv.Sessions() == 1 }, time.Second, 5*time.Millisecond)

	u := "ws" + strings.TrimPrefix(hs.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(u, nil)
	require.Error(t, err)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestSession_SlowConsumer(t *testing.T) {
	srv := New(nil, nil, Config{SendQueue: 1}, log.NewNop())
	sess := newSession(srv, protocol.NewConn(nil, protocol.ConnConfig{}))

	require.NoError(t, sess.enqueue(&protocol.Message{ID: "1"}))
	require.ErrorIs(t, sess.enqueue(&protocol.Message{ID: "2"}), ErrSlowConsumer)
	require.ErrorIs(t, context.Cause(sess.ctx), ErrSlowConsumer)
	require.ErrorIs(t, sess.enqueue(&protocol.Message{ID: "3"}), ErrSlowConsumer)
}

func TestServer_Run(t *testing.T) {
	w := world.New(memstore.New(), world.DefaultConfig(), log.NewNop())
	defer w.Close()
	cfg := DefaultConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	srv := New(w, nil, cfg, log.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	addr, err := srv.Addr(ctx)
	require.NoError(t, err)
	ws, _, err := websocket.DefaultDialer.Dial("ws://"+addr.String()+"/ws", nil)
	require.NoError(t, err)
	conn := protocol.NewConn(ws, protocol.ConnConfig{})
	reply := roundTrip(t, conn, protocol.MethodAllocate, protocol.AllocateParams{Count: 1})
	require.Equal(t, protocol.CodeInternal, reply.Error.Code)
	require.Contains(t, reply.Error.Message, ErrAllocateUnsupported.Error())

	resp, err := http.Get("http://" + addr.String() + "/metrics")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
	_, err = conn.Receive()
	require.Error(t, err)
	require.ErrorIs(t, srv.Run(context.Background()), ErrServerClosed)
}
