// Package protocol is the websocket wire format of the WorldApi: JSON
// envelopes whose entity and change payloads are codec bytes (base64 in
// JSON).
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/zeusync/worldstore/internal/core/models"
	"github.com/zeusync/worldstore/internal/core/models/versionmap"
	"github.com/zeusync/worldstore/internal/core/world"
)

type Method string

const (
	MethodGet         Method = "get"
	MethodApply       Method = "apply"
	MethodSubscribe   Method = "subscribe"
	MethodUnsubscribe Method = "unsubscribe"
	MethodHealthy     Method = "healthy"
	MethodAllocate    Method = "allocate"
	// MethodUpdate is pushed by the server, never requested.
	MethodUpdate Method = "update"
)

var (
	ErrInvalidMessage = errors.New("invalid message")
	ErrUnknownMethod  = errors.New("unknown method")
)

// Message is the envelope of requests, responses and pushed updates.
// Requests carry ID, Method and Params. Responses echo ID with Result or
// Error.
type Message struct {
	ID     string          `json:"id,omitempty"`
	Method Method          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

func NewRequest(id string, method Method, params any) (*Message, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode %s params: %w", method, err)
	}
	return &Message{ID: id, Method: method, Params: raw}, nil
}

func NewResult(id string, result any) (*Message, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return &Message{ID: id, Result: raw}, nil
}

func NewError(id string, err error) *Message {
	return &Message{ID: id, Error: ErrorFrom(err)}
}

// Decode unmarshals raw params or results into v.
func Decode(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: empty payload", ErrInvalidMessage)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return nil
}

type GetParams struct {
	IDs []models.EntityID `json:"ids"`
}

// EntityRecord is one entity state. Entity is nil when the id is absent.
type EntityRecord struct {
	ID      models.EntityID `json:"id"`
	Version uint64          `json:"version"`
	Entity  []byte          `json:"entity,omitempty"`
}

type GetResult struct {
	Entities []EntityRecord `json:"entities"`
}

func EncodeState(id models.EntityID, version uint64, e *models.Entity) EntityRecord {
	rec := EntityRecord{ID: id, Version: version}
	if e != nil {
		rec.Entity = models.EncodeEntity(e)
	}
	return rec
}

func (r EntityRecord) State() (models.EntityState, error) {
	state := models.EntityState{Version: r.Version}
	if r.Entity == nil {
		return state, nil
	}
	e, err := models.DecodeEntity(r.ID, r.Entity)
	if err != nil {
		return state, err
	}
	state.Entity = e
	return state, nil
}

type ApplyParams struct {
	Iffs []models.Iff `json:"iffs,omitempty"`
	// Changes is models.EncodeChanges output.
	Changes []byte `json:"changes"`
}

func EncodeTransaction(tx models.ChangeToApply) ApplyParams {
	return ApplyParams{Iffs: tx.Iffs, Changes: models.EncodeChanges(tx.Changes)}
}

func (p ApplyParams) Transaction() (models.ChangeToApply, error) {
	changes, err := models.DecodeChanges(p.Changes)
	if err != nil {
		return models.ChangeToApply{}, fmt.Errorf("%w: %w", world.ErrInvalidTransaction, err)
	}
	return models.ChangeToApply{Iffs: p.Iffs, Changes: changes}, nil
}

type ApplyResult struct {
	Versions map[models.EntityID]uint64 `json:"versions,omitempty"`
	Cursor   string                     `json:"cursor,omitempty"`
}

type SubscribeParams struct {
	Filter models.Filter `json:"filter"`
	Cursor string        `json:"cursor,omitempty"`
	// Known is versionmap.Encode output.
	Known               []byte  `json:"known,omitempty"`
	SkipBootstrap       bool    `json:"skip_bootstrap,omitempty"`
	MaxChangesPerUpdate int     `json:"max_changes_per_update,omitempty"`
	BootstrapBatchSize  int     `json:"bootstrap_batch_size,omitempty"`
	BootstrapRate       float64 `json:"bootstrap_rate,omitempty"`
}

// EncodeSubscribe packs cfg, compressing a large Known map with known.
func EncodeSubscribe(cfg world.SubscribeConfig, known versionmap.Compression) SubscribeParams {
	p := SubscribeParams{
		Filter:              cfg.Filter,
		Cursor:              cfg.Cursor.String(),
		SkipBootstrap:       cfg.SkipBootstrap,
		MaxChangesPerUpdate: cfg.MaxChangesPerUpdate,
		BootstrapBatchSize:  cfg.BootstrapBatchSize,
		BootstrapRate:       cfg.BootstrapRate,
	}
	if cfg.Known != nil {
		p.Known = cfg.Known.EncodeWith(known)
	}
	return p
}

func (p SubscribeParams) Config() (world.SubscribeConfig, error) {
	cfg := world.SubscribeConfig{
		Filter:              p.Filter,
		Cursor:              world.Cursor(p.Cursor),
		SkipBootstrap:       p.SkipBootstrap,
		MaxChangesPerUpdate: p.MaxChangesPerUpdate,
		BootstrapBatchSize:  p.BootstrapBatchSize,
		BootstrapRate:       p.BootstrapRate,
	}
	if len(p.Known) > 0 {
		known, err := versionmap.Decode(p.Known)
		if err != nil {
			return cfg, fmt.Errorf("%w: known versions: %v", ErrInvalidMessage, err)
		}
		cfg.Known = known
	}
	return cfg, nil
}

type SubscribeResult struct {
	Subscription string `json:"subscription"`
}

type UnsubscribeParams struct {
	Subscription string `json:"subscription"`
}

// UpdateParams is a pushed subscription update. An update with Error is the
// last one of its subscription.
type UpdateParams struct {
	Subscription string `json:"subscription"`
	// Changes is models.EncodeChanges output.
	Changes      []byte `json:"changes,omitempty"`
	Bootstrapped bool   `json:"bootstrapped,omitempty"`
	Reset        bool   `json:"reset,omitempty"`
	Cursor       string `json:"cursor,omitempty"`
	Heartbeat    uint64 `json:"heartbeat,omitempty"`
	Error        *Error `json:"error,omitempty"`
}

func EncodeUpdate(subscription string, u world.Update) UpdateParams {
	p := UpdateParams{
		Subscription: subscription,
		Bootstrapped: u.Bootstrapped,
		Reset:        u.Reset,
		Cursor:       u.Cursor.String(),
		Heartbeat:    u.Heartbeat,
	}
	if len(u.Changes) > 0 {
		p.Changes = models.EncodeChanges(u.Changes)
	}
	return p
}

func (p UpdateParams) Update() (world.Update, error) {
	if p.Error != nil {
		return world.Update{}, p.Error.Err()
	}
	u := world.Update{
		Bootstrapped: p.Bootstrapped,
		Reset:        p.Reset,
		Cursor:       world.Cursor(p.Cursor),
		Heartbeat:    p.Heartbeat,
	}
	if len(p.Changes) > 0 {
		changes, err := models.DecodeChanges(p.Changes)
		if err != nil {
			return world.Update{}, fmt.Errorf("%w: %w", world.ErrMalformedEntity, err)
		}
		u.Changes = changes
	}
	return u, nil
}

type HealthyResult struct {
	Healthy bool `json:"healthy"`
}

type AllocateParams struct {
	Count int `json:"count"`
}

type AllocateResult struct {
	IDs []models.EntityID `json:"ids"`
}
