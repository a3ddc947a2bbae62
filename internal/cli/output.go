package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/zeusync/worldstore/internal/core/models"
)

// entityDoc is the JSON shape of an entity on the command line. Components
// are keyed by schema name; unknown ones by decimal id with hex payload.
type entityDoc struct {
	ID         models.EntityID            `json:"id"`
	Version    uint64                     `json:"version,omitempty"`
	Components map[string]json.RawMessage `json:"components,omitempty"`
}

func componentKey(cid models.ComponentID) string {
	if name := models.ComponentName(cid); name != "" {
		return name
	}
	return fmt.Sprintf("%d", uint32(cid))
}

func newEntityDoc(id models.EntityID, version uint64, e *models.Entity) (entityDoc, error) {
	doc := entityDoc{ID: id, Version: version}
	if e == nil {
		return doc, nil
	}
	doc.Components = make(map[string]json.RawMessage)
	for _, c := range e.Components() {
		var (
			raw []byte
			err error
		)
		if r, ok := c.(*models.RawComponent); ok {
			raw, err = json.Marshal(fmt.Sprintf("%x", r.Payload))
		} else {
			raw, err = json.Marshal(c)
		}
		if err != nil {
			return doc, err
		}
		doc.Components[componentKey(c.ComponentID())] = raw
	}
	return doc, nil
}

type changeDoc struct {
	Kind    string          `json:"kind"`
	ID      models.EntityID `json:"id"`
	Version uint64          `json:"version,omitempty"`
	// Set holds the components of a create, or the components an update
	// writes.
	Set map[string]json.RawMessage `json:"set,omitempty"`
	// Clear lists components an update removes.
	Clear []string `json:"clear,omitempty"`
}

type transactionDoc struct {
	Iffs    []models.Iff `json:"iffs,omitempty"`
	Changes []changeDoc  `json:"changes"`
}

func parseComponent(name string, raw json.RawMessage) (models.Component, error) {
	cid, ok := models.ComponentIDByName(name)
	if !ok {
		return nil, fmt.Errorf("unknown component %q", name)
	}
	c := models.NewComponent(cid)
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, c); err != nil {
			return nil, fmt.Errorf("component %s: %w", name, err)
		}
	}
	return c, nil
}

func (d changeDoc) change() (models.Change, error) {
	components := make([]models.Component, 0, len(d.Set))
	for name, raw := range d.Set {
		c, err := parseComponent(name, raw)
		if err != nil {
			return models.Change{}, err
		}
		components = append(components, c)
	}

	switch strings.ToLower(d.Kind) {
	case "create":
		return models.Create(models.NewEntity(d.ID, components...)), nil
	case "update":
		delta := models.NewDelta().Set(components...)
		for _, name := range d.Clear {
			cid, ok := models.ComponentIDByName(name)
			if !ok {
				return models.Change{}, fmt.Errorf("unknown component %q", name)
			}
			delta.Clear(cid)
		}
		return models.Update(d.ID, delta), nil
	case "delete":
		return models.Delete(d.ID), nil
	default:
		return models.Change{}, fmt.Errorf("unknown change kind %q", d.Kind)
	}
}

func newChangeDoc(c models.Change) (changeDoc, error) {
	doc := changeDoc{Kind: c.Kind.String(), ID: c.ID, Version: c.Version}
	switch c.Kind {
	case models.ChangeCreate:
		e, err := newEntityDoc(c.ID, 0, c.Entity)
		if err != nil {
			return doc, err
		}
		doc.Set = e.Components
	case models.ChangeUpdate:
		doc.Set = make(map[string]json.RawMessage)
		for _, cid := range c.Delta.ComponentIDs() {
			comp := c.Delta[cid]
			if comp == nil {
				doc.Clear = append(doc.Clear, componentKey(cid))
				continue
			}
			raw, err := json.Marshal(comp)
			if err != nil {
				return doc, err
			}
			doc.Set[componentKey(cid)] = raw
		}
	}
	return doc, nil
}

func readTransaction(r io.Reader) (models.ChangeToApply, error) {
	var doc transactionDoc
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		return models.ChangeToApply{}, fmt.Errorf("decode transaction: %w", err)
	}
	tx := models.ChangeToApply{Iffs: doc.Iffs}
	for i, d := range doc.Changes {
		c, err := d.change()
		if err != nil {
			return models.ChangeToApply{}, fmt.Errorf("change %d: %w", i, err)
		}
		tx.Changes = append(tx.Changes, c)
	}
	return tx, nil
}

// printer writes one JSON document per line or a short text form.
type printer struct {
	format string
	w      io.Writer
}

func (p printer) print(v any, text string) error {
	if p.format == "json" {
		return json.NewEncoder(p.w).Encode(v)
	}
	_, err := fmt.Fprintln(p.w, text)
	return err
}
