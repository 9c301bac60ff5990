package pool

import (
	"encoding/json"
	"os"
)

// entryRecord is the persisted shape of one pool entry.
type entryRecord struct {
	ID       int      `json:"id"`
	TypeID   string   `json:"type"`
	Title    string   `json:"title"`
	Settings Settings `json:"settings"`
	Enabled  bool     `json:"enabled"`
}

// LoadState rebuilds the pool from the state file written by earlier runs.
// Backend types must be registered first. Missing file means a fresh pool.
func (o *Orchestrator) LoadState() error {
	if o.cfg.StatePath == "" {
		return nil
	}
	b, err := os.ReadFile(o.cfg.StatePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var records []entryRecord
	if err := json.Unmarshal(b, &records); err != nil {
		return err
	}
	for _, rec := range records {
		o.mu.Lock()
		f, ok := o.types[rec.TypeID]
		o.mu.Unlock()
		if !ok {
			o.cfg.Logger.Warn().Str("type", rec.TypeID).Int("id", rec.ID).
				Msg("skipping persisted backend of unregistered type")
			continue
		}
		conn, err := f(rec.Settings)
		if err != nil {
			o.cfg.Logger.Warn().Err(err).Int("id", rec.ID).Msg("skipping persisted backend")
			continue
		}
		e := &entry{
			id:       rec.ID,
			title:    rec.Title,
			typeID:   rec.TypeID,
			settings: rec.Settings,
			conn:     conn,
			enabled:  rec.Enabled,
			status:   StatusUninitialized,
		}
		if !rec.Enabled {
			e.status = StatusDisabled
		}
		o.mu.Lock()
		o.entries[e.id] = e
		if e.id >= o.nextID {
			o.nextID = e.id + 1
		}
		o.mu.Unlock()
		o.subscribeConn(e)
	}
	o.mu.Lock()
	o.dirty = false
	o.mu.Unlock()
	o.wakeInitLoop()
	return nil
}

// saveState persists the pool configuration. Best-effort: failures are
// logged, not propagated.
func (o *Orchestrator) saveState() {
	if o.cfg.StatePath == "" {
		return
	}
	o.mu.Lock()
	if !o.dirty {
		o.mu.Unlock()
		return
	}
	records := make([]entryRecord, 0, len(o.entries))
	for id := 1; id < o.nextID; id++ {
		e, ok := o.entries[id]
		if !ok {
			continue
		}
		records = append(records, entryRecord{
			ID:       e.id,
			TypeID:   e.typeID,
			Title:    e.title,
			Settings: e.settings,
			Enabled:  e.enabled,
		})
	}
	o.dirty = false
	o.mu.Unlock()
	b, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return
	}
	if err := os.WriteFile(o.cfg.StatePath, b, 0o644); err != nil {
		o.cfg.Logger.Warn().Err(err).Str("path", o.cfg.StatePath).Msg("pool state save failed")
	}
}
