package state

import (
	"context"
	"encoding/json"
	"strings"
)

// HedgesSnapshotKey is where the hedge manager persists its full in-memory
// hedges table so a restart can reload in-flight positions instead of
// starting blind.
const HedgesSnapshotKey = "hedges:snapshot"

// LoadSnapshot unmarshals the JSON blob stored under key into dst. It
// reports ok=false (with a nil error) when nothing has been saved yet.
func LoadSnapshot(ctx context.Context, store Store, key string, dst any) (bool, error) {
	if store == nil {
		return false, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	raw, ok, err := store.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if !ok || strings.TrimSpace(raw) == "" {
		return false, nil
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return false, err
	}
	return true, nil
}

// SaveSnapshot marshals src as JSON and writes it under key. A nil store is
// a no-op so persistence can remain optional.
func SaveSnapshot(ctx context.Context, store Store, key string, src any) error {
	if store == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	payload, err := json.Marshal(src)
	if err != nil {
		return err
	}
	return store.Set(ctx, key, string(payload))
}
