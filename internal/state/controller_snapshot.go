package state

import (
	"context"
	"encoding/json"
	"strings"
)

const ControllerSnapshotKey = "strategy:controller_snapshot"

// ControllerSnapshot is the durable slice of controller state: the flags
// that must survive a restart. Positions and balances are always
// re-derived from the venue and ledger, never trusted from disk.
type ControllerSnapshot struct {
	Status                  string `json:"status"`
	Paused                  bool   `json:"paused"`
	Stopped                 bool   `json:"stopped"`
	ProcessingRebalanceDown bool   `json:"processing_rebalance_down"`
	UpdatedAtMS             int64  `json:"updated_at_ms"`
}

func LoadControllerSnapshot(ctx context.Context, store Store) (ControllerSnapshot, bool, error) {
	if store == nil {
		return ControllerSnapshot{}, false, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	raw, ok, err := store.Get(ctx, ControllerSnapshotKey)
	if err != nil {
		return ControllerSnapshot{}, false, err
	}
	if !ok || strings.TrimSpace(raw) == "" {
		return ControllerSnapshot{}, false, nil
	}
	var snapshot ControllerSnapshot
	if err := json.Unmarshal([]byte(raw), &snapshot); err != nil {
		return ControllerSnapshot{}, false, err
	}
	return snapshot, true, nil
}

func SaveControllerSnapshot(ctx context.Context, store Store, snapshot ControllerSnapshot) error {
	if store == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	return store.Set(ctx, ControllerSnapshotKey, string(payload))
}
