package store

import (
	"context"
	"fmt"
	"strconv"
	"time"
)

const (
	cursorLastSlot           = "lastSlot"
	cursorUpdatedAt          = "updatedAt"
	cursorLastReconciledSlot = "lastReconciledSlot"

	statsTotalIndexed  = "totalIndexed"
	statsStartedAt     = "startedAt"
	statsLastIndexedAt = "lastIndexedAt"
)

// Cursor is the durable resume point. LastSlot never decreases.
type Cursor struct {
	LastSlot           uint64    `json:"lastSlot"`
	UpdatedAt          time.Time `json:"updatedAt"`
	LastReconciledSlot uint64    `json:"lastReconciledSlot"`
}

// Stats are informational counters kept next to the cursor
type Stats struct {
	TotalIndexed  uint64    `json:"totalIndexed"`
	StartedAt     time.Time `json:"startedAt"`
	LastIndexedAt time.Time `json:"lastIndexedAt"`
}

// GetCursor returns the cursor. An empty store yields the zero Cursor.
func (s *MemoStore) GetCursor(ctx context.Context) (Cursor, error) {
	fields, err := s.client.HGetAll(ctx, CursorKey).Result()
	if err != nil {
		return Cursor{}, fmt.Errorf("failed to read cursor: %w", err)
	}

	var c Cursor
	if c.LastSlot, err = parseOptionalUint(fields[cursorLastSlot]); err != nil {
		return Cursor{}, fmt.Errorf("corrupt cursor %s: %w", cursorLastSlot, err)
	}
	if c.LastReconciledSlot, err = parseOptionalUint(fields[cursorLastReconciledSlot]); err != nil {
		return Cursor{}, fmt.Errorf("corrupt cursor %s: %w", cursorLastReconciledSlot, err)
	}
	if c.UpdatedAt, err = parseMillis(fields[cursorUpdatedAt]); err != nil {
		return Cursor{}, fmt.Errorf("corrupt cursor %s: %w", cursorUpdatedAt, err)
	}
	return c, nil
}

// SetLastReconciledSlot records the slot a reconciliation pass completed at
func (s *MemoStore) SetLastReconciledSlot(ctx context.Context, slot uint64) error {
	err := s.client.HSet(ctx, CursorKey, cursorLastReconciledSlot, strconv.FormatUint(slot, 10)).Err()
	if err != nil {
		return fmt.Errorf("failed to set %s: %w", cursorLastReconciledSlot, err)
	}
	return nil
}

// GetStats returns the informational counters
func (s *MemoStore) GetStats(ctx context.Context) (Stats, error) {
	fields, err := s.client.HGetAll(ctx, StatsKey).Result()
	if err != nil {
		return Stats{}, fmt.Errorf("failed to read stats: %w", err)
	}

	var st Stats
	if st.TotalIndexed, err = parseOptionalUint(fields[statsTotalIndexed]); err != nil {
		return Stats{}, fmt.Errorf("corrupt stats %s: %w", statsTotalIndexed, err)
	}
	if st.StartedAt, err = parseMillis(fields[statsStartedAt]); err != nil {
		return Stats{}, fmt.Errorf("corrupt stats %s: %w", statsStartedAt, err)
	}
	if st.LastIndexedAt, err = parseMillis(fields[statsLastIndexedAt]); err != nil {
		return Stats{}, fmt.Errorf("corrupt stats %s: %w", statsLastIndexedAt, err)
	}
	return st, nil
}

// SetStartedAt stamps the process start time
func (s *MemoStore) SetStartedAt(ctx context.Context, t time.Time) error {
	err := s.client.HSet(ctx, StatsKey, statsStartedAt, strconv.FormatInt(t.UnixMilli(), 10)).Err()
	if err != nil {
		return fmt.Errorf("failed to set %s: %w", statsStartedAt, err)
	}
	return nil
}

func parseOptionalUint(raw string) (uint64, error) {
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseUint(raw, 10, 64)
}
