package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/withObsrvr/ttp-processor-demo/memo-indexer/decoder"
)

// Record hash field names. These match what earlier deployments wrote so an
// existing keyspace stays readable.
const (
	fieldKey           = "pubkey"
	fieldOwner         = "author"
	fieldText          = "text"
	fieldTimestamp     = "timestamp"
	fieldNonce         = "nonce"
	fieldBump          = "bump"
	fieldIndexedAtSlot = "indexedAtSlot"
)

// PutResult describes what Put did with a record
type PutResult int

const (
	Inserted PutResult = iota + 1
	Updated
	Skipped
)

func (r PutResult) String() string {
	switch r {
	case Inserted:
		return "inserted"
	case Updated:
		return "updated"
	case Skipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// Put writes memo as observed at slot. A record already indexed at the same
// or a later slot is left alone, but the cursor still advances. All writes go
// out in one MULTI/EXEC batch; any failed sub-command fails the whole Put.
func (s *MemoStore) Put(ctx context.Context, memo *decoder.Memo, slot uint64) (PutResult, error) {
	result, err := s.put(ctx, memo, slot)
	if err != nil {
		return 0, s.recordFailure(err)
	}
	s.recordSuccess()
	return result, nil
}

func (s *MemoStore) put(ctx context.Context, memo *decoder.Memo, slot uint64) (PutResult, error) {
	key := memoKey(memo.Key)

	var existingCmd *redis.SliceCmd
	var cursorCmd *redis.StringCmd
	_, err := s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		existingCmd = p.HMGet(ctx, key, fieldIndexedAtSlot, fieldOwner)
		cursorCmd = p.HGet(ctx, CursorKey, cursorLastSlot)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, fmt.Errorf("failed to read current state for %s: %w", memo.Key, err)
	}

	vals := existingCmd.Val()
	existed := len(vals) > 0 && vals[0] != nil
	var existingSlot uint64
	var previousOwner string
	if existed {
		existingSlot, err = parseUintField(vals[0])
		if err != nil {
			return 0, fmt.Errorf("corrupt %s on %s: %w", fieldIndexedAtSlot, key, err)
		}
		if len(vals) > 1 && vals[1] != nil {
			previousOwner, _ = vals[1].(string)
		}
	}

	cursorSlot := slot
	if raw, cerr := cursorCmd.Result(); cerr == nil {
		current, perr := strconv.ParseUint(raw, 10, 64)
		if perr != nil {
			return 0, fmt.Errorf("corrupt cursor %s: %w", cursorLastSlot, perr)
		}
		cursorSlot = max(cursorSlot, current)
	}

	result := Inserted
	switch {
	case existed && slot <= existingSlot:
		result = Skipped
	case existed:
		result = Updated
	}

	now := s.opts.Now().UnixMilli()
	cmds, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		if result != Skipped {
			p.HSet(ctx, key,
				fieldKey, memo.Key,
				fieldOwner, memo.Owner,
				fieldText, memo.Text,
				fieldTimestamp, strconv.FormatInt(memo.Timestamp, 10),
				fieldNonce, strconv.FormatUint(memo.Nonce, 10),
				fieldBump, strconv.FormatUint(uint64(memo.Bump), 10),
				fieldIndexedAtSlot, strconv.FormatUint(slot, 10),
			)
			if previousOwner != "" && previousOwner != memo.Owner {
				p.ZRem(ctx, authorKey(previousOwner), memo.Key)
			}
			// Scores are float64; nonces above 2^53 lose precision here only.
			p.ZAdd(ctx, authorKey(memo.Owner), redis.Z{Score: float64(memo.Nonce), Member: memo.Key})
			p.ZAdd(ctx, RecentKey, redis.Z{Score: float64(memo.Timestamp), Member: memo.Key})
			p.ZRemRangeByRank(ctx, RecentKey, 0, -(RecentWindow + 1))
			if result == Inserted {
				p.HIncrBy(ctx, StatsKey, statsTotalIndexed, 1)
			}
		}
		p.HSet(ctx, CursorKey,
			cursorLastSlot, strconv.FormatUint(cursorSlot, 10),
			cursorUpdatedAt, strconv.FormatInt(now, 10),
		)
		p.HSet(ctx, StatsKey, statsLastIndexedAt, strconv.FormatInt(now, 10))
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("write batch for %s failed: %w", memo.Key, err)
	}
	for _, cmd := range cmds {
		if cmd.Err() != nil {
			return 0, fmt.Errorf("write batch for %s failed on %s: %w", memo.Key, cmd.Name(), cmd.Err())
		}
	}

	if result == Skipped {
		s.logger.Debug().
			Str("key", memo.Key).
			Uint64("slot", slot).
			Uint64("indexed_at_slot", existingSlot).
			Msg("Skipping, already indexed at same or later slot")
	} else {
		s.logger.Info().
			Str("key", memo.Key).
			Str("owner", memo.Owner).
			Uint64("nonce", memo.Nonce).
			Uint64("slot", slot).
			Str("result", result.String()).
			Msg("Memo stored")
	}

	return result, nil
}

// Get returns the stored record for key, or nil when absent
func (s *MemoStore) Get(ctx context.Context, key string) (*decoder.Memo, error) {
	fields, err := s.client.HGetAll(ctx, memoKey(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	memo, err := memoFromHash(fields)
	if err != nil {
		return nil, fmt.Errorf("corrupt record %s: %w", key, err)
	}
	return memo, nil
}

// Exists reports whether a record is stored for key
func (s *MemoStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, memoKey(key)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check %s: %w", key, err)
	}
	return n > 0, nil
}

// ListByAuthor returns the owner's record keys, highest nonce first
func (s *MemoStore) ListByAuthor(ctx context.Context, owner string) ([]string, error) {
	keys, err := s.client.ZRevRange(ctx, authorKey(owner), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list memos for %s: %w", owner, err)
	}
	return keys, nil
}

// ListRecent returns up to limit record keys, newest timestamp first.
// limit <= 0 means DefaultRecentLimit; it is capped at RecentWindow.
func (s *MemoStore) ListRecent(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	limit = min(limit, RecentWindow)

	keys, err := s.client.ZRevRange(ctx, RecentKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list recent memos: %w", err)
	}
	return keys, nil
}

func memoFromHash(fields map[string]string) (*decoder.Memo, error) {
	memo := &decoder.Memo{
		Key:   fields[fieldKey],
		Owner: fields[fieldOwner],
		Text:  fields[fieldText],
	}

	var err error
	if memo.Timestamp, err = strconv.ParseInt(fields[fieldTimestamp], 10, 64); err != nil {
		return nil, fmt.Errorf("%s: %w", fieldTimestamp, err)
	}
	if memo.Nonce, err = strconv.ParseUint(fields[fieldNonce], 10, 64); err != nil {
		return nil, fmt.Errorf("%s: %w", fieldNonce, err)
	}
	bump, err := strconv.ParseUint(fields[fieldBump], 10, 8)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", fieldBump, err)
	}
	memo.Bump = uint8(bump)
	if memo.IndexedAtSlot, err = strconv.ParseUint(fields[fieldIndexedAtSlot], 10, 64); err != nil {
		return nil, fmt.Errorf("%s: %w", fieldIndexedAtSlot, err)
	}
	return memo, nil
}

func parseUintField(v interface{}) (uint64, error) {
	s, ok := v.(string)
	if !ok {
		return 0, fmt.Errorf("unexpected type %T", v)
	}
	return strconv.ParseUint(s, 10, 64)
}

func parseMillis(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms), nil
}
