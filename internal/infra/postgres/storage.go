package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"exam-session-service/internal/domain"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
)

// NotifyChannel is the LISTEN/NOTIFY channel carrying changed keys.
const NotifyChannel = "exam_storage_events"

// Storage keeps the key/value space in the storage_entries table. Writes
// notify NotifyChannel inside their transaction, so listeners only hear
// about committed changes.
type Storage struct {
	pool *pgxpool.Pool
}

func NewStorage(pool *pgxpool.Pool) *Storage {
	return &Storage{pool: pool}
}

func (s *Storage) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.pool.QueryRow(ctx, `SELECT value FROM storage_entries WHERE key=$1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("load entry %s: %w", key, err)
	}
	return value, true, nil
}

func (s *Storage) Set(ctx context.Context, key, value string) error {
	err := s.pool.BeginFunc(ctx, func(tx pgx.Tx) error {
		if err := upsert(ctx, tx, key, value); err != nil {
			return err
		}
		return notify(ctx, tx, key)
	})
	if err != nil {
		return fmt.Errorf("store entry %s: %w", key, err)
	}
	return nil
}

func (s *Storage) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	err := s.pool.BeginFunc(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `DELETE FROM storage_entries WHERE key = ANY($1) RETURNING key`, keys)
		if err != nil {
			return err
		}
		var deleted []string
		for rows.Next() {
			var key string
			if err := rows.Scan(&key); err != nil {
				rows.Close()
				return err
			}
			deleted = append(deleted, key)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		for _, key := range deleted {
			if err := notify(ctx, tx, key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete entries: %w", err)
	}
	return nil
}

// Update serialises writers of key with a transaction-scoped advisory lock.
func (s *Storage) Update(ctx context.Context, key string, fn func(current string, exists bool) (string, error)) error {
	err := s.pool.BeginFunc(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key); err != nil {
			return err
		}
		var current string
		exists := true
		err := tx.QueryRow(ctx, `SELECT value FROM storage_entries WHERE key=$1`, key).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			exists = false
		} else if err != nil {
			return err
		}
		next, err := fn(current, exists)
		if err != nil {
			return err
		}
		if err := upsert(ctx, tx, key, next); err != nil {
			return err
		}
		return notify(ctx, tx, key)
	})
	if err != nil {
		return fmt.Errorf("update entry %s: %w", key, err)
	}
	return nil
}

// Watch holds one pooled connection in LISTEN mode until cancelled.
func (s *Storage) Watch(ctx context.Context, prefix string) (<-chan domain.StorageEvent, func(), error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("acquire listener: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+NotifyChannel); err != nil {
		conn.Release()
		return nil, nil, fmt.Errorf("listen: %w", err)
	}

	listenCtx, cancel := context.WithCancel(ctx)
	out := make(chan domain.StorageEvent, 16)
	go func() {
		defer close(out)
		defer func() {
			// The connection is mid-wait when cancelled; close it instead of
			// returning a LISTENing connection to the pool.
			_ = conn.Conn().Close(context.Background())
			conn.Release()
		}()
		for {
			n, err := conn.Conn().WaitForNotification(listenCtx)
			if err != nil {
				return
			}
			if !strings.HasPrefix(n.Payload, prefix) {
				continue
			}
			ev := domain.StorageEvent{Key: n.Payload}
			select {
			case out <- ev:
			default:
				select {
				case <-out:
				default:
				}
				out <- ev
			}
		}
	}()
	return out, cancel, nil
}

func upsert(ctx context.Context, tx pgx.Tx, key, value string) error {
	_, err := tx.Exec(ctx, `INSERT INTO storage_entries (key, value, updated_at) VALUES ($1, $2, now())
ON CONFLICT (key) DO UPDATE SET value=EXCLUDED.value, updated_at=EXCLUDED.updated_at`, key, value)
	return err
}

func notify(ctx context.Context, tx pgx.Tx, key string) error {
	_, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, NotifyChannel, key)
	return err
}
