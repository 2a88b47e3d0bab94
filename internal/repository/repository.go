// Package repository persists pool events, snapshots and account positions
// to Postgres. It is the audit trail behind the /v1/events API; the ledger
// itself never reads from it.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/flexstake/flexstake-backend/internal/engine"
)

type Repository struct {
	db     *sql.DB
	logger *zap.SugaredLogger
}

func NewRepository(db *sql.DB, logger *zap.SugaredLogger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// StoredEvent is an engine event with its storage sequence number, the
// pagination cursor for /v1/events.
type StoredEvent struct {
	Seq int64 `json:"seq"`
	engine.Event
}

// Event storage
func (r *Repository) StoreEvent(ctx context.Context, event engine.Event) error {
	fieldsJSON, err := json.Marshal(event.Fields)
	if err != nil {
		return fmt.Errorf("failed to marshal event fields: %w", err)
	}

	query := `
		INSERT INTO events (id, ts, type, account, fields)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING
	`

	_, err = r.db.ExecContext(ctx, query,
		event.ID,
		event.Time,
		event.Type,
		event.Account,
		fieldsJSON,
	)

	if err != nil {
		return fmt.Errorf("failed to store event: %w", err)
	}

	return nil
}

func (r *Repository) StoreBatchEvents(ctx context.Context, events []engine.Event) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO events (id, ts, type, account, fields)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, event := range events {
		fieldsJSON, err := json.Marshal(event.Fields)
		if err != nil {
			return fmt.Errorf("failed to marshal event fields: %w", err)
		}

		_, err = stmt.ExecContext(ctx,
			event.ID,
			event.Time,
			event.Type,
			event.Account,
			fieldsJSON,
		)
		if err != nil {
			return fmt.Errorf("failed to execute statement: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	r.logger.Debugw("Stored batch of events", "count", len(events))
	return nil
}

// Pool snapshots
func (r *Repository) StorePoolSnapshot(ctx context.Context, snap engine.Snapshot) error {
	query := `
		INSERT INTO pool_snapshots (at, total_staked, reward_per_unit, mode, reward_rate, period_finish, halted)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (at) DO UPDATE SET
			total_staked = EXCLUDED.total_staked,
			reward_per_unit = EXCLUDED.reward_per_unit,
			mode = EXCLUDED.mode,
			reward_rate = EXCLUDED.reward_rate,
			period_finish = EXCLUDED.period_finish,
			halted = EXCLUDED.halted
	`

	_, err := r.db.ExecContext(ctx, query,
		snap.Now,
		snap.TotalStaked.String(),
		snap.RewardPerUnit.String(),
		string(snap.Mode),
		snap.RewardRate.String(),
		snap.PeriodFinish,
		snap.Halted,
	)

	if err != nil {
		return fmt.Errorf("failed to store pool snapshot: %w", err)
	}

	return nil
}

// Account positions
func (r *Repository) UpdateAccountPosition(ctx context.Context, view engine.AccountView, at uint64) error {
	query := `
		INSERT INTO account_positions (address, staked, earned, unbond_count, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (address) DO UPDATE SET
			staked = EXCLUDED.staked,
			earned = EXCLUDED.earned,
			unbond_count = EXCLUDED.unbond_count,
			updated_at = EXCLUDED.updated_at
	`

	_, err := r.db.ExecContext(ctx, query,
		string(view.Address),
		view.Staked.String(),
		view.Earned.String(),
		view.UnbondCount,
		at,
	)

	if err != nil {
		return fmt.Errorf("failed to update account position: %w", err)
	}

	return nil
}

// Query methods for API

// ListEvents returns up to limit events newest-first, optionally filtered
// by account. The cursor is the last seen sequence number; only events
// older than it are returned.
func (r *Repository) ListEvents(ctx context.Context, account string, limit int, cursor string) ([]StoredEvent, string, error) {
	var beforeSeq int64
	if cursor != "" {
		parsed, err := strconv.ParseInt(cursor, 10, 64)
		if err != nil {
			return nil, "", fmt.Errorf("invalid cursor format: %w", err)
		}
		beforeSeq = parsed
	}

	query := `
		SELECT seq, id, ts, type, account, fields
		FROM events
		WHERE ($1 = '' OR account = $1)
		AND ($2 = 0 OR seq < $2)
		ORDER BY seq DESC
		LIMIT $3
	`

	rows, err := r.db.QueryContext(ctx, query, account, beforeSeq, limit+1) // +1 to check if there are more
	if err != nil {
		return nil, "", fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []StoredEvent
	var hasMore bool

	for rows.Next() {
		if len(events) >= limit {
			hasMore = true
			break
		}

		var event StoredEvent
		var fieldsJSON []byte

		err := rows.Scan(
			&event.Seq,
			&event.ID,
			&event.Time,
			&event.Type,
			&event.Account,
			&fieldsJSON,
		)
		if err != nil {
			return nil, "", fmt.Errorf("failed to scan event: %w", err)
		}

		if len(fieldsJSON) > 0 {
			if err := json.Unmarshal(fieldsJSON, &event.Fields); err != nil {
				return nil, "", fmt.Errorf("failed to unmarshal event fields: %w", err)
			}
		}

		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("row iteration error: %w", err)
	}

	var nextCursor string
	if hasMore && len(events) > 0 {
		nextCursor = strconv.FormatInt(events[len(events)-1].Seq, 10)
	}

	return events, nextCursor, nil
}

// Health check
func (r *Repository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}
