package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/timeroi/internal/model"
)

// PostgresEventTagRepo はPostgreSQLを使用したイベントタグリポジトリ。
type PostgresEventTagRepo struct {
	db *sql.DB
}

// NewPostgresEventTagRepo はPostgresEventTagRepoを生成する。
func NewPostgresEventTagRepo(db *sql.DB) *PostgresEventTagRepo {
	return &PostgresEventTagRepo{db: db}
}

const eventTagColumns = `id, user_id, event_id, calendar_id, value_tier, category, event_title,
	starts_at, ends_at, created_at, updated_at`

// Upsert は(userID, eventID)をキーにタグを冪等に作成または上書きする。
// 重複はON CONFLICTで吸収し、テーブル未作成はErrSchemaMissingとして返す。
func (r *PostgresEventTagRepo) Upsert(ctx context.Context, tag *model.EventTag) error {
	now := time.Now()
	if tag.CreatedAt.IsZero() {
		tag.CreatedAt = now
	}
	tag.UpdatedAt = now

	err := r.db.QueryRowContext(ctx,
		`INSERT INTO event_tags
		   (id, user_id, event_id, calendar_id, value_tier, category, event_title,
		    starts_at, ends_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (user_id, event_id) DO UPDATE SET
		   calendar_id = EXCLUDED.calendar_id,
		   value_tier  = EXCLUDED.value_tier,
		   category    = EXCLUDED.category,
		   event_title = EXCLUDED.event_title,
		   starts_at   = EXCLUDED.starts_at,
		   ends_at     = EXCLUDED.ends_at,
		   updated_at  = EXCLUDED.updated_at
		 RETURNING id, created_at`,
		tag.ID, tag.UserID, tag.EventID, tag.CalendarID,
		string(tag.ValueTier), string(tag.Category), tag.EventTitle,
		tag.StartsAt, tag.EndsAt, tag.CreatedAt, tag.UpdatedAt,
	).Scan(&tag.ID, &tag.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert event tag: %w", classifyPQError(err))
	}
	return nil
}

// FindByEventID は(userID, eventID)のタグを取得する。見つからない場合はnilを返す。
func (r *PostgresEventTagRepo) FindByEventID(ctx context.Context, userID, eventID string) (*model.EventTag, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+eventTagColumns+` FROM event_tags WHERE user_id = $1 AND event_id = $2`,
		userID, eventID,
	)

	tag, err := scanEventTag(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find event tag: %w", classifyPQError(err))
	}
	return tag, nil
}

// ListByRange は開始日時が[from, to)に含まれるタグを開始日時順に返す。
func (r *PostgresEventTagRepo) ListByRange(ctx context.Context, userID string, from, to time.Time) ([]*model.EventTag, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+eventTagColumns+` FROM event_tags
		 WHERE user_id = $1 AND starts_at >= $2 AND starts_at < $3
		 ORDER BY starts_at ASC`,
		userID, from, to,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list event tags: %w", classifyPQError(err))
	}
	defer rows.Close()

	var tags []*model.EventTag
	for rows.Next() {
		tag, err := scanEventTag(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event tag: %w", err)
		}
		tags = append(tags, tag)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate event tags: %w", err)
	}
	return tags, nil
}

// Delete は(userID, eventID)のタグを削除する。存在しない場合も成功とする。
func (r *PostgresEventTagRepo) Delete(ctx context.Context, userID, eventID string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM event_tags WHERE user_id = $1 AND event_id = $2`,
		userID, eventID,
	)
	if err != nil {
		return fmt.Errorf("failed to delete event tag: %w", classifyPQError(err))
	}
	return nil
}

// DeleteByUserID はユーザーの全タグを削除する。
func (r *PostgresEventTagRepo) DeleteByUserID(ctx context.Context, userID string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM event_tags WHERE user_id = $1`,
		userID,
	)
	if err != nil {
		return fmt.Errorf("failed to delete event tags by user: %w", classifyPQError(err))
	}
	return nil
}

func scanEventTag(row rowScanner) (*model.EventTag, error) {
	tag := &model.EventTag{}
	var tier, category string

	err := row.Scan(
		&tag.ID, &tag.UserID, &tag.EventID, &tag.CalendarID,
		&tier, &category, &tag.EventTitle,
		&tag.StartsAt, &tag.EndsAt, &tag.CreatedAt, &tag.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	tag.ValueTier = model.ValueTier(tier)
	tag.Category = model.Category(category)
	return tag, nil
}

// compile-time interface check
var _ EventTagRepository = (*PostgresEventTagRepo)(nil)
