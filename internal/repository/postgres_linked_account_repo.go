package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/timeroi/internal/model"
)

// PostgresLinkedAccountRepo はPostgreSQLを使用した連携アカウントリポジトリ。
type PostgresLinkedAccountRepo struct {
	db *sql.DB
}

// NewPostgresLinkedAccountRepo はPostgresLinkedAccountRepoを生成する。
func NewPostgresLinkedAccountRepo(db *sql.DB) *PostgresLinkedAccountRepo {
	return &PostgresLinkedAccountRepo{db: db}
}

const linkedAccountColumns = `id, user_id, provider, provider_account_id, access_token, refresh_token,
	expires_at, scope, token_type, version, created_at, updated_at`

// Find は(userID, provider)の連携情報を取得する。見つからない場合はnilを返す。
func (r *PostgresLinkedAccountRepo) Find(ctx context.Context, userID, provider string) (*model.LinkedAccount, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+linkedAccountColumns+` FROM linked_accounts WHERE user_id = $1 AND provider = $2`,
		userID, provider,
	)

	account, err := scanLinkedAccount(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find linked account: %w", classifyPQError(err))
	}
	return account, nil
}

// Upsert は(userID, provider)をキーに連携情報を冪等に作成または上書きする。
// 同一ペイロードで2回呼び出しても行は1件のままとなる。
// RefreshTokenが空の場合は既存のリフレッシュトークンを維持する。
func (r *PostgresLinkedAccountRepo) Upsert(ctx context.Context, account *model.LinkedAccount) error {
	now := time.Now()
	if account.CreatedAt.IsZero() {
		account.CreatedAt = now
	}
	account.UpdatedAt = now

	err := r.db.QueryRowContext(ctx,
		`INSERT INTO linked_accounts
		   (id, user_id, provider, provider_account_id, access_token, refresh_token,
		    expires_at, scope, token_type, version, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 1, $10, $11)
		 ON CONFLICT (user_id, provider) DO UPDATE SET
		   provider_account_id = EXCLUDED.provider_account_id,
		   access_token        = EXCLUDED.access_token,
		   refresh_token       = COALESCE(EXCLUDED.refresh_token, linked_accounts.refresh_token),
		   expires_at          = EXCLUDED.expires_at,
		   scope               = EXCLUDED.scope,
		   token_type          = EXCLUDED.token_type,
		   version             = linked_accounts.version + 1,
		   updated_at          = EXCLUDED.updated_at
		 RETURNING id, refresh_token, version, created_at`,
		account.ID, account.UserID, account.Provider, account.ProviderAccountID,
		account.AccessToken, nullString(account.RefreshToken),
		nullExpiresAt(account.ExpiresAt), account.Scope, account.TokenType,
		account.CreatedAt, account.UpdatedAt,
	).Scan(&account.ID, (*nullableString)(&account.RefreshToken), &account.Version, &account.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert linked account: %w", classifyPQError(err))
	}
	return nil
}

// UpdateTokens はVersionがexpectedVersionと一致する場合のみトークンを更新する。
// 成功時はaccount.Versionを新しい値に更新する。
func (r *PostgresLinkedAccountRepo) UpdateTokens(ctx context.Context, account *model.LinkedAccount, expectedVersion int64) error {
	now := time.Now()

	var newVersion int64
	err := r.db.QueryRowContext(ctx,
		`UPDATE linked_accounts SET
		   access_token  = $1,
		   refresh_token = COALESCE($2, refresh_token),
		   expires_at    = $3,
		   scope         = CASE WHEN $4 = '' THEN scope ELSE $4 END,
		   version       = version + 1,
		   updated_at    = $5
		 WHERE user_id = $6 AND provider = $7 AND version = $8
		 RETURNING version`,
		account.AccessToken, nullString(account.RefreshToken),
		nullExpiresAt(account.ExpiresAt), account.Scope, now,
		account.UserID, account.Provider, expectedVersion,
	).Scan(&newVersion)
	if err == sql.ErrNoRows {
		return ErrVersionConflict
	}
	if err != nil {
		return fmt.Errorf("failed to update linked account tokens: %w", classifyPQError(err))
	}

	account.Version = newVersion
	account.UpdatedAt = now
	return nil
}

// Delete は(userID, provider)の連携情報を削除する。存在しない場合も成功とする。
func (r *PostgresLinkedAccountRepo) Delete(ctx context.Context, userID, provider string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM linked_accounts WHERE user_id = $1 AND provider = $2`,
		userID, provider,
	)
	if err != nil {
		return fmt.Errorf("failed to delete linked account: %w", classifyPQError(err))
	}
	return nil
}

// ListByUserID はユーザーの全連携情報を返す。
func (r *PostgresLinkedAccountRepo) ListByUserID(ctx context.Context, userID string) ([]*model.LinkedAccount, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+linkedAccountColumns+` FROM linked_accounts WHERE user_id = $1 ORDER BY provider`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list linked accounts: %w", classifyPQError(err))
	}
	defer rows.Close()

	var accounts []*model.LinkedAccount
	for rows.Next() {
		account, err := scanLinkedAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan linked account: %w", err)
		}
		accounts = append(accounts, account)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate linked accounts: %w", err)
	}
	return accounts, nil
}

// rowScanner は*sql.Rowと*sql.Rowsの共通インターフェース。
type rowScanner interface {
	Scan(dest ...any) error
}

// scanLinkedAccount は1行をmodel.LinkedAccountに変換する。
func scanLinkedAccount(row rowScanner) (*model.LinkedAccount, error) {
	account := &model.LinkedAccount{}
	var refreshToken sql.NullString
	var expiresAt sql.NullInt64

	err := row.Scan(
		&account.ID, &account.UserID, &account.Provider, &account.ProviderAccountID,
		&account.AccessToken, &refreshToken, &expiresAt,
		&account.Scope, &account.TokenType, &account.Version,
		&account.CreatedAt, &account.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	account.RefreshToken = refreshToken.String
	account.ExpiresAt = expiresAt.Int64
	return account, nil
}

// nullExpiresAt は0をNULLとして扱う。
func nullExpiresAt(v int64) sql.NullInt64 {
	return sql.NullInt64{Int64: v, Valid: v != 0}
}

// nullableString はNULLを空文字列としてスキャンするstring。
type nullableString string

// Scan はsql.Scannerを実装する。
func (s *nullableString) Scan(src any) error {
	var ns sql.NullString
	if err := ns.Scan(src); err != nil {
		return err
	}
	*s = nullableString(ns.String)
	return nil
}

// compile-time interface check
var _ LinkedAccountRepository = (*PostgresLinkedAccountRepo)(nil)
