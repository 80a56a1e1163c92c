package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"autotrader/internal/session"
)

const tokenSchema = `
CREATE TABLE IF NOT EXISTS oauth_tokens (
	vendor TEXT PRIMARY KEY,
	access_token TEXT NOT NULL,
	token_type TEXT,
	expires_in INTEGER NOT NULL,
	refresh_token TEXT,
	refresh_token_expires_in INTEGER NOT NULL,
	base_uri TEXT,
	issued_at INTEGER NOT NULL
);`

// TokenStore 按供应商保存最近一次签发的 OAuth2 令牌。
type TokenStore struct {
	store  *Store
	vendor string
}

// NewTokenStore 创建令牌存储并确保表结构存在。
func NewTokenStore(ctx context.Context, s *Store, vendor string) (*TokenStore, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store: 数据库未初始化")
	}
	if _, err := s.db.ExecContext(ctx, tokenSchema); err != nil {
		return nil, fmt.Errorf("store: 初始化 oauth_tokens 表失败: %w", err)
	}
	return &TokenStore{store: s, vendor: vendor}, nil
}

// Token 返回已保存的令牌，不存在时返回 nil。
func (t *TokenStore) Token(ctx context.Context) (*session.Credential, error) {
	row := t.store.db.QueryRowContext(ctx, `
SELECT access_token, token_type, expires_in, refresh_token, refresh_token_expires_in, base_uri, issued_at
FROM oauth_tokens WHERE vendor = ?`, t.vendor)

	var (
		cred      session.Credential
		tokenType sql.NullString
		refresh   sql.NullString
		baseURI   sql.NullString
		issuedAt  int64
	)
	err := row.Scan(&cred.AccessToken, &tokenType, &cred.ExpiresIn, &refresh, &cred.RefreshTokenExpiresIn, &baseURI, &issuedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: 读取令牌失败: %w", err)
	}

	cred.TokenType = tokenType.String
	cred.RefreshToken = refresh.String
	cred.BaseURI = baseURI.String
	cred.IssuedAt = time.UnixMilli(issuedAt)
	return &cred, nil
}

// StoreToken 在同一事务内删除旧令牌并写入新令牌。
func (t *TokenStore) StoreToken(ctx context.Context, cred session.Credential) error {
	return t.store.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM oauth_tokens WHERE vendor = ?`, t.vendor); err != nil {
			return fmt.Errorf("store: 删除旧令牌失败: %w", err)
		}
		_, err := tx.ExecContext(ctx, `
INSERT INTO oauth_tokens (vendor, access_token, token_type, expires_in, refresh_token, refresh_token_expires_in, base_uri, issued_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			t.vendor,
			cred.AccessToken,
			cred.TokenType,
			cred.ExpiresIn,
			cred.RefreshToken,
			cred.RefreshTokenExpiresIn,
			cred.BaseURI,
			cred.IssuedAt.UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("store: 写入令牌失败: %w", err)
		}
		return nil
	})
}
