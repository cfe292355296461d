package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidSession はセッショントークンの署名・有効期限・内容の検証に失敗したことを示す。
var ErrInvalidSession = errors.New("invalid session token")

// claims はセッションJWTのクレーム。
// at/rtはAES-256-GCMで暗号化したプロバイダートークン。
type claims struct {
	Email              string `json:"email"`
	Name               string `json:"name,omitempty"`
	Company            string `json:"company,omitempty"`
	Role               string `json:"role,omitempty"`
	AccessToken        string `json:"at,omitempty"`
	RefreshToken       string `json:"rt,omitempty"`
	AccessTokenExpires int64  `json:"accessTokenExpires,omitempty"`
	Scope              string `json:"scope,omitempty"`
	Error              string `json:"error,omitempty"`
	RefreshFailures    int    `json:"refreshFailures,omitempty"`
	jwt.RegisteredClaims
}

// Codec はTokenとHS256署名付きJWTを相互変換する。
type Codec struct {
	signingKey []byte
	sealer     *tokenSealer
	maxAge     time.Duration
	now        func() time.Time
}

// NewCodec はCodecを生成する。
// 署名鍵と暗号鍵はsecretから別々に導出する。
func NewCodec(secret string, maxAge time.Duration) (*Codec, error) {
	if secret == "" {
		return nil, fmt.Errorf("session secret is empty")
	}

	signingKey, err := deriveKey(secret, "sign")
	if err != nil {
		return nil, err
	}
	encKey, err := deriveKey(secret, "enc")
	if err != nil {
		return nil, err
	}
	sealer, err := newTokenSealer(encKey)
	if err != nil {
		return nil, err
	}

	return &Codec{
		signingKey: signingKey,
		sealer:     sealer,
		maxAge:     maxAge,
		now:        time.Now,
	}, nil
}

// MaxAge はセッションの有効期間を返す。
func (c *Codec) MaxAge() time.Duration {
	return c.maxAge
}

// Encode はTokenを署名付きJWTに変換する。
// 発行のたびに有効期限をmaxAge分延長する。
func (c *Codec) Encode(tok *Token) (string, error) {
	if tok.UserID == "" {
		return "", fmt.Errorf("session token has no user id")
	}

	at, err := c.sealer.seal(tok.AccessToken)
	if err != nil {
		return "", fmt.Errorf("failed to seal access token: %w", err)
	}
	rt, err := c.sealer.seal(tok.RefreshToken)
	if err != nil {
		return "", fmt.Errorf("failed to seal refresh token: %w", err)
	}

	now := c.now()
	cl := claims{
		Email:              tok.Email,
		Name:               tok.Name,
		Company:            tok.Company,
		Role:               tok.Role,
		AccessToken:        at,
		RefreshToken:       rt,
		AccessTokenExpires: tok.AccessTokenExpires,
		Scope:              tok.Scope,
		Error:              tok.Error,
		RefreshFailures:    tok.RefreshFailures,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   tok.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.maxAge)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, cl).SignedString(c.signingKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign session token: %w", err)
	}
	return signed, nil
}

// Decode は署名付きJWTを検証してTokenを返す。
// 検証に失敗した場合はErrInvalidSessionをラップしたエラーを返す。
func (c *Codec) Decode(raw string) (*Token, error) {
	var cl claims
	_, err := jwt.ParseWithClaims(raw, &cl,
		func(*jwt.Token) (interface{}, error) { return c.signingKey, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSession, err)
	}
	if cl.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidSession)
	}

	at, err := c.sealer.open(cl.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSession, err)
	}
	rt, err := c.sealer.open(cl.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSession, err)
	}

	tok := &Token{
		UserID:             cl.Subject,
		Email:              cl.Email,
		Name:               cl.Name,
		Company:            cl.Company,
		Role:               cl.Role,
		AccessToken:        at,
		RefreshToken:       rt,
		AccessTokenExpires: cl.AccessTokenExpires,
		Scope:              cl.Scope,
		Error:              cl.Error,
		RefreshFailures:    cl.RefreshFailures,
	}
	if cl.IssuedAt != nil {
		tok.IssuedAt = cl.IssuedAt.Time
	}
	if cl.ExpiresAt != nil {
		tok.ExpiresAt = cl.ExpiresAt.Time
	}
	return tok, nil
}
