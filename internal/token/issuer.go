// Package token は署名付きトークン（アクセス、リフレッシュ、アクション）の
// 発行と検証を提供する。検証は純粋な計算のみで、I/Oもロックも持たない。
package token

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/hitoshi/docdepot/internal/model"
)

// Purpose はトークンの用途。
type Purpose string

const (
	PurposeAccess        Purpose = "ACCESS"
	PurposeRefresh       Purpose = "REFRESH"
	PurposeEmailVerify   Purpose = "EMAIL_VERIFY"
	PurposePasswordReset Purpose = "PASSWORD_RESET"
)

// デフォルトの有効期間
const (
	DefaultAccessTTL        = 15 * time.Minute
	DefaultRefreshTTL       = 7 * 24 * time.Hour
	DefaultEmailVerifyTTL   = 24 * time.Hour
	DefaultPasswordResetTTL = 24 * time.Hour
)

var (
	// ErrInvalidSignature は署名不正、アルゴリズム不一致、発行者不一致、形式不正の場合に返される。
	ErrInvalidSignature = errors.New("token: invalid signature")
	// ErrExpired は有効期限切れの場合に返される。
	ErrExpired = errors.New("token: expired")
	// ErrPurposeMismatch は期待した用途と異なるトークンの場合に返される。
	ErrPurposeMismatch = errors.New("token: purpose mismatch")
)

// Subject はトークンに埋め込む主体。
type Subject struct {
	UserID int64
	Role   model.Role
}

// Claims はトークンのクレーム。
type Claims struct {
	UserID  int64      `json:"uid"`
	Role    model.Role `json:"role,omitempty"`
	Purpose Purpose    `json:"purpose"`
	jwt.RegisteredClaims
}

// Subject はクレームから主体を取り出す。
func (c *Claims) Subject() Subject {
	return Subject{UserID: c.UserID, Role: c.Role}
}

// IssuedToken は発行されたトークン文字列と有効期限。
type IssuedToken struct {
	Value     string
	ExpiresAt time.Time
}

// Config はIssuerの設定。
type Config struct {
	Secret           []byte
	Algorithm        string // HS256, HS384, HS512
	Issuer           string
	AccessTTL        time.Duration
	RefreshTTL       time.Duration
	EmailVerifyTTL   time.Duration
	PasswordResetTTL time.Duration

	// Now は現在時刻を返す。nilの場合はtime.Now。
	Now func() time.Time
}

// Issuer はHMAC署名のJWTを発行・検証する。
type Issuer struct {
	secret []byte
	method jwt.SigningMethod
	issuer string
	ttl    map[Purpose]time.Duration
	now    func() time.Time
	parser *jwt.Parser
}

// NewIssuer はIssuerを生成する。0のTTLはデフォルト値で補う。
func NewIssuer(cfg Config) (*Issuer, error) {
	if len(cfg.Secret) == 0 {
		return nil, fmt.Errorf("token signing secret is empty")
	}

	alg := cfg.Algorithm
	if alg == "" {
		alg = jwt.SigningMethodHS256.Alg()
	}
	var method jwt.SigningMethod
	switch alg {
	case jwt.SigningMethodHS256.Alg():
		method = jwt.SigningMethodHS256
	case jwt.SigningMethodHS384.Alg():
		method = jwt.SigningMethodHS384
	case jwt.SigningMethodHS512.Alg():
		method = jwt.SigningMethodHS512
	default:
		return nil, fmt.Errorf("unsupported signing algorithm: %s", alg)
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	i := &Issuer{
		secret: cfg.Secret,
		method: method,
		issuer: cfg.Issuer,
		ttl: map[Purpose]time.Duration{
			PurposeAccess:        orDefault(cfg.AccessTTL, DefaultAccessTTL),
			PurposeRefresh:       orDefault(cfg.RefreshTTL, DefaultRefreshTTL),
			PurposeEmailVerify:   orDefault(cfg.EmailVerifyTTL, DefaultEmailVerifyTTL),
			PurposePasswordReset: orDefault(cfg.PasswordResetTTL, DefaultPasswordResetTTL),
		},
		now: now,
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{method.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(now),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	i.parser = jwt.NewParser(opts...)

	return i, nil
}

// TTL は用途ごとの有効期間を返す。
func (i *Issuer) TTL(purpose Purpose) time.Duration {
	return i.ttl[purpose]
}

// IssueAccess はアクセストークンを発行する。
func (i *Issuer) IssueAccess(s Subject) (*IssuedToken, error) {
	return i.issue(s, PurposeAccess, i.ttl[PurposeAccess])
}

// IssueRefresh はリフレッシュトークンを発行する。
func (i *Issuer) IssueRefresh(s Subject) (*IssuedToken, error) {
	return i.issue(s, PurposeRefresh, i.ttl[PurposeRefresh])
}

// IssueAction はメール確認・パスワードリセット用のアクショントークンを発行する。
// ttlが0の場合は用途ごとの設定値を使う。
func (i *Issuer) IssueAction(s Subject, purpose Purpose, ttl time.Duration) (*IssuedToken, error) {
	if purpose != PurposeEmailVerify && purpose != PurposePasswordReset {
		return nil, fmt.Errorf("not an action purpose: %s", purpose)
	}
	if ttl <= 0 {
		ttl = i.ttl[purpose]
	}
	return i.issue(s, purpose, ttl)
}

func (i *Issuer) issue(s Subject, purpose Purpose, ttl time.Duration) (*IssuedToken, error) {
	// JWTの時刻は秒精度のため、切り捨てた値を有効期限として返す
	now := i.now().Truncate(time.Second)
	expiresAt := now.Add(ttl)

	claims := Claims{
		UserID:  s.UserID,
		Role:    s.Role,
		Purpose: purpose,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(s.UserID, 10),
			Issuer:    i.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        uuid.NewString(),
		},
	}

	signed, err := jwt.NewWithClaims(i.method, claims).SignedString(i.secret)
	if err != nil {
		return nil, fmt.Errorf("failed to sign %s token: %w", purpose, err)
	}

	return &IssuedToken{Value: signed, ExpiresAt: expiresAt}, nil
}

// Verify はトークンの署名と有効期限を検証し、クレームを返す。
func (i *Issuer) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	_, err := i.parser.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return i.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return claims, nil
}

// VerifyPurpose はVerifyに加えて用途が一致することを検証する。
func (i *Issuer) VerifyPurpose(tokenString string, purpose Purpose) (*Claims, error) {
	claims, err := i.Verify(tokenString)
	if err != nil {
		return nil, err
	}
	if claims.Purpose != purpose {
		return nil, fmt.Errorf("%w: got %s, want %s", ErrPurposeMismatch, claims.Purpose, purpose)
	}
	return claims, nil
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
