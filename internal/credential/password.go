package credential

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode"

	"golang.org/x/crypto/bcrypt"
)

const (
	// MinCost はbcryptコストの下限。
	MinCost = 10
	// MaxCost はbcryptコストの上限。
	MaxCost = 12
	// DefaultCost は未設定時のbcryptコスト。
	DefaultCost = MinCost

	// MinPasswordLength はパスワードの最小文字数。
	MinPasswordLength = 8
	// SpecialCharacters はパスワードに1文字以上必要な記号の集合。
	SpecialCharacters = "!@#$%^&*()-_=+[]{};:'\",.<>/?\\|`~"
)

var (
	// ErrWeakPassword はパスワードが強度要件を満たさない場合に返される。
	ErrWeakPassword = errors.New("credential: password does not meet complexity policy")
	// ErrPasswordMismatch は平文とハッシュが一致しない場合に返される。
	ErrPasswordMismatch = errors.New("credential: password mismatch")
)

// ValidatePassword はパスワードの強度を検証する。
// 8文字以上、大文字・小文字・数字・記号をそれぞれ1文字以上含む必要がある。
func ValidatePassword(plain string) error {
	if len([]rune(plain)) < MinPasswordLength {
		return fmt.Errorf("%w: shorter than %d characters", ErrWeakPassword, MinPasswordLength)
	}

	var hasUpper, hasLower, hasDigit, hasSpecial bool
	for _, r := range plain {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		case strings.ContainsRune(SpecialCharacters, r):
			hasSpecial = true
		}
	}

	var missing []string
	if !hasUpper {
		missing = append(missing, "uppercase letter")
	}
	if !hasLower {
		missing = append(missing, "lowercase letter")
	}
	if !hasDigit {
		missing = append(missing, "digit")
	}
	if !hasSpecial {
		missing = append(missing, "special character")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrWeakPassword, strings.Join(missing, ", "))
	}
	return nil
}

// ClampCost は設定されたbcryptコストを[MinCost, MaxCost]に収める。
// 0（未設定）はDefaultCostになる。値を置き換えた場合はchanged=trueを返す。
func ClampCost(cost int) (clamped int, changed bool) {
	switch {
	case cost == 0:
		return DefaultCost, true
	case cost < MinCost:
		return MinCost, true
	case cost > MaxCost:
		return MaxCost, true
	default:
		return cost, false
	}
}

// Hasher はbcryptによるパスワードハッシュ化を行う。
type Hasher struct {
	cost int
}

// NewHasher はHasherを生成する。範囲外のコストは補正し、警告ログを出力する。
func NewHasher(cost int, logger *slog.Logger) *Hasher {
	clamped, changed := ClampCost(cost)
	if changed {
		if logger == nil {
			logger = slog.Default()
		}
		logger.Warn("bcrypt cost out of range, using clamped value",
			slog.Int("configured", cost),
			slog.Int("applied", clamped),
			slog.Int("min", MinCost),
			slog.Int("max", MaxCost),
		)
	}
	return &Hasher{cost: clamped}
}

// Cost は実際に適用されるbcryptコストを返す。
func (h *Hasher) Cost() int {
	return h.cost
}

// Hash は平文パスワードをハッシュ化する。
func (h *Hasher) Hash(plain string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(plain), h.cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

// Verify は平文パスワードとハッシュを照合する。不一致の場合はErrPasswordMismatchを返す。
func (h *Hasher) Verify(plain, hash string) error {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(plain))
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return ErrPasswordMismatch
	}
	if err != nil {
		return fmt.Errorf("failed to verify password: %w", err)
	}
	return nil
}
