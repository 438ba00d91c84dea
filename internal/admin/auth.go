package admin

import (
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

const (
	jwtExpiry        = 24 * time.Hour
	jwtSubject       = "admin"
	secretKey        = "jwt_secret"
	loginRateWindow  = 60 * time.Second
	maxLoginAttempts = 10
)

var (
	ErrInvalidToken       = errors.New("invalid token")
	ErrInvalidCredentials = errors.New("invalid password")
	ErrRateLimited        = errors.New("too many login attempts, try again later")
)

// SettingsStore persists small key/value settings.
type SettingsStore interface {
	GetSetting(key string) string
	SetSetting(key, value string) error
}

// Auth checks the operator password and issues bearer tokens.
type Auth struct {
	passHash  []byte
	jwtSecret []byte
	attempts  *cache.Cache // IP -> login attempts in the current window
	log       *zap.SugaredLogger
}

// NewAuth creates an Auth for the given bcrypt hash. An empty hash disables
// login. store may be nil, in which case the signing secret only lives for
// the process lifetime.
func NewAuth(passwordHash string, store SettingsStore, log *zap.SugaredLogger) *Auth {
	return &Auth{
		passHash:  []byte(passwordHash),
		jwtSecret: loadOrCreateSecret(store, log),
		attempts:  cache.New(loginRateWindow, 2*loginRateWindow),
		log:       log,
	}
}

// loadOrCreateSecret loads the JWT secret from the store, or generates
// and persists a new one if none exists.
func loadOrCreateSecret(store SettingsStore, log *zap.SugaredLogger) []byte {
	if store != nil {
		if h := store.GetSetting(secretKey); h != "" {
			if b, err := hex.DecodeString(h); err == nil && len(b) == 32 {
				return b
			}
		}
	}
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		panic("failed to generate JWT secret: " + err.Error())
	}
	if store != nil {
		if err := store.SetSetting(secretKey, hex.EncodeToString(secret)); err != nil {
			log.Warnw("could not persist JWT secret", "error", err)
		}
	}
	return secret
}

// Login verifies password and returns a signed token.
func (a *Auth) Login(password, ip string) (string, error) {
	if !a.checkRate(ip) {
		return "", ErrRateLimited
	}
	if len(a.passHash) == 0 {
		return "", ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(a.passHash, []byte(password)); err != nil {
		a.log.Infow("failed admin login", "ip", ip)
		return "", ErrInvalidCredentials
	}
	return a.generateToken()
}

// ValidateToken checks a token's signature, subject and expiry.
func (a *Auth) ValidateToken(tokenStr string) error {
	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
		return a.jwtSecret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithSubject(jwtSubject), jwt.WithExpirationRequired())
	if err != nil || !token.Valid {
		return ErrInvalidToken
	}
	return nil
}

func (a *Auth) generateToken() (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   jwtSubject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(jwtExpiry)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := token.SignedString(a.jwtSecret)
	return s, errors.Wrap(err, "sign token")
}

func (a *Auth) checkRate(ip string) bool {
	if err := a.attempts.Add(ip, 1, cache.DefaultExpiration); err == nil {
		return true
	}
	n, err := a.attempts.IncrementInt(ip, 1)
	if err != nil {
		// Expired between Add and Increment.
		a.attempts.Set(ip, 1, cache.DefaultExpiration)
		return true
	}
	return n <= maxLoginAttempts
}
