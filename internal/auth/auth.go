package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidCredentials is returned for a wrong password or a bad token.
var ErrInvalidCredentials = errors.New("invalid credentials")

const (
	DefaultTokenTTL = 12 * time.Hour
	issuer          = "proxy-launcher"
	operator        = "operator"
)

// Config protects the control API. The operator logs in with a password
// whose bcrypt hash is configured and receives a signed bearer token.
type Config struct {
	Enabled      bool          `mapstructure:"enabled"`
	PasswordHash string        `mapstructure:"password_hash"`
	JWTSecret    string        `mapstructure:"jwt_secret"`
	TokenTTL     time.Duration `mapstructure:"token_ttl"`
}

// Token is a bearer token returned by Login.
type Token struct {
	Type      string    `json:"type"`
	Value     string    `json:"value"`
	ExpiresAt time.Time `json:"expires_at"`
}

type Claims struct {
	jwt.RegisteredClaims
}

type Service struct {
	enabled   bool
	hash      []byte
	jwtSecret []byte
	tokenTTL  time.Duration
	now       func() time.Time
}

func New(cfg Config) (*Service, error) {
	s := &Service{enabled: cfg.Enabled, tokenTTL: cfg.TokenTTL, now: time.Now}
	if s.tokenTTL <= 0 {
		s.tokenTTL = DefaultTokenTTL
	}
	if !cfg.Enabled {
		return s, nil
	}
	if cfg.PasswordHash == "" {
		return nil, errors.New("auth enabled but password_hash is empty")
	}
	if _, err := bcrypt.Cost([]byte(cfg.PasswordHash)); err != nil {
		return nil, fmt.Errorf("password_hash: %w", err)
	}
	if len(cfg.JWTSecret) < 16 {
		return nil, errors.New("auth enabled but jwt_secret is shorter than 16 bytes")
	}
	s.hash = []byte(cfg.PasswordHash)
	s.jwtSecret = []byte(cfg.JWTSecret)
	return s, nil
}

func (s *Service) Enabled() bool { return s.enabled }

// Login checks the operator password and issues a token.
func (s *Service) Login(password string) (*Token, error) {
	if !s.enabled {
		return nil, errors.New("authentication is disabled")
	}
	if err := bcrypt.CompareHashAndPassword(s.hash, []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	now := s.now()
	expiresAt := now.Add(s.tokenTTL)
	claims := &Claims{RegisteredClaims: jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(expiresAt),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		Issuer:    issuer,
		Subject:   operator,
	}}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.jwtSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to sign token: %w", err)
	}
	return &Token{Type: "Bearer", Value: signed, ExpiresAt: expiresAt}, nil
}

// Verify validates a token issued by Login.
func (s *Service) Verify(tokenString string) error {
	if !s.enabled {
		return nil
	}
	if tokenString == "" {
		return ErrInvalidCredentials
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithIssuer(issuer), jwt.WithTimeFunc(s.now))
	if err != nil || !token.Valid {
		return ErrInvalidCredentials
	}
	return nil
}

// HashPassword produces a value for Config.PasswordHash.
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", errors.New("password is empty")
	}
	b, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
