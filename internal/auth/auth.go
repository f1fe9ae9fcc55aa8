// Package auth provides authentication for the platform API.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/worldwideservice/ai-agent-platform/internal/config"
	"github.com/worldwideservice/ai-agent-platform/internal/store"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUserExists         = errors.New("user already exists")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrInvalidState       = errors.New("invalid oauth state")
)

// oauthStateAudience separates state tokens from bearer tokens so one can
// never be replayed as the other.
const oauthStateAudience = "oauth-state"

// oauthStateTTL bounds how long a consent redirect stays redeemable.
const oauthStateTTL = 10 * time.Minute

// Claims represents the JWT token claims.
type Claims struct {
	UserID string `json:"uid"`
	Email  string `json:"eml"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// Identity is the authenticated caller attached to request contexts.
type Identity struct {
	UserID string
	Email  string
	Role   string
}

// Service handles authentication operations.
type Service struct {
	store        store.Store
	jwtSecret    []byte
	jwtExpiry    time.Duration
	initialAdmin *config.InitialAdmin
}

// NewService creates a new auth service.
func NewService(s store.Store, cfg config.AuthConfig) *Service {
	return &Service{
		store:        s,
		jwtSecret:    []byte(cfg.JWTSecret),
		jwtExpiry:    cfg.JWTExpiry.Duration,
		initialAdmin: cfg.InitialAdmin,
	}
}

// Bootstrap creates the initial admin user if configured and not yet present.
func (s *Service) Bootstrap(ctx context.Context) error {
	admin := s.initialAdmin
	if admin == nil {
		return nil
	}

	existing, err := s.store.GetUserByEmail(ctx, admin.Email)
	if err != nil {
		return fmt.Errorf("check existing user: %w", err)
	}
	if existing != nil {
		return nil // already bootstrapped
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(admin.Password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	user := &store.User{
		ID:           uuid.New().String(),
		Email:        admin.Email,
		Name:         "Admin",
		PasswordHash: string(hash),
		Role:         "admin",
		CreatedAt:    time.Now(),
	}

	return s.store.CreateUser(ctx, user)
}

// Login authenticates a user and returns a JWT token.
func (s *Service) Login(ctx context.Context, email, password string) (string, *store.User, error) {
	user, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		return "", nil, fmt.Errorf("get user: %w", err)
	}
	if user == nil {
		return "", nil, ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return "", nil, ErrInvalidCredentials
	}

	token, err := s.generateToken(user)
	if err != nil {
		return "", nil, err
	}
	return token, user, nil
}

// Register creates a new user account.
func (s *Service) Register(ctx context.Context, email, name, password string) (*store.User, error) {
	existing, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("check existing: %w", err)
	}
	if existing != nil {
		return nil, ErrUserExists
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	user := &store.User{
		ID:           uuid.New().String(),
		Email:        email,
		Name:         name,
		PasswordHash: string(hash),
		Role:         "user",
		CreatedAt:    time.Now(),
	}

	if err := s.store.CreateUser(ctx, user); err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}

	return user, nil
}

// ValidateToken validates a bearer token and returns an Identity.
func (s *Service) ValidateToken(ctx context.Context, tokenStr string) (*Identity, error) {
	claims, err := s.validateJWT(tokenStr)
	if err != nil {
		return nil, err
	}
	return &Identity{
		UserID: claims.UserID,
		Email:  claims.Email,
		Role:   claims.Role,
	}, nil
}

func (s *Service) validateJWT(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return nil, ErrUnauthorized
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrUnauthorized
	}
	if len(claims.Audience) != 0 {
		// State tokens carry an audience; bearer tokens never do.
		return nil, ErrUnauthorized
	}

	return claims, nil
}

// stateClaims binds an OAuth consent redirect to the user and agent that
// requested it.
type stateClaims struct {
	UserID  string `json:"uid"`
	AgentID string `json:"agt"`
	jwt.RegisteredClaims
}

// IssueOAuthState signs a short-lived state parameter for a consent URL.
func (s *Service) IssueOAuthState(userID, agentID string) (string, error) {
	now := time.Now()
	claims := &stateClaims{
		UserID:  userID,
		AgentID: agentID,
		RegisteredClaims: jwt.RegisteredClaims{
			Audience:  jwt.ClaimStrings{oauthStateAudience},
			ExpiresAt: jwt.NewNumericDate(now.Add(oauthStateTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.New().String(),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.jwtSecret)
}

// ValidateOAuthState verifies a state parameter and returns the user and
// agent it was issued for.
func (s *Service) ValidateOAuthState(state string) (userID, agentID string, err error) {
	token, err := jwt.ParseWithClaims(state, &stateClaims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return s.jwtSecret, nil
		},
		jwt.WithAudience(oauthStateAudience),
	)
	if err != nil {
		return "", "", ErrInvalidState
	}
	claims, ok := token.Claims.(*stateClaims)
	if !ok || !token.Valid || claims.UserID == "" || claims.AgentID == "" {
		return "", "", ErrInvalidState
	}
	return claims.UserID, claims.AgentID, nil
}

func (s *Service) generateToken(user *store.User) (string, error) {
	claims := &Claims{
		UserID: user.ID,
		Email:  user.Email,
		Role:   user.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(s.jwtExpiry)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ID:        uuid.New().String(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}
