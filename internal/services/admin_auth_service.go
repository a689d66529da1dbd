package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nibog/payments-backend/internal/config"
	"github.com/nibog/payments-backend/internal/models"
	"github.com/nibog/payments-backend/pkg/jwt"
	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidCredentials is returned for any failed admin login
var ErrInvalidCredentials = errors.New("invalid email or password")

// AdminRole is the role required by the back-office routes
const AdminRole = "admin"

// AdminAuthService authenticates the back-office operator configured in the environment
type AdminAuthService struct {
	config              config.AdminConfig
	jwtService          *jwt.Service
	accessTokenDuration time.Duration
}

// NewAdminAuthService creates a new admin auth service
func NewAdminAuthService(cfg config.AdminConfig, jwtService *jwt.Service, accessTokenDuration time.Duration) *AdminAuthService {
	return &AdminAuthService{
		config:              cfg,
		jwtService:          jwtService,
		accessTokenDuration: accessTokenDuration,
	}
}

// AdminID is the stable id of the configured admin, derived from the email
func (s *AdminAuthService) AdminID() uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("mailto:"+strings.ToLower(s.config.Email)))
}

// Login authenticates the admin and returns an access token
func (s *AdminAuthService) Login(ctx context.Context, email, password string) (*models.AdminLoginResponse, error) {
	if s.config.Email == "" || s.config.PasswordHash == "" {
		return nil, fmt.Errorf("admin login is not configured")
	}

	if !strings.EqualFold(strings.TrimSpace(email), s.config.Email) {
		return nil, ErrInvalidCredentials
	}

	// Verify password
	if err := bcrypt.CompareHashAndPassword([]byte(s.config.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	accessToken, err := s.jwtService.GenerateAccessToken(s.AdminID(), s.config.Email, []string{AdminRole})
	if err != nil {
		return nil, fmt.Errorf("failed to generate access token: %w", err)
	}

	return &models.AdminLoginResponse{
		AccessToken: accessToken,
		TokenType:   "Bearer",
		ExpiresIn:   int64(s.accessTokenDuration.Seconds()),
		Email:       s.config.Email,
	}, nil
}
