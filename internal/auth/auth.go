// Package auth exchanges a Telegram WebApp init-data payload for a JWT the
// rest of the API consumes. The token only carries the user identity; user
// profiles and balances live in the ledger.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"

	"github.com/adboard/adboard-api/pkg/response"
)

var (
	ErrInvalidInitData = errors.New("invalid init data signature")
	ErrTokenGeneration = errors.New("failed to generate token")
)

// Claims represents the JWT claims structure
type Claims struct {
	jwt.RegisteredClaims
	UserID int64 `json:"user_id"`
}

// TokenResponse represents the JWT token response
type TokenResponse struct {
	Token      string    `json:"jwt_token"`
	UserID     int64     `json:"user_id"`
	Expiration time.Time `json:"expiration"`
}

// Service validates Telegram WebApp init data and issues JWTs
type Service struct {
	jwtSecret []byte
	botToken  string
	// devAuth accepts a bare user_id without init data; local use only
	devAuth bool
}

// NewService creates a new authentication service
func NewService(jwtSecret, botToken string, devAuth bool) *Service {
	return &Service{
		jwtSecret: []byte(jwtSecret),
		botToken:  botToken,
		devAuth:   devAuth,
	}
}

// ValidateInitData checks the init-data HMAC against the bot token per the
// Telegram WebApp scheme. On success it returns the embedded user id and,
// when the start parameter carries one, the referrer id.
func (s *Service) ValidateInitData(initData string) (userID int64, referrerID *int64, err error) {
	values, err := url.ParseQuery(initData)
	if err != nil {
		return 0, nil, fmt.Errorf("malformed init data: %w", err)
	}

	receivedHash := values.Get("hash")
	if receivedHash == "" {
		return 0, nil, ErrInvalidInitData
	}
	values.Del("hash")

	// Data-check string: remaining fields as key=value, sorted, joined with
	// newlines. The signing key is HMAC-SHA256 of the bot token keyed with
	// the literal string "WebAppData".
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, key := range keys {
		pairs = append(pairs, key+"="+values.Get(key))
	}
	dataCheckString := strings.Join(pairs, "\n")

	secretMAC := hmac.New(sha256.New, []byte("WebAppData"))
	secretMAC.Write([]byte(s.botToken))
	signingKey := secretMAC.Sum(nil)

	mac := hmac.New(sha256.New, signingKey)
	mac.Write([]byte(dataCheckString))
	expectedHash := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(expectedHash), []byte(receivedHash)) {
		return 0, nil, ErrInvalidInitData
	}

	var user struct {
		ID int64 `json:"id"`
	}
	if err := json.Unmarshal([]byte(values.Get("user")), &user); err != nil || user.ID == 0 {
		return 0, nil, errors.New("init data carries no user")
	}

	if startParam := values.Get("start_param"); strings.HasPrefix(startParam, "ref_") {
		var ref int64
		if _, err := fmt.Sscanf(startParam, "ref_%d", &ref); err == nil && ref != user.ID {
			referrerID = &ref
		}
	}

	return user.ID, referrerID, nil
}

// GenerateToken issues a JWT for the given user with 24-hour expiration
func (s *Service) GenerateToken(userID int64) (*TokenResponse, error) {
	expiration := time.Now().Add(24 * time.Hour)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiration),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			NotBefore: jwt.NewNumericDate(time.Now()),
		},
		UserID: userID,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return nil, ErrTokenGeneration
	}

	return &TokenResponse{
		Token:      tokenString,
		UserID:     userID,
		Expiration: expiration,
	}, nil
}

// ValidateToken validates a JWT token and returns the claims
// Verifies token signature and expiration
func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}

	return nil, errors.New("invalid token")
}

// ReferrerRecorder persists a first-contact referral link. Implemented by
// the ledger service.
type ReferrerRecorder interface {
	SetReferrer(userID, referrerID int64) error
}

// GinHandlers contains HTTP handlers for authentication endpoints
type GinHandlers struct {
	service   *Service
	referrers ReferrerRecorder
}

// NewGinHandlers creates a new set of HTTP handlers for authentication endpoints
func NewGinHandlers(service *Service, referrers ReferrerRecorder) *GinHandlers {
	return &GinHandlers{
		service:   service,
		referrers: referrers,
	}
}

// GenerateTokenHandler handles POST requests exchanging init data for a JWT.
// With dev auth enabled a bare user_id is accepted instead.
func (h *GinHandlers) GenerateTokenHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var request struct {
			InitData string `json:"init_data"`
			UserID   int64  `json:"user_id"`
		}
		if err := c.ShouldBindJSON(&request); err != nil {
			response.BadRequest(c, "Invalid request body")
			return
		}

		var userID int64
		var referrerID *int64
		switch {
		case request.InitData != "":
			var err error
			userID, referrerID, err = h.service.ValidateInitData(request.InitData)
			if err != nil {
				response.Unauthorized(c, "Invalid init data")
				return
			}
		case h.service.devAuth && request.UserID != 0:
			userID = request.UserID
		default:
			response.BadRequest(c, "init_data is required")
			return
		}

		if referrerID != nil && h.referrers != nil {
			if err := h.referrers.SetReferrer(userID, *referrerID); err != nil {
				log.Warn().Err(err).Int64("user_id", userID).Msg("failed to record referrer")
			}
		}

		token, err := h.service.GenerateToken(userID)
		response.Handle(c, token, err)
	}
}
