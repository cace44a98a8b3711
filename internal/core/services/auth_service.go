package services

import (
	"errors"
	"fmt"
	"time"

	"partymesh/internal/core/domain"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
)

// AuthService issues and checks the join tokens handed out by the room
// backend. A token fixes the room, the initial role and the profile.
type AuthService interface {
	GenerateJoinToken(room domain.RoomID, role domain.Role, profile domain.Profile) (string, error)
	// ValidateJoinToken checks signature and expiry. A non-empty room must
	// match the token's room.
	ValidateJoinToken(token string, room domain.RoomID) (*JoinGrant, error)
}

type JoinClaims struct {
	Room  domain.RoomID `json:"room"`
	Role  string        `json:"role"`
	Name  string        `json:"name,omitempty"`
	Email string        `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// JoinGrant is what a valid token entitles its bearer to.
type JoinGrant struct {
	Room    domain.RoomID
	Role    domain.Role
	Profile domain.Profile
}

type authService struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewAuthService(secret string, ttl time.Duration) AuthService {
	return &authService{
		secret: []byte(secret),
		ttl:    ttl,
		now:    time.Now,
	}
}

func (s *authService) GenerateJoinToken(room domain.RoomID, role domain.Role, profile domain.Profile) (string, error) {
	if role != domain.RoleOwner && role != domain.RoleStandard {
		return "", fmt.Errorf("%w: join tokens carry owner or standard", domain.ErrInvalidRole)
	}
	now := s.now()
	claims := &JoinClaims{
		Room:  room,
		Role:  role.String(),
		Name:  profile.DisplayName,
		Email: profile.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	if s.ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(s.ttl))
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

func (s *authService) ValidateJoinToken(tokenString string, room domain.RoomID) (*JoinGrant, error) {
	token, err := jwt.ParseWithClaims(tokenString, &JoinClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*JoinClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}

	tokenRoom, err := domain.ParseRoomID(string(claims.Room))
	if err != nil {
		return nil, ErrInvalidToken
	}
	if room != "" && room != tokenRoom {
		return nil, domain.ErrTokenRoomMismatch
	}
	role, err := domain.ParseRole(claims.Role)
	if err != nil || role == domain.RoleDelegate {
		return nil, ErrInvalidToken
	}

	return &JoinGrant{
		Room:    tokenRoom,
		Role:    role,
		Profile: domain.Profile{DisplayName: claims.Name, Email: claims.Email},
	}, nil
}
