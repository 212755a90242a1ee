// Package auth issues and validates publishable keys. A publishable key is an
// HS256 token naming the project whose geofences and users it may touch.
package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/xerrors"
)

const KindPublishable = "publishable"

var ErrInvalidKey = xerrors.New("publishable key invalid")

type Service struct {
	secret []byte
}

type Claims struct {
	ProjectID string `json:"project_id"`
	Kind      string `json:"kind"`
	jwt.RegisteredClaims
}

func NewService(secret string) *Service {
	return &Service{
		secret: []byte(secret),
	}
}

var (
	signTokenFn       = (*Service).signToken
	parseWithClaimsFn = jwt.ParseWithClaims
)

// IssueKey signs a publishable key for projectID. A zero ttl never expires.
func (s *Service) IssueKey(projectID string, ttl time.Duration) (string, error) {
	if projectID == "" {
		return "", xerrors.New("project id required")
	}
	key, err := signTokenFn(s, projectID, ttl)
	if err != nil {
		return "", xerrors.Errorf("sign key: %w", err)
	}
	return key, nil
}

// ValidateKey returns the project a key was issued for.
func (s *Service) ValidateKey(key string) (string, error) {
	claims, err := s.parseToken(key)
	if err != nil {
		return "", err
	}
	if claims.Kind != KindPublishable || claims.ProjectID == "" {
		return "", ErrInvalidKey
	}
	return claims.ProjectID, nil
}

func (s *Service) signToken(projectID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		ProjectID: projectID,
		Kind:      KindPublishable,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

func (s *Service) parseToken(token string) (*Claims, error) {
	parsed, err := parseWithClaimsFn(token, &Claims{}, func(_ *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, xerrors.Errorf("%w: %v", ErrInvalidKey, err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidKey
	}
	return claims, nil
}
