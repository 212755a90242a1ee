package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
)

func TestIssueAndValidateKey(t *testing.T) {
	svc := NewService("test-secret")
	key, err := svc.IssueKey("proj-1", time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	projectID, err := svc.ValidateKey(key)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if projectID != "proj-1" {
		t.Fatalf("expected proj-1, got %q", projectID)
	}
}

func TestIssueKeyRequiresProject(t *testing.T) {
	svc := NewService("test-secret")
	if _, err := svc.IssueKey("", 0); err == nil {
		t.Fatalf("expected error")
	}
}

func TestIssueKeySignError(t *testing.T) {
	oldSign := signTokenFn
	signTokenFn = func(_ *Service, _ string, _ time.Duration) (string, error) {
		return "", errors.New("boom")
	}
	defer func() { signTokenFn = oldSign }()

	svc := NewService("test-secret")
	if _, err := svc.IssueKey("proj-1", 0); err == nil {
		t.Fatalf("expected error")
	}
}

func TestValidateKeyRejectsOtherSecret(t *testing.T) {
	key, err := NewService("secret-a").IssueKey("proj-1", 0)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	_, err = NewService("secret-b").ValidateKey(key)
	if !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey, got %v", err)
	}
}

func TestValidateKeyRejectsExpired(t *testing.T) {
	svc := NewService("test-secret")
	claims := Claims{
		ProjectID: "proj-1",
		Kind:      KindPublishable,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	}
	key, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := svc.ValidateKey(key); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey, got %v", err)
	}
}

func TestValidateKeyRejectsOtherKinds(t *testing.T) {
	claims := Claims{ProjectID: "proj-1", Kind: "secret"}
	key, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := NewService("test-secret").ValidateKey(key); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey, got %v", err)
	}
}

func TestParseTokenInvalid(t *testing.T) {
	oldParse := parseWithClaimsFn
	parseWithClaimsFn = func(_ string, _ jwt.Claims, _ jwt.Keyfunc, _ ...jwt.ParserOption) (*jwt.Token, error) {
		return &jwt.Token{Valid: false, Claims: &Claims{}}, nil
	}
	defer func() { parseWithClaimsFn = oldParse }()

	svc := NewService("test-secret")
	if _, err := svc.parseToken("token"); err == nil {
		t.Fatalf("expected error")
	}
}

func TestVerifyRoute(t *testing.T) {
	svc := NewService("test-secret")
	app := fiber.New()
	RegisterRoutes(app.Group("/v1"), svc)

	key, _ := svc.IssueKey("proj-9", 0)
	req := httptest.NewRequest(http.MethodGet, "/v1/keys/verify", nil)
	req.Header.Set("Authorization", key)
	resp, err := app.Test(req)
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("verify status: %v", err)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["project_id"] != "proj-9" {
		t.Fatalf("unexpected body %v", body)
	}
}
