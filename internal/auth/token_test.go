package auth

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestTokenIssueAndVerify(t *testing.T) {
	codec, err := NewTokenCodec(testSecret, WithIssuer("test-issuer"), WithTokenTTL(time.Hour))
	if err != nil {
		t.Fatalf("NewTokenCodec: %v", err)
	}
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	identity := &Identity{ID: "id-42", Email: "guide@example.com", Role: RoleModerator}

	token, exp, err := codec.Issue(identity, now)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if !exp.Equal(now.Add(time.Hour)) {
		t.Fatalf("unexpected expiry %v", exp)
	}

	claims, err := codec.Verify(token, now.Add(59*time.Minute))
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.IdentityID() != "id-42" || claims.Email != "guide@example.com" || claims.Role != RoleModerator {
		t.Fatalf("claims not preserved: %+v", claims)
	}
	if claims.Issuer != "test-issuer" {
		t.Fatalf("unexpected issuer %s", claims.Issuer)
	}
	if claims.ID == "" {
		t.Fatalf("expected jti")
	}

	other, _, err := codec.Issue(identity, now)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if other == token {
		t.Fatalf("expected distinct tokens for the same identity and instant")
	}
}

func TestTokenVerifyFailures(t *testing.T) {
	codec, err := NewTokenCodec(testSecret)
	if err != nil {
		t.Fatalf("NewTokenCodec: %v", err)
	}
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	token, exp, err := codec.Issue(&Identity{ID: "id-1", Role: RoleUser}, now)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	otherKey, _ := NewTokenCodec([]byte(strings.Repeat("x", 32)))
	forged, _, _ := otherKey.Issue(&Identity{ID: "id-1", Role: RoleAdmin}, now)

	hs512 := jwt.NewWithClaims(jwt.SigningMethodHS512, jwt.RegisteredClaims{
		Subject:   "id-1",
		Issuer:    DefaultIssuer,
		Audience:  jwt.ClaimStrings{DefaultAudience},
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
	})
	wrongAlg, err := hs512.SignedString(testSecret)
	if err != nil {
		t.Fatalf("sign hs512: %v", err)
	}

	parts := strings.Split(token, ".")
	payload := fmt.Sprintf(`{"sub":"id-admin","role":"admin","iss":%q,"aud":[%q],"exp":%d}`,
		DefaultIssuer, DefaultAudience, now.Add(time.Hour).Unix())
	tampered := parts[0] + "." + base64.RawURLEncoding.EncodeToString([]byte(payload)) + "." + parts[2]

	cases := []struct {
		name  string
		token string
		at    time.Time
		want  AuthnKind
	}{
		{"empty", "", now, MissingToken},
		{"garbage", "not-a-token", now, MalformedToken},
		{"tampered payload", tampered, now, InvalidSignature},
		{"foreign key", forged, now, InvalidSignature},
		{"wrong algorithm", wrongAlg, now, InvalidSignature},
		{"at expiry", token, exp, ExpiredToken},
		{"after expiry", token, exp.Add(time.Second), ExpiredToken},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := codec.Verify(tc.token, tc.at)
			var authn *AuthenticationError
			if !errors.As(err, &authn) {
				t.Fatalf("expected authentication error, got %v", err)
			}
			if authn.Kind != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, authn.Kind)
			}
			if !errors.Is(err, ErrUnauthenticated) {
				t.Fatalf("expected error to match ErrUnauthenticated")
			}
		})
	}
}

func TestTokenVerifyRejectsForeignAudience(t *testing.T) {
	issuer, _ := NewTokenCodec(testSecret, WithAudience("other-api"))
	verifier, _ := NewTokenCodec(testSecret)
	now := time.Now()
	token, _, err := issuer.Issue(&Identity{ID: "id-1"}, now)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := verifier.Verify(token, now); Kind(err) != string(MalformedToken) {
		t.Fatalf("expected malformed token for foreign audience, got %v", err)
	}
}

func TestNewTokenCodecValidation(t *testing.T) {
	if _, err := NewTokenCodec(nil); !errors.Is(err, ErrMissingSecret) {
		t.Fatalf("expected ErrMissingSecret, got %v", err)
	}
	if _, err := NewTokenCodec([]byte("short")); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if _, err := NewTokenCodec(testSecret, WithTokenTTL(-time.Second)); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for negative ttl, got %v", err)
	}
}
