package infra

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestJWTManagerRoundTrip(t *testing.T) {
	m := NewJWTManager("secret", time.Minute)
	token, err := m.Generate("m1", "worker", "Karim")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	v, err := m.VerifyIDToken(context.Background(), token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if v.UID != "m1" || v.Claims["role"] != "worker" || v.Claims["name"] != "Karim" {
		t.Fatalf("unexpected token %+v", v)
	}
}

func TestJWTManagerRejects(t *testing.T) {
	m := NewJWTManager("secret", time.Minute)
	other := NewJWTManager("other", time.Minute)
	foreign, _ := other.Generate("m1", "worker", "")

	expired := &Claims{
		UserID: "m1",
		Role:   "worker",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	}
	stale, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, expired).SignedString([]byte("secret"))

	none, _ := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{UserID: "m1"}).SignedString(jwt.UnsafeAllowNoneSignatureType)

	for name, tok := range map[string]string{"wrong secret": foreign, "expired": stale, "alg none": none, "garbage": "abc"} {
		if _, err := m.VerifyIDToken(context.Background(), tok); err == nil {
			t.Fatalf("%s: expected rejection", name)
		}
	}
}
