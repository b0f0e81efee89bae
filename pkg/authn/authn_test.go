// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package authn

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	gwerrors "github.com/ioolkos/mqtt-gateway/pkg/errors"
)

const testIssuer = "https://issuer.example.net"

func testConfig(key []byte) Config {
	return Config{
		testIssuer: {
			Algorithm:        "HS256",
			AllowedAudiences: []string{"example.net", "example.org"},
			VerificationKey:  key,
		},
	}
}

func sign(t *testing.T, key []byte, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := tok.SignedString(key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func TestAuthenticateSuccess(t *testing.T) {
	key := []byte("secret")
	a := New(testConfig(key))

	tok := sign(t, key, jwt.MapClaims{
		"iss": testIssuer,
		"sub": "agent-1",
		"aud": "example.net",
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	acc, err := a.Authenticate(tok)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if acc.Label != "agent-1" || acc.Audience != "example.net" {
		t.Errorf("AccountId = %+v, want label=agent-1 audience=example.net", acc)
	}
	if acc.String() != "agent-1.example.net" {
		t.Errorf("String() = %q", acc.String())
	}
}

func TestAuthenticateWrongKey(t *testing.T) {
	a := New(testConfig([]byte("secret")))
	tok := sign(t, []byte("wrong-secret"), jwt.MapClaims{
		"iss": testIssuer,
		"sub": "agent-1",
		"aud": "example.net",
	})

	_, err := a.Authenticate(tok)
	assertBadUsernameOrPassword(t, err)
}

func TestAuthenticateUnknownIssuer(t *testing.T) {
	a := New(testConfig([]byte("secret")))
	tok := sign(t, []byte("secret"), jwt.MapClaims{
		"iss": "https://someone-else.example.com",
		"sub": "agent-1",
		"aud": "example.net",
	})

	_, err := a.Authenticate(tok)
	assertBadUsernameOrPassword(t, err)
}

func TestAuthenticateDisallowedAudience(t *testing.T) {
	key := []byte("secret")
	a := New(testConfig(key))
	tok := sign(t, key, jwt.MapClaims{
		"iss": testIssuer,
		"sub": "agent-1",
		"aud": "not-allowed.example",
	})

	_, err := a.Authenticate(tok)
	assertBadUsernameOrPassword(t, err)
}

func TestAuthenticateMissingSub(t *testing.T) {
	key := []byte("secret")
	a := New(testConfig(key))
	tok := sign(t, key, jwt.MapClaims{
		"iss": testIssuer,
		"aud": "example.net",
	})

	_, err := a.Authenticate(tok)
	assertBadUsernameOrPassword(t, err)
}

func TestAuthenticateMalformedToken(t *testing.T) {
	a := New(testConfig([]byte("secret")))
	_, err := a.Authenticate("not-a-jwt")
	assertBadUsernameOrPassword(t, err)
}

func TestDisabled(t *testing.T) {
	if !New(nil).Disabled() {
		t.Error("Disabled() = false for empty config, want true")
	}
	if New(testConfig([]byte("k"))).Disabled() {
		t.Error("Disabled() = true for non-empty config, want false")
	}
}

func assertBadUsernameOrPassword(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if gwerrors.KindOf(err) != gwerrors.BadUsernameOrPassword {
		t.Errorf("KindOf(err) = %v, want %v", gwerrors.KindOf(err), gwerrors.BadUsernameOrPassword)
	}
	var ge *gwerrors.GatewayError
	if !errors.As(err, &ge) {
		t.Errorf("error %v does not wrap a *GatewayError", err)
	}
}
