package auth

import (
	"testing"
	"time"
)

func TestLegacyToken(t *testing.T) {
	token, err := GenerateLegacyToken("user-1", "a@b.c", "secret", time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	claims, err := ValidateLegacyToken(token, "secret")
	if err != nil {
		t.Fatalf("ValidateLegacyToken: %v", err)
	}
	if claims.UserID != "user-1" || claims.Email != "a@b.c" || claims.Issuer != issuer {
		t.Errorf("claims = %+v", claims)
	}

	if _, err := ValidateLegacyToken(token, "other"); err == nil {
		t.Errorf("wrong secret accepted")
	}

	expired, _ := GenerateLegacyToken("user-1", "", "secret", -time.Minute)
	if _, err := ValidateLegacyToken(expired, "secret"); err == nil {
		t.Errorf("expired token accepted")
	}

	anon, _ := GenerateLegacyToken("", "", "secret", time.Hour)
	if _, err := ValidateLegacyToken(anon, "secret"); err == nil {
		t.Errorf("token without user accepted")
	}
}
