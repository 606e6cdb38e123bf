package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/taleforge/api/internal/auth"
)

func newAuthApp(mw fiber.Handler) *fiber.App {
	app := fiber.New()
	app.Get("/me", mw, func(c *fiber.Ctx) error {
		return c.SendString(GetUserID(c) + "|" + GetUserEmail(c))
	})
	return app
}

func TestAuthenticate(t *testing.T) {
	app := newAuthApp(NewAuthMiddleware("secret").Authenticate())
	valid, err := auth.GenerateLegacyToken("user-1", "a@b.c", "secret", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	forged, _ := auth.GenerateLegacyToken("user-1", "", "other", time.Hour)

	tests := []struct {
		name   string
		header string
		status int
		body   string
	}{
		{"valid", "Bearer " + valid, fiber.StatusOK, "user-1|a@b.c"},
		{"lowercase scheme", "bearer " + valid, fiber.StatusOK, "user-1|a@b.c"},
		{"missing", "", fiber.StatusUnauthorized, ""},
		{"wrong scheme", "Basic " + valid, fiber.StatusUnauthorized, ""},
		{"wrong secret", "Bearer " + forged, fiber.StatusUnauthorized, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/me", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			resp, err := app.Test(req)
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != tt.status {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.status)
			}
			if tt.body != "" {
				body, _ := io.ReadAll(resp.Body)
				if string(body) != tt.body {
					t.Errorf("body = %q", body)
				}
			}
		})
	}
}

func TestGatewayAuthMiddleware(t *testing.T) {
	app := newAuthApp(GatewayAuthMiddleware())

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("X-User-Id", "user-9")
	req.Header.Set("X-User-Email", "g@w.y")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != fiber.StatusOK || string(body) != "user-9|g@w.y" {
		t.Errorf("status = %d, body = %q", resp.StatusCode, body)
	}

	resp, _ = app.Test(httptest.NewRequest(http.MethodGet, "/me", nil))
	if resp.StatusCode != fiber.StatusUnauthorized {
		t.Errorf("missing headers: status = %d", resp.StatusCode)
	}
}

func TestRequireInternalToken(t *testing.T) {
	tests := []struct {
		name     string
		token    string
		header   string
		expected int
	}{
		{"match", "tok", "tok", fiber.StatusOK},
		{"mismatch", "tok", "nope", fiber.StatusForbidden},
		{"missing header", "tok", "", fiber.StatusForbidden},
		{"unconfigured", "", "", fiber.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := newAuthApp(RequireInternalToken(tt.token))
			req := httptest.NewRequest(http.MethodGet, "/me", nil)
			if tt.header != "" {
				req.Header.Set("X-Internal-Token", tt.header)
			}
			resp, err := app.Test(req)
			if err != nil {
				t.Fatal(err)
			}
			if resp.StatusCode != tt.expected {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.expected)
			}
		})
	}
}

func TestRateLimiter_SkipsAnonymous(t *testing.T) {
	// No Redis is reached without a user id.
	app := fiber.New()
	app.Get("/x", NewRateLimiter(nil).UploadLimit(1), func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusNoContent)
	})
	for i := 0; i < 3; i++ {
		resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/x", nil))
		if err != nil {
			t.Fatal(err)
		}
		if resp.StatusCode != fiber.StatusNoContent {
			t.Fatalf("request %d: status = %d", i, resp.StatusCode)
		}
	}
}
