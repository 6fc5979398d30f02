package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"

	"github.com/gofiber/fiber/v2"

	"flexd/internal/api"
	"flexd/internal/config"
	"flexd/internal/store"
)

func TestAccessTokenRoundTrip(t *testing.T) {
	token, err := GenerateAccessToken("user-1", []string{"admin", "viewer"}, "secret")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	claims, err := ParseAccessToken(token, "secret")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.Subject != "user-1" {
		t.Errorf("subject = %q, want user-1", claims.Subject)
	}
	if len(claims.Roles) != 2 || claims.Roles[0] != "admin" {
		t.Errorf("roles = %v", claims.Roles)
	}
}

func TestAccessTokenWrongSecret(t *testing.T) {
	token, err := GenerateAccessToken("user-1", nil, "secret")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := ParseAccessToken(token, "other"); err == nil {
		t.Fatal("expected parse error with wrong secret")
	}
}

func TestExtractRoles(t *testing.T) {
	cases := []struct {
		name string
		in   any
		want []string
	}{
		{"nil", nil, []string{}},
		{"slice", []string{"admin"}, []string{"admin"}},
		{"any slice", []any{"admin", "viewer"}, []string{"admin", "viewer"}},
		{"json text", `["admin","viewer"]`, []string{"admin", "viewer"}},
		{"pg literal", `{admin,viewer}`, []string{"admin", "viewer"}},
		{"empty pg literal", `{}`, []string{}},
		{"garbage", `whatever`, []string{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := extractRoles(tc.in)
			if len(got) != len(tc.want) {
				t.Fatalf("got %v, want %v", got, tc.want)
			}
			for i := range got {
				if got[i] != tc.want[i] {
					t.Fatalf("got %v, want %v", got, tc.want)
				}
			}
		})
	}
}

func TestUserContextIsAdmin(t *testing.T) {
	if (&UserContext{Roles: []string{"viewer"}}).IsAdmin() {
		t.Error("viewer should not be admin")
	}
	if !(&UserContext{Roles: []string{"viewer", "admin"}}).IsAdmin() {
		t.Error("admin role not detected")
	}
}

func TestAuthMiddlewareRejectsMissingOrBadToken(t *testing.T) {
	app := fiber.New(fiber.Config{ErrorHandler: api.ErrorHandler})
	app.Get("/secure", AuthMiddleware("secret"), func(c *fiber.Ctx) error {
		return c.SendStatus(200)
	})

	req, _ := http.NewRequest("GET", "/secure", nil)
	resp, err := app.Test(req, -1)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if resp.StatusCode != 401 {
		t.Errorf("missing header: status = %d, want 401", resp.StatusCode)
	}

	req, _ = http.NewRequest("GET", "/secure", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	resp, err = app.Test(req, -1)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if resp.StatusCode != 401 {
		t.Errorf("bad token: status = %d, want 401", resp.StatusCode)
	}
}

func TestAuthMiddlewareSetsUser(t *testing.T) {
	token, err := GenerateAccessToken("user-7", []string{"admin"}, "secret")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	app := fiber.New(fiber.Config{ErrorHandler: api.ErrorHandler})
	app.Get("/secure", AuthMiddleware("secret"), RequireAdmin(), func(c *fiber.Ctx) error {
		user := GetUser(c)
		if user == nil {
			t.Fatal("user not set on context")
		}
		return c.JSON(fiber.Map{"id": user.ID})
	})

	req, _ := http.NewRequest("GET", "/secure", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := app.Test(req, -1)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["id"] != "user-7" {
		t.Errorf("id = %v, want user-7", body["id"])
	}
}

func TestRequireAdminBlocksNonAdmin(t *testing.T) {
	token, err := GenerateAccessToken("user-8", []string{"viewer"}, "secret")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	app := fiber.New(fiber.Config{ErrorHandler: api.ErrorHandler})
	app.Get("/admin", AuthMiddleware("secret"), RequireAdmin(), func(c *fiber.Ctx) error {
		return c.SendStatus(200)
	})

	req, _ := http.NewRequest("GET", "/admin", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := app.Test(req, -1)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if resp.StatusCode != 403 {
		t.Errorf("status = %d, want 403", resp.StatusCode)
	}
}

// --- login / refresh / logout against a real store ---

func newAuthApp(t *testing.T) (*fiber.App, *store.Store) {
	t.Helper()
	ctx := context.Background()
	s, err := store.New(ctx, config.DatabaseConfig{
		Driver: "sqlite",
		Path:   t.TempDir(),
		Name:   "authtest",
	})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(s.Close)
	if err := s.Bootstrap(ctx); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}

	app := fiber.New(fiber.Config{ErrorHandler: api.ErrorHandler})
	RegisterAuthRoutes(app, NewHandler(s, "secret"))
	return app, s
}

func postJSON(t *testing.T, app *fiber.App, path string, payload any) (*http.Response, map[string]any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req, _ := http.NewRequest("POST", path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req, -1)
	if err != nil {
		t.Fatalf("request %s: %v", path, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	var body map[string]any
	_ = json.Unmarshal(data, &body)
	return resp, body
}

func TestLoginWithSeededAdmin(t *testing.T) {
	app, _ := newAuthApp(t)

	resp, body := postJSON(t, app, "/api/auth/login", map[string]string{
		"email":    "admin@localhost",
		"password": "changeme",
	})
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d, body = %v", resp.StatusCode, body)
	}

	data, _ := body["data"].(map[string]any)
	access, _ := data["access_token"].(string)
	if access == "" {
		t.Fatal("no access token in response")
	}
	claims, err := ParseAccessToken(access, "secret")
	if err != nil {
		t.Fatalf("parse issued token: %v", err)
	}
	if !(&UserContext{Roles: claims.Roles}).IsAdmin() {
		t.Errorf("seeded admin roles = %v", claims.Roles)
	}
	if refresh, _ := data["refresh_token"].(string); refresh == "" {
		t.Fatal("no refresh token in response")
	}
}

func TestLoginWrongPassword(t *testing.T) {
	app, _ := newAuthApp(t)

	resp, _ := postJSON(t, app, "/api/auth/login", map[string]string{
		"email":    "admin@localhost",
		"password": "wrong",
	})
	if resp.StatusCode != 401 {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestRefreshRotatesToken(t *testing.T) {
	app, _ := newAuthApp(t)

	_, body := postJSON(t, app, "/api/auth/login", map[string]string{
		"email":    "admin@localhost",
		"password": "changeme",
	})
	data, _ := body["data"].(map[string]any)
	refresh, _ := data["refresh_token"].(string)

	resp, body := postJSON(t, app, "/api/auth/refresh", map[string]string{
		"refresh_token": refresh,
	})
	if resp.StatusCode != 200 {
		t.Fatalf("refresh status = %d, body = %v", resp.StatusCode, body)
	}
	data, _ = body["data"].(map[string]any)
	if next, _ := data["refresh_token"].(string); next == "" || next == refresh {
		t.Errorf("refresh token was not rotated")
	}

	// The consumed token must no longer work.
	resp, _ = postJSON(t, app, "/api/auth/refresh", map[string]string{
		"refresh_token": refresh,
	})
	if resp.StatusCode != 401 {
		t.Errorf("reused token status = %d, want 401", resp.StatusCode)
	}
}

func TestLogoutInvalidatesRefreshToken(t *testing.T) {
	app, _ := newAuthApp(t)

	_, body := postJSON(t, app, "/api/auth/login", map[string]string{
		"email":    "admin@localhost",
		"password": "changeme",
	})
	data, _ := body["data"].(map[string]any)
	refresh, _ := data["refresh_token"].(string)

	resp, _ := postJSON(t, app, "/api/auth/logout", map[string]string{
		"refresh_token": refresh,
	})
	if resp.StatusCode != 200 {
		t.Fatalf("logout status = %d", resp.StatusCode)
	}

	resp, _ = postJSON(t, app, "/api/auth/refresh", map[string]string{
		"refresh_token": refresh,
	})
	if resp.StatusCode != 401 {
		t.Errorf("post-logout refresh status = %d, want 401", resp.StatusCode)
	}
}
