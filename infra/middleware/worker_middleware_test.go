package middleware

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailpilot_worker/pkg/apperr"
)

const testSecret = "test-secret"

func newTestApp(handlers ...fiber.Handler) *fiber.App {
	app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler()})
	app.Use(RequestID())
	for _, h := range handlers {
		app.Use(h)
	}
	app.Get("/whoami", func(c *fiber.Ctx) error {
		return c.SendString(c.Locals("user_id").(string))
	})
	app.Get("/boom", func(c *fiber.Ctx) error {
		return errors.New("database exploded")
	})
	app.Get("/panic", func(c *fiber.Ctx) error {
		panic("unreachable")
	})
	return app
}

func signToken(t *testing.T, method jwt.SigningMethod, key any, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, claims).SignedString(key)
	require.NoError(t, err)
	return s
}

func decodeError(t *testing.T, body io.Reader) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.NewDecoder(body).Decode(&resp))
	return resp
}

func TestJWTAuth(t *testing.T) {
	app := newTestApp(JWTAuth(testSecret, nil))
	now := time.Now()

	tests := []struct {
		name   string
		header string
		status int
		code   string
	}{
		{"missing header", "", 401, apperr.CodeUnauthorized},
		{"wrong scheme", "Basic abc", 401, apperr.CodeUnauthorized},
		{"garbage token", "Bearer not-a-jwt", 401, apperr.CodeInvalidToken},
		{
			"expired",
			"Bearer " + signToken(t, jwt.SigningMethodHS256, []byte(testSecret),
				jwt.MapClaims{"sub": "user-1", "exp": now.Add(-time.Hour).Unix()}),
			401, apperr.CodeInvalidToken,
		},
		{
			"wrong secret",
			"Bearer " + signToken(t, jwt.SigningMethodHS256, []byte("other"),
				jwt.MapClaims{"sub": "user-1", "exp": now.Add(time.Hour).Unix()}),
			401, apperr.CodeInvalidToken,
		},
		{
			"wrong algorithm",
			"Bearer " + signToken(t, jwt.SigningMethodHS512, []byte(testSecret),
				jwt.MapClaims{"sub": "user-1", "exp": now.Add(time.Hour).Unix()}),
			401, apperr.CodeInvalidToken,
		},
		{
			"missing subject",
			"Bearer " + signToken(t, jwt.SigningMethodHS256, []byte(testSecret),
				jwt.MapClaims{"exp": now.Add(time.Hour).Unix()}),
			401, apperr.CodeInvalidToken,
		},
		{
			"valid",
			"Bearer " + signToken(t, jwt.SigningMethodHS256, []byte(testSecret),
				jwt.MapClaims{"sub": "user-1", "exp": now.Add(time.Hour).Unix()}),
			200, "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/whoami", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			resp, err := app.Test(req)
			require.NoError(t, err)
			assert.Equal(t, tt.status, resp.StatusCode)
			if tt.status == 200 {
				body, _ := io.ReadAll(resp.Body)
				assert.Equal(t, "user-1", string(body))
				return
			}
			assert.Equal(t, tt.code, decodeError(t, resp.Body).Error.Code)
		})
	}
}

func TestErrorHandlerHidesUnexpectedErrors(t *testing.T) {
	app := newTestApp()

	resp, err := app.Test(httptest.NewRequest("GET", "/boom", nil))
	require.NoError(t, err)
	assert.Equal(t, 500, resp.StatusCode)
	body := decodeError(t, resp.Body)
	assert.Equal(t, apperr.CodeInternalError, body.Error.Code)
	assert.NotContains(t, body.Error.Message, "database")
	assert.NotEmpty(t, body.RequestID)

	resp, err = app.Test(httptest.NewRequest("GET", "/missing", nil))
	require.NoError(t, err)
	assert.Equal(t, 404, resp.StatusCode)
	assert.Equal(t, apperr.CodeNotFound, decodeError(t, resp.Body).Error.Code)
}

func TestRecover(t *testing.T) {
	app := newTestApp(Recover())

	resp, err := app.Test(httptest.NewRequest("GET", "/panic", nil))
	require.NoError(t, err)
	assert.Equal(t, 500, resp.StatusCode)
}

type stubLimiter struct {
	allow bool
	wait  time.Duration
	keys  []string
}

func (s *stubLimiter) Allow(_ context.Context, key string) (bool, time.Duration) {
	s.keys = append(s.keys, key)
	return s.allow, s.wait
}

func (s *stubLimiter) Limit() int { return 3 }

func TestPerUserRateLimit(t *testing.T) {
	limiter := &stubLimiter{allow: false, wait: 1500 * time.Millisecond}
	app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler()})
	app.Use(func(c *fiber.Ctx) error {
		c.Locals("user_id", "user-1")
		return c.Next()
	})
	app.Post("/poll", PerUserRateLimit(limiter), func(c *fiber.Ctx) error {
		return c.SendStatus(204)
	})

	resp, err := app.Test(httptest.NewRequest("POST", "/poll", nil))
	require.NoError(t, err)
	assert.Equal(t, 429, resp.StatusCode)
	assert.Equal(t, "2", resp.Header.Get("Retry-After"))
	assert.Equal(t, "3", resp.Header.Get("X-RateLimit-Limit"))
	assert.Equal(t, codeRateLimited, decodeError(t, resp.Body).Error.Code)
	assert.Equal(t, []string{"user-1:/poll"}, limiter.keys)

	limiter.allow = true
	resp, err = app.Test(httptest.NewRequest("POST", "/poll", nil))
	require.NoError(t, err)
	assert.Equal(t, 204, resp.StatusCode)
}
