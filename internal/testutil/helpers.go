package testutil

import (
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/ConfabulousDev/todo-sync/internal/auth"
	"github.com/ConfabulousDev/todo-sync/internal/models"
)

// TestJWTSecret signs every token issued in tests
const TestJWTSecret = "test-secret-test-secret-test-secret!"

// TestPassword is the password of users made by CreateTestUser
const TestPassword = "password123"

// ParseJSONResponse decodes the recorded body into v
func ParseJSONResponse(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("failed to decode response: %v. Body: %s", err, w.Body.String())
	}
}

func AssertStatus(t *testing.T, w *httptest.ResponseRecorder, want int) {
	t.Helper()
	if w.Code != want {
		t.Errorf("status = %d, want %d. Body: %s", w.Code, want, w.Body.String())
	}
}

// AssertErrorResponse checks the status and the {"error": ...} message
func AssertErrorResponse(t *testing.T, w *httptest.ResponseRecorder, wantStatus int, wantMessage string) {
	t.Helper()
	AssertStatus(t, w, wantStatus)

	var body struct {
		Error string `json:"error"`
	}
	ParseJSONResponse(t, w, &body)
	if body.Error != wantMessage {
		t.Errorf("error = %q, want %q", body.Error, wantMessage)
	}
}

// CreateTestUser inserts an account with TestPassword
func CreateTestUser(t *testing.T, env *TestEnvironment, email, name string) *models.User {
	t.Helper()
	hash, err := auth.HashPassword(TestPassword)
	if err != nil {
		t.Fatalf("failed to hash password: %v", err)
	}
	user, err := env.DB.CreateUser(env.Ctx, email, name, hash)
	if err != nil {
		t.Fatalf("failed to create test user %s: %v", email, err)
	}
	return user
}
