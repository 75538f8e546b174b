package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/ConfabulousDev/todo-sync/internal/auth"
	"github.com/ConfabulousDev/todo-sync/internal/db"
	"github.com/ConfabulousDev/todo-sync/internal/logger"
	"github.com/ConfabulousDev/todo-sync/internal/models"
	"github.com/ConfabulousDev/todo-sync/internal/validation"
)

// RegisterRequest is the request body for POST /api/v1/auth/register
type RegisterRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
}

// LoginRequest is the request body for POST /api/v1/auth/login
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// AuthResponse is returned by register and login
type AuthResponse struct {
	Message   string       `json:"message"`
	User      *models.User `json:"user"`
	Token     string       `json:"token"`
	ExpiresAt time.Time    `json:"expires_at"`
}

// handleRegister creates an account and signs the caller in
// POST /api/v1/auth/register
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	log := logger.Ctx(r.Context())

	var req RegisterRequest
	if !decodeJSON(w, r, MaxBodySize, &req) {
		return
	}
	req.Email = validation.NormalizeEmail(req.Email)
	req.Name = strings.TrimSpace(req.Name)

	if err := validation.ValidateRegistration(req.Email, req.Password, req.Name); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		log.Error("Failed to hash password", "error", err)
		respondError(w, http.StatusInternalServerError, "Failed to create user")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), DatabaseTimeout)
	defer cancel()

	user, err := s.users.CreateUser(ctx, req.Email, req.Name, hash)
	if err != nil {
		if errors.Is(err, db.ErrEmailTaken) {
			respondError(w, http.StatusConflict, "User already exists")
			return
		}
		log.Error("Failed to create user", "error", err)
		respondError(w, http.StatusInternalServerError, "Failed to create user")
		return
	}

	token, expiresAt, err := s.tokens.Issue(user)
	if err != nil {
		log.Error("Failed to issue token", "error", err, "user_id", user.ID)
		respondError(w, http.StatusInternalServerError, "Failed to create user")
		return
	}

	log.Info("User registered", "user_id", user.ID)
	respondJSON(w, http.StatusCreated, AuthResponse{
		Message:   "User created successfully",
		User:      user,
		Token:     token,
		ExpiresAt: expiresAt,
	})
}

// handleLogin verifies credentials and issues a token
// POST /api/v1/auth/login
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	log := logger.Ctx(r.Context())

	var req LoginRequest
	if !decodeJSON(w, r, MaxBodySize, &req) {
		return
	}
	if req.Email == "" || req.Password == "" {
		respondError(w, http.StatusBadRequest, "Email and password are required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), DatabaseTimeout)
	defer cancel()

	user, err := s.users.GetUserByEmail(ctx, validation.NormalizeEmail(req.Email))
	if err != nil {
		if errors.Is(err, db.ErrUserNotFound) {
			// Same bcrypt cost as a real check so response time does not reveal accounts
			auth.BurnPasswordCheck(req.Password)
			respondError(w, http.StatusUnauthorized, "Invalid credentials")
			return
		}
		log.Error("Failed to load user", "error", err)
		respondError(w, http.StatusInternalServerError, "Login failed")
		return
	}

	if !auth.CheckPassword(user.PasswordHash, req.Password) {
		log.Info("Login rejected", "user_id", user.ID)
		respondError(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}

	now := s.now().UTC()
	if err := s.users.TouchLastSync(ctx, user.ID, now); err != nil {
		log.Warn("Failed to record login time", "error", err, "user_id", user.ID)
	} else {
		user.LastSync = &now
	}

	token, expiresAt, err := s.tokens.Issue(user)
	if err != nil {
		log.Error("Failed to issue token", "error", err, "user_id", user.ID)
		respondError(w, http.StatusInternalServerError, "Login failed")
		return
	}

	log.Info("User logged in", "user_id", user.ID)
	respondJSON(w, http.StatusOK, AuthResponse{
		Message:   "Login successful",
		User:      user,
		Token:     token,
		ExpiresAt: expiresAt,
	})
}

// handleMe returns the caller's profile
// GET /api/v1/auth/me
func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), DatabaseTimeout)
	defer cancel()

	user, err := s.users.GetUserByID(ctx, uid)
	if err != nil {
		if errors.Is(err, db.ErrUserNotFound) {
			respondError(w, http.StatusNotFound, "User not found")
			return
		}
		logger.Ctx(r.Context()).Error("Failed to load user", "error", err)
		respondError(w, http.StatusInternalServerError, "Failed to load user")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"user": user})
}
