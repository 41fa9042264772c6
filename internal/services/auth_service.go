package services

import (
	"context"
	cryptorand "crypto/rand"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/go-redis/redis/v8"
	"github.com/golang-jwt/jwt/v5"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"golang.org/x/crypto/argon2"

	"github.com/trackwise/backend/internal/mailer"
	"github.com/trackwise/backend/internal/middleware"
	"github.com/trackwise/backend/internal/models"
)

const uniqueViolation = "23505"

type AuthService struct {
	db        *sql.DB
	redis     *redis.Client
	otp       *OTPRegistry
	mail      mailer.Sender
	validator *validator.Validate
}

// RegisterRequest represents the registration request payload
type RegisterRequest struct {
	Name     string `json:"name" validate:"required,min=2"`
	Username string `json:"username" validate:"required,min=3"`
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=6"`
}

// VerifyOTPRequest represents the OTP verification payload
type VerifyOTPRequest struct {
	Email string `json:"email" validate:"required,email"`
	OTP   string `json:"otp" validate:"required,numeric"`
}

// LoginRequest represents the login request payload
type LoginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// LoginResponse carries the user's public fields and a session token.
type LoginResponse struct {
	ID       int    `json:"id"`
	Username string `json:"username"`
	Name     string `json:"name"`
	Token    string `json:"token"`
}

// UpdateBalanceRequest adjusts a balance without a backing transaction.
type UpdateBalanceRequest struct {
	UserID int             `json:"userId" validate:"required"`
	Amount decimal.Decimal `json:"amount"`
}

func NewAuthService(db *sql.DB, redisClient *redis.Client, otp *OTPRegistry, mail mailer.Sender) *AuthService {
	return &AuthService{
		db:        db,
		redis:     redisClient,
		otp:       otp,
		mail:      mail,
		validator: validator.New(),
	}
}

func (s *AuthService) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		return err
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("request body must only contain a single JSON object")
	}

	return nil
}

// Register captures the signup payload, issues an OTP and emails it.
// The response acknowledges dispatch only; the code itself never leaves
// the mail channel.
func (s *AuthService) Register(w http.ResponseWriter, r *http.Request) {
	log.Printf("[AUTH] Registration attempt from IP: %s", r.RemoteAddr)

	var req RegisterRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		log.Printf("[AUTH] Registration failed - invalid request: %v", err)
		SendErrorResponse(w, "Invalid request", http.StatusBadRequest, nil)
		return
	}

	if err := s.validator.Struct(&req); err != nil {
		log.Printf("[AUTH] Registration validation failed: %v", err)
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	// Uniqueness is checked at issuance so the client learns about a taken
	// username before an OTP round-trip. The insert at verification time
	// enforces it again.
	var exists bool
	err := s.db.QueryRow("SELECT EXISTS(SELECT 1 FROM users WHERE username = $1)", req.Username).Scan(&exists)
	if err != nil {
		log.Printf("[AUTH] Username lookup failed for %s: %v", req.Username, err)
		SendErrorResponse(w, "Failed to register user", http.StatusInternalServerError, nil)
		return
	}
	if exists {
		log.Printf("[AUTH] Username already taken: %s", req.Username)
		SendErrorResponse(w, "User already exists", http.StatusBadRequest, nil)
		return
	}

	code, err := s.otp.Issue(strings.ToLower(req.Email), RegistrationPayload{
		Name:     req.Name,
		Username: req.Username,
		Email:    strings.ToLower(req.Email),
		Password: req.Password,
	})
	if err != nil {
		if errors.Is(err, ErrOTPPending) {
			log.Printf("[AUTH] OTP reissue rejected for %s: still pending", req.Email)
			SendErrorResponse(w, "An OTP was already sent to this email", http.StatusBadRequest, nil)
			return
		}
		log.Printf("[AUTH] OTP issuance failed for %s: %v", req.Email, err)
		SendErrorResponse(w, "Failed to register user", http.StatusInternalServerError, nil)
		return
	}

	// Best-effort dispatch; registration does not depend on delivery.
	mailer.SendOTPEmail(s.mail, req.Email, code)

	log.Printf("[AUTH] OTP issued for %s", req.Email)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"message": "OTP sent to email"})
}

// VerifyOTP completes registration: on a valid code the captured payload is
// hashed and persisted as a new user.
func (s *AuthService) VerifyOTP(w http.ResponseWriter, r *http.Request) {
	var req VerifyOTPRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		SendErrorResponse(w, "Invalid request", http.StatusBadRequest, nil)
		return
	}

	if err := s.validator.Struct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	payload, err := s.otp.Verify(strings.ToLower(req.Email), req.OTP)
	if err != nil {
		switch {
		case errors.Is(err, ErrOTPNotFound):
			log.Printf("[AUTH] No pending registration for %s", req.Email)
			SendErrorResponse(w, "No pending registration for this email", http.StatusNotFound, nil)
		case errors.Is(err, ErrOTPExpired):
			log.Printf("[AUTH] Expired OTP for %s", req.Email)
			SendErrorResponse(w, "OTP has expired", http.StatusBadRequest, nil)
		case errors.Is(err, ErrOTPMismatch):
			log.Printf("[AUTH] OTP mismatch for %s", req.Email)
			SendErrorResponse(w, "Invalid OTP", http.StatusBadRequest, nil)
		default:
			SendErrorResponse(w, "Failed to verify OTP", http.StatusInternalServerError, nil)
		}
		return
	}

	hashedPassword, err := hashPassword(payload.Password)
	if err != nil {
		log.Printf("[AUTH] Password hashing failed for %s: %v", payload.Username, err)
		SendErrorResponse(w, "Failed to register user", http.StatusInternalServerError, nil)
		return
	}

	var userID int
	err = s.db.QueryRow(
		"INSERT INTO users (username, name, email, password) VALUES ($1, $2, $3, $4) RETURNING id",
		payload.Username, payload.Name, payload.Email, hashedPassword,
	).Scan(&userID)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
			log.Printf("[AUTH] Username taken at verification: %s", payload.Username)
			SendErrorResponse(w, "User already exists", http.StatusBadRequest, nil)
			return
		}
		log.Printf("[AUTH] User creation failed for %s: %v", payload.Username, err)
		SendErrorResponse(w, "Failed to register user", http.StatusInternalServerError, nil)
		return
	}

	log.Printf("[AUTH] User created successfully - ID: %d, Username: %s", userID, payload.Username)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(models.PublicUser{ID: userID, Username: payload.Username, Name: payload.Name})
}

// Login authenticates by username and password. Unknown usernames and wrong
// passwords produce the identical response, so the endpoint cannot be used
// to enumerate accounts.
func (s *AuthService) Login(w http.ResponseWriter, r *http.Request) {
	log.Printf("[AUTH] Login attempt from IP: %s", r.RemoteAddr)

	var req LoginRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		log.Printf("[AUTH] Login failed - invalid request: %v", err)
		SendErrorResponse(w, "Invalid request", http.StatusBadRequest, nil)
		return
	}

	if err := s.validator.Struct(&req); err != nil {
		log.Printf("[AUTH] Login validation failed: %v", err)
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	var user models.User
	err := s.db.QueryRow(
		"SELECT id, username, name, password FROM users WHERE username = $1",
		req.Username,
	).Scan(&user.ID, &user.Username, &user.Name, &user.Password)
	if err != nil {
		log.Printf("[AUTH] User not found for username: %s", req.Username)
		SendErrorResponse(w, "Invalid credentials", http.StatusBadRequest, nil)
		return
	}

	if !verifyPassword(req.Password, user.Password) {
		log.Printf("[AUTH] Invalid password for user: %s", req.Username)
		SendErrorResponse(w, "Invalid credentials", http.StatusBadRequest, nil)
		return
	}

	token, err := generateJWT(user.ID)
	if err != nil {
		log.Printf("[AUTH] JWT generation failed for user %d: %v", user.ID, err)
		SendErrorResponse(w, "Failed to generate token", http.StatusInternalServerError, nil)
		return
	}

	log.Printf("[AUTH] Login successful for user %d", user.ID)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(LoginResponse{
		ID:       user.ID,
		Username: user.Username,
		Name:     user.Name,
		Token:    token,
	})
}

// Logout blacklists the presented token until its natural expiry.
func (s *AuthService) Logout(w http.ResponseWriter, r *http.Request) {
	token := r.Header.Get("Authorization")
	if token != "" && len(token) > 7 {
		token = token[7:] // Remove "Bearer " prefix

		if s.redis != nil {
			ctx := context.Background()
			key := fmt.Sprintf("blacklist:%s", token)
			expiry := time.Duration(viper.GetInt("jwt.expiry_hours")) * time.Hour
			if err := s.redis.Set(ctx, key, "1", expiry).Err(); err != nil {
				log.Printf("[AUTH] Failed to blacklist token: %v", err)
			}
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"message": "Logout successful"})
}

// GetUserAccount returns the authenticated user's account details.
func (s *AuthService) GetUserAccount(w http.ResponseWriter, r *http.Request) {
	userID := r.Context().Value(middleware.UserIDKey)
	if userID == nil {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var user models.User
	err := s.db.QueryRow(
		"SELECT id, username, name, email, current_balance, total_amount_spent FROM users WHERE id = $1::integer",
		fmt.Sprintf("%v", userID),
	).Scan(&user.ID, &user.Username, &user.Name, &user.Email, &user.CurrentBalance, &user.TotalAmountSpent)
	if err != nil {
		if err == sql.ErrNoRows {
			SendErrorResponse(w, "User not found", http.StatusNotFound, nil)
		} else {
			log.Printf("[AUTH] Failed to fetch user details for ID %v: %v", userID, err)
			SendErrorResponse(w, "Failed to fetch user details", http.StatusInternalServerError, nil)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(user)
}

// UpdateBalance applies a signed out-of-band adjustment with no backing
// transaction record. The running-balance invariant intentionally does not
// cover adjustments made here.
func (s *AuthService) UpdateBalance(w http.ResponseWriter, r *http.Request) {
	var req UpdateBalanceRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		SendErrorResponse(w, "Invalid request", http.StatusBadRequest, nil)
		return
	}

	if err := s.validator.Struct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	var newBalance decimal.Decimal
	err := s.db.QueryRow(
		"UPDATE users SET current_balance = current_balance + $1, updated_at = NOW() WHERE id = $2 RETURNING current_balance",
		req.Amount, req.UserID,
	).Scan(&newBalance)
	if err != nil {
		if err == sql.ErrNoRows {
			SendErrorResponse(w, "User not found", http.StatusNotFound, nil)
			return
		}
		log.Printf("[AUTH] Balance update failed for user %d: %v", req.UserID, err)
		SendErrorResponse(w, "Failed to update balance", http.StatusInternalServerError, nil)
		return
	}

	log.Printf("[AUTH] Balance adjusted for user %d by %s", req.UserID, req.Amount)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]decimal.Decimal{"currentBalance": newBalance})
}

// GetBalance returns the cached running balance for a user.
func (s *AuthService) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.Atoi(chi.URLParam(r, "userId"))
	if err != nil {
		SendErrorResponse(w, "Invalid user ID format", http.StatusBadRequest, nil)
		return
	}

	var balance decimal.Decimal
	err = s.db.QueryRow("SELECT current_balance FROM users WHERE id = $1", userID).Scan(&balance)
	if err != nil {
		if err == sql.ErrNoRows {
			SendErrorResponse(w, "User not found", http.StatusNotFound, nil)
			return
		}
		log.Printf("[AUTH] Balance fetch failed for user %d: %v", userID, err)
		SendErrorResponse(w, "Failed to fetch balance", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]decimal.Decimal{"currentBalance": balance})
}

func generateJWT(userID int) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": userID,
		"exp":     time.Now().Add(time.Duration(viper.GetInt("jwt.expiry_hours")) * time.Hour).Unix(),
	})

	return token.SignedString([]byte(viper.GetString("jwt.secret_key")))
}

func hashPassword(password string) (string, error) {
	salt := make([]byte, viper.GetInt("argon2.salt_length"))
	if _, err := cryptorand.Read(salt); err != nil {
		return "", err
	}

	hash := argon2.IDKey([]byte(password), salt,
		uint32(viper.GetInt("argon2.time")),
		uint32(viper.GetInt("argon2.memory")),
		uint8(viper.GetInt("argon2.threads")),
		uint32(viper.GetInt("argon2.key_length")))
	return fmt.Sprintf("%s$%s", base64.StdEncoding.EncodeToString(salt), base64.StdEncoding.EncodeToString(hash)), nil
}

func verifyPassword(password, hashedPassword string) bool {
	parts := strings.Split(hashedPassword, "$")
	if len(parts) != 2 {
		return false
	}

	salt, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return false
	}

	hash, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return false
	}

	computedHash := argon2.IDKey([]byte(password), salt,
		uint32(viper.GetInt("argon2.time")),
		uint32(viper.GetInt("argon2.memory")),
		uint8(viper.GetInt("argon2.threads")),
		uint32(viper.GetInt("argon2.key_length")))
	return string(hash) == string(computedHash)
}
