package services

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-chi/chi/v5"
	"github.com/lib/pq"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"

	"github.com/trackwise/backend/internal/config"
)

type sentMail struct {
	To      string
	Subject string
	Body    string
}

// mockSender records dispatched mail; sends happen on a goroutine so tests
// receive from the channel with a timeout.
type mockSender struct {
	sent chan sentMail
}

func newMockSender() *mockSender {
	return &mockSender{sent: make(chan sentMail, 4)}
}

func (m *mockSender) Send(to, subject, htmlBody string) error {
	m.sent <- sentMail{To: to, Subject: subject, Body: htmlBody}
	return nil
}

func (m *mockSender) waitForMail(t *testing.T) sentMail {
	t.Helper()
	select {
	case mail := <-m.sent:
		return mail
	case <-time.After(2 * time.Second):
		t.Fatal("no OTP email dispatched")
		return sentMail{}
	}
}

func setupAuthTest(t *testing.T, ttl time.Duration) (*AuthService, sqlmock.Sqlmock, *mockSender) {
	t.Helper()

	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	viper.Set("argon2.salt_length", 16)
	viper.Set("argon2.time", 1)
	viper.Set("argon2.memory", 64*1024)
	viper.Set("argon2.threads", 4)
	viper.Set("argon2.key_length", 32)
	viper.Set("jwt.secret_key", "test-secret")
	viper.Set("jwt.expiry_hours", 24)

	registry := NewOTPRegistry(&config.OTPConfig{
		CodeLength:    6,
		CodeTTL:       ttl,
		SweepInterval: time.Hour,
	})
	t.Cleanup(registry.Close)

	sender := newMockSender()
	service := NewAuthService(db, nil, registry, sender)
	return service, mock, sender
}

func TestAuthService_Register(t *testing.T) {
	t.Run("issues otp and dispatches email", func(t *testing.T) {
		service, mock, sender := setupAuthTest(t, 15*time.Minute)

		mock.ExpectQuery("SELECT EXISTS").
			WithArgs("johndoe").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

		body, _ := json.Marshal(RegisterRequest{
			Name:     "John Doe",
			Username: "johndoe",
			Email:    "john@example.com",
			Password: "password123",
		})
		r := httptest.NewRequest("POST", "/api/users/register", bytes.NewBuffer(body))
		w := httptest.NewRecorder()

		service.Register(w, r)

		assert.Equal(t, http.StatusOK, w.Code)

		var response map[string]string
		json.Unmarshal(w.Body.Bytes(), &response)
		assert.Equal(t, "OTP sent to email", response["message"])
		// The acknowledgement must never leak the code
		assert.NotRegexp(t, regexp.MustCompile(`[0-9]{6}`), w.Body.String())

		mail := sender.waitForMail(t)
		assert.Equal(t, "john@example.com", mail.To)
		assert.Regexp(t, regexp.MustCompile(`[0-9]{6}`), mail.Body)

		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rejects taken username at issuance", func(t *testing.T) {
		service, mock, _ := setupAuthTest(t, 15*time.Minute)

		mock.ExpectQuery("SELECT EXISTS").
			WithArgs("johndoe").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

		body, _ := json.Marshal(RegisterRequest{
			Name:     "John Doe",
			Username: "johndoe",
			Email:    "john@example.com",
			Password: "password123",
		})
		r := httptest.NewRequest("POST", "/api/users/register", bytes.NewBuffer(body))
		w := httptest.NewRecorder()

		service.Register(w, r)

		assert.Equal(t, http.StatusBadRequest, w.Code)

		var response ErrorResponse
		json.Unmarshal(w.Body.Bytes(), &response)
		assert.Equal(t, "User already exists", response.Message)
	})

	t.Run("rate limits while an otp is still pending", func(t *testing.T) {
		service, mock, sender := setupAuthTest(t, 15*time.Minute)

		mock.ExpectQuery("SELECT EXISTS").
			WithArgs("johndoe").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
		mock.ExpectQuery("SELECT EXISTS").
			WithArgs("johndoe").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

		body, _ := json.Marshal(RegisterRequest{
			Name:     "John Doe",
			Username: "johndoe",
			Email:    "john@example.com",
			Password: "password123",
		})

		r := httptest.NewRequest("POST", "/api/users/register", bytes.NewBuffer(body))
		w := httptest.NewRecorder()
		service.Register(w, r)
		assert.Equal(t, http.StatusOK, w.Code)
		sender.waitForMail(t)

		r = httptest.NewRequest("POST", "/api/users/register", bytes.NewBuffer(body))
		w = httptest.NewRecorder()
		service.Register(w, r)
		assert.Equal(t, http.StatusBadRequest, w.Code)

		var response ErrorResponse
		json.Unmarshal(w.Body.Bytes(), &response)
		assert.Equal(t, "An OTP was already sent to this email", response.Message)
	})

	t.Run("invalid request body", func(t *testing.T) {
		service, _, _ := setupAuthTest(t, 15*time.Minute)

		r := httptest.NewRequest("POST", "/api/users/register", bytes.NewBuffer([]byte("invalid")))
		w := httptest.NewRecorder()

		service.Register(w, r)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestAuthService_VerifyOTP(t *testing.T) {
	t.Run("creates user on correct code", func(t *testing.T) {
		service, mock, _ := setupAuthTest(t, 15*time.Minute)

		code, err := service.otp.Issue("john@example.com", RegistrationPayload{
			Name:     "John Doe",
			Username: "johndoe",
			Email:    "john@example.com",
			Password: "password123",
		})
		assert.NoError(t, err)

		mock.ExpectQuery("INSERT INTO users").
			WithArgs("johndoe", "John Doe", "john@example.com", sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))

		body, _ := json.Marshal(VerifyOTPRequest{Email: "john@example.com", OTP: code})
		r := httptest.NewRequest("POST", "/api/users/verify-otp", bytes.NewBuffer(body))
		w := httptest.NewRecorder()

		service.VerifyOTP(w, r)

		assert.Equal(t, http.StatusCreated, w.Code)

		var response map[string]any
		json.Unmarshal(w.Body.Bytes(), &response)
		assert.Equal(t, float64(1), response["id"])
		assert.Equal(t, "johndoe", response["username"])
		assert.Equal(t, "John Doe", response["name"])

		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("no pending registration", func(t *testing.T) {
		service, mock, _ := setupAuthTest(t, 15*time.Minute)

		body, _ := json.Marshal(VerifyOTPRequest{Email: "nobody@example.com", OTP: "123456"})
		r := httptest.NewRequest("POST", "/api/users/verify-otp", bytes.NewBuffer(body))
		w := httptest.NewRecorder()

		service.VerifyOTP(w, r)

		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("wrong code", func(t *testing.T) {
		service, mock, _ := setupAuthTest(t, 15*time.Minute)

		code, err := service.otp.Issue("john@example.com", RegistrationPayload{
			Name: "John Doe", Username: "johndoe", Email: "john@example.com", Password: "password123",
		})
		assert.NoError(t, err)

		wrong := "000000"
		if wrong == code {
			wrong = "000001"
		}

		body, _ := json.Marshal(VerifyOTPRequest{Email: "john@example.com", OTP: wrong})
		r := httptest.NewRequest("POST", "/api/users/verify-otp", bytes.NewBuffer(body))
		w := httptest.NewRecorder()

		service.VerifyOTP(w, r)

		assert.Equal(t, http.StatusBadRequest, w.Code)

		var response ErrorResponse
		json.Unmarshal(w.Body.Bytes(), &response)
		assert.Equal(t, "Invalid OTP", response.Message)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("expired code creates no user even when correct", func(t *testing.T) {
		service, mock, _ := setupAuthTest(t, -time.Second)

		code, err := service.otp.Issue("a@b.com", RegistrationPayload{
			Name: "John Doe", Username: "johndoe", Email: "a@b.com", Password: "password123",
		})
		assert.NoError(t, err)

		body, _ := json.Marshal(VerifyOTPRequest{Email: "a@b.com", OTP: code})
		r := httptest.NewRequest("POST", "/api/users/verify-otp", bytes.NewBuffer(body))
		w := httptest.NewRecorder()

		service.VerifyOTP(w, r)

		assert.Equal(t, http.StatusBadRequest, w.Code)

		var response ErrorResponse
		json.Unmarshal(w.Body.Bytes(), &response)
		assert.Equal(t, "OTP has expired", response.Message)

		// No INSERT was expected or performed
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("username taken at verification", func(t *testing.T) {
		service, mock, _ := setupAuthTest(t, 15*time.Minute)

		code, err := service.otp.Issue("john@example.com", RegistrationPayload{
			Name: "John Doe", Username: "johndoe", Email: "john@example.com", Password: "password123",
		})
		assert.NoError(t, err)

		mock.ExpectQuery("INSERT INTO users").
			WithArgs("johndoe", "John Doe", "john@example.com", sqlmock.AnyArg()).
			WillReturnError(&pq.Error{Code: "23505"})

		body, _ := json.Marshal(VerifyOTPRequest{Email: "john@example.com", OTP: code})
		r := httptest.NewRequest("POST", "/api/users/verify-otp", bytes.NewBuffer(body))
		w := httptest.NewRecorder()

		service.VerifyOTP(w, r)

		assert.Equal(t, http.StatusBadRequest, w.Code)

		var response ErrorResponse
		json.Unmarshal(w.Body.Bytes(), &response)
		assert.Equal(t, "User already exists", response.Message)
	})
}

func TestAuthService_Login(t *testing.T) {
	t.Run("successful login returns token and public fields", func(t *testing.T) {
		service, mock, _ := setupAuthTest(t, 15*time.Minute)

		hashedPassword, _ := hashPassword("password123")

		mock.ExpectQuery("SELECT id, username, name, password FROM users").
			WithArgs("johndoe").
			WillReturnRows(sqlmock.NewRows([]string{"id", "username", "name", "password"}).
				AddRow(1, "johndoe", "John Doe", hashedPassword))

		body, _ := json.Marshal(LoginRequest{Username: "johndoe", Password: "password123"})
		r := httptest.NewRequest("POST", "/api/users/login", bytes.NewBuffer(body))
		w := httptest.NewRecorder()

		service.Login(w, r)

		assert.Equal(t, http.StatusOK, w.Code)

		var response LoginResponse
		json.Unmarshal(w.Body.Bytes(), &response)
		assert.Equal(t, 1, response.ID)
		assert.Equal(t, "johndoe", response.Username)
		assert.NotEmpty(t, response.Token)
		assert.NotContains(t, w.Body.String(), hashedPassword)
	})

	t.Run("unknown username and wrong password are indistinguishable", func(t *testing.T) {
		service, mock, _ := setupAuthTest(t, 15*time.Minute)

		mock.ExpectQuery("SELECT id, username, name, password FROM users").
			WithArgs("nobody").
			WillReturnError(sql.ErrNoRows)

		body, _ := json.Marshal(LoginRequest{Username: "nobody", Password: "password123"})
		r := httptest.NewRequest("POST", "/api/users/login", bytes.NewBuffer(body))
		missingUser := httptest.NewRecorder()
		service.Login(missingUser, r)

		hashedPassword, _ := hashPassword("rightpassword")
		mock.ExpectQuery("SELECT id, username, name, password FROM users").
			WithArgs("johndoe").
			WillReturnRows(sqlmock.NewRows([]string{"id", "username", "name", "password"}).
				AddRow(1, "johndoe", "John Doe", hashedPassword))

		body, _ = json.Marshal(LoginRequest{Username: "johndoe", Password: "wrongpassword"})
		r = httptest.NewRequest("POST", "/api/users/login", bytes.NewBuffer(body))
		wrongPassword := httptest.NewRecorder()
		service.Login(wrongPassword, r)

		assert.Equal(t, http.StatusBadRequest, missingUser.Code)
		assert.Equal(t, http.StatusBadRequest, wrongPassword.Code)
		assert.Equal(t, missingUser.Body.String(), wrongPassword.Body.String())
	})
}

func TestAuthService_UpdateBalance(t *testing.T) {
	t.Run("applies signed adjustment", func(t *testing.T) {
		service, mock, _ := setupAuthTest(t, 15*time.Minute)

		mock.ExpectQuery("UPDATE users SET current_balance = current_balance").
			WithArgs(sqlmock.AnyArg(), 1).
			WillReturnRows(sqlmock.NewRows([]string{"current_balance"}).AddRow("125.5"))

		body := []byte(`{"userId": 1, "amount": 25.5}`)
		r := httptest.NewRequest("POST", "/api/users/updateBalance", bytes.NewBuffer(body))
		w := httptest.NewRecorder()

		service.UpdateBalance(w, r)

		assert.Equal(t, http.StatusOK, w.Code)

		var response map[string]json.Number
		dec := json.NewDecoder(bytes.NewReader(w.Body.Bytes()))
		dec.UseNumber()
		dec.Decode(&response)
		assert.Equal(t, "125.5", response["currentBalance"].String())
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("user not found", func(t *testing.T) {
		service, mock, _ := setupAuthTest(t, 15*time.Minute)

		mock.ExpectQuery("UPDATE users SET current_balance = current_balance").
			WithArgs(sqlmock.AnyArg(), 42).
			WillReturnError(sql.ErrNoRows)

		body := []byte(`{"userId": 42, "amount": -10}`)
		r := httptest.NewRequest("POST", "/api/users/updateBalance", bytes.NewBuffer(body))
		w := httptest.NewRecorder()

		service.UpdateBalance(w, r)

		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestAuthService_GetBalance(t *testing.T) {
	service, mock, _ := setupAuthTest(t, 15*time.Minute)

	router := chi.NewRouter()
	router.Get("/api/users/getBalance/{userId}", service.GetBalance)

	t.Run("returns current balance", func(t *testing.T) {
		mock.ExpectQuery("SELECT current_balance FROM users").
			WithArgs(1).
			WillReturnRows(sqlmock.NewRows([]string{"current_balance"}).AddRow("100"))

		r := httptest.NewRequest("GET", "/api/users/getBalance/1", nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, r)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"currentBalance": 100}`, w.Body.String())
	})

	t.Run("user not found", func(t *testing.T) {
		mock.ExpectQuery("SELECT current_balance FROM users").
			WithArgs(42).
			WillReturnError(sql.ErrNoRows)

		r := httptest.NewRequest("GET", "/api/users/getBalance/42", nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, r)

		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("malformed user id", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/api/users/getBalance/abc", nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, r)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestPasswordHashing(t *testing.T) {
	viper.Set("argon2.salt_length", 16)
	viper.Set("argon2.time", 1)
	viper.Set("argon2.memory", 64*1024)
	viper.Set("argon2.threads", 4)
	viper.Set("argon2.key_length", 32)

	password := "testpassword"

	hashed, err := hashPassword(password)
	assert.NoError(t, err)
	assert.NotEmpty(t, hashed)

	assert.True(t, verifyPassword(password, hashed))
	assert.False(t, verifyPassword("wrongpassword", hashed))
}

func TestGenerateJWT(t *testing.T) {
	viper.Set("jwt.secret_key", "test-secret")
	viper.Set("jwt.expiry_hours", 24)

	token, err := generateJWT(123)
	assert.NoError(t, err)
	assert.NotEmpty(t, token)
}
