package services

import (
	cryptorand "crypto/rand"
	"errors"
	"fmt"
	"log"
	"math/big"
	"sync"
	"time"

	"github.com/trackwise/backend/internal/config"
)

// OTP registry failure modes surfaced to the auth service.
var (
	ErrOTPNotFound = errors.New("no pending registration for this email")
	ErrOTPExpired  = errors.New("otp has expired")
	ErrOTPMismatch = errors.New("otp does not match")
	ErrOTPPending  = errors.New("an otp was already sent and is still valid")
)

// RegistrationPayload is the signup data captured at issuance and promoted
// to a persisted user once the OTP is verified.
type RegistrationPayload struct {
	Name     string
	Username string
	Email    string
	Password string
}

type pendingRegistration struct {
	code      string
	expiresAt time.Time
	payload   RegistrationPayload
}

// OTPRegistry is a process-local, time-bounded mapping from email to a
// pending registration. State lives in memory only: a restart drops all
// pending signups, and multiple server instances do not share entries.
// Single-instance deployment only.
type OTPRegistry struct {
	mu        sync.Mutex
	entries   map[string]pendingRegistration
	codeLen   int
	ttl       time.Duration
	stopOnce  sync.Once
	stopSweep chan struct{}
}

// NewOTPRegistry builds a registry from config and starts its expiry sweeper.
func NewOTPRegistry(cfg *config.OTPConfig) *OTPRegistry {
	r := &OTPRegistry{
		entries:   make(map[string]pendingRegistration),
		codeLen:   cfg.CodeLength,
		ttl:       cfg.CodeTTL,
		stopSweep: make(chan struct{}),
	}
	go r.sweepLoop(cfg.SweepInterval)
	return r
}

// Issue generates a fresh code for email and stores the pending registration.
// It refuses to reissue while a still-valid entry exists, so a client cannot
// spam the mailbox before the previous code expires.
func (r *OTPRegistry) Issue(email string, payload RegistrationPayload) (string, error) {
	code, err := r.generateCode()
	if err != nil {
		return "", fmt.Errorf("failed to generate otp: %w", err)
	}

	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.entries[email]; ok && now.Before(existing.expiresAt) {
		return "", ErrOTPPending
	}

	r.entries[email] = pendingRegistration{
		code:      code,
		expiresAt: now.Add(r.ttl),
		payload:   payload,
	}

	return code, nil
}

// Verify checks the supplied code against the pending entry for email.
// On success the payload is returned and the entry is deleted: a code is
// usable at most once. Expired entries are purged on sight.
func (r *OTPRegistry) Verify(email, code string) (RegistrationPayload, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[email]
	if !ok {
		return RegistrationPayload{}, ErrOTPNotFound
	}

	if time.Now().After(entry.expiresAt) {
		delete(r.entries, email)
		return RegistrationPayload{}, ErrOTPExpired
	}

	if entry.code != code {
		return RegistrationPayload{}, ErrOTPMismatch
	}

	delete(r.entries, email)
	return entry.payload, nil
}

// Sweep removes all entries past expiry and reports how many were purged.
func (r *OTPRegistry) Sweep() int {
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	purged := 0
	for email, entry := range r.entries {
		if now.After(entry.expiresAt) {
			delete(r.entries, email)
			purged++
		}
	}
	return purged
}

// Close stops the background sweeper.
func (r *OTPRegistry) Close() {
	r.stopOnce.Do(func() {
		close(r.stopSweep)
	})
}

func (r *OTPRegistry) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if purged := r.Sweep(); purged > 0 {
				log.Printf("[OTP] Swept %d expired registration(s)", purged)
			}
		case <-r.stopSweep:
			return
		}
	}
}

func (r *OTPRegistry) generateCode() (string, error) {
	max := big.NewInt(1)
	for i := 0; i < r.codeLen; i++ {
		max.Mul(max, big.NewInt(10))
	}

	n, err := cryptorand.Int(cryptorand.Reader, max)
	if err != nil {
		return "", err
	}

	return fmt.Sprintf("%0*d", r.codeLen, n), nil
}
