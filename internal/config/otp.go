package config

import (
	"os"
	"strconv"
	"time"
)

type OTPConfig struct {
	CodeLength    int
	CodeTTL       time.Duration
	SweepInterval time.Duration
}

func LoadOTPConfig() *OTPConfig {
	return &OTPConfig{
		CodeLength:    getEnvAsInt("OTP_CODE_LENGTH", 6),
		CodeTTL:       getEnvAsDuration("OTP_CODE_TTL", 15*time.Minute),
		SweepInterval: getEnvAsDuration("OTP_SWEEP_INTERVAL", 1*time.Minute),
	}
}

func getEnvAsInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			return duration
		}
	}
	return defaultVal
}
