package config

import (
	"encoding/hex"
	"errors"
	"fmt"
)

// Rate limiter backends.
const (
	RateBackendMemory = "memory"
	RateBackendRedis  = "redis"
)

// Challenge solver providers.
const (
	CaptchaProviderHTTP   = "http"
	CaptchaProviderStatic = "static"
)

// Defaults
const (
	defaultMaxConcurrent = 5
	defaultMinFreeBytes  = 10 << 30
	defaultAcquireLimit  = 10
	defaultLookupLimit   = 20
	defaultStatusLimit   = 100
	defaultMaxAttempts   = 3
	defaultMaxInline     = 256 << 20
	zipMagicHex          = "504b0304"
)

// MagicBytes decodes the configured artifact signature.
func (s StorageConfig) MagicBytes() ([]byte, error) {
	b, err := hex.DecodeString(s.Magic)
	if err != nil {
		return nil, fmt.Errorf("invalid magic %q: %w", s.Magic, err)
	}
	if len(b) == 0 {
		return nil, errors.New("magic signature must not be empty")
	}
	return b, nil
}
