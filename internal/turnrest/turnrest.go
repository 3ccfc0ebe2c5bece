package turnrest

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// This package implements coturn-compatible TURN REST (ephemeral) credentials.
//
// See:
// - https://github.com/coturn/coturn/wiki/turnserver
// - https://datatracker.ietf.org/doc/html/draft-uberti-behave-turn-rest
//
// Layout:
//
//	username = <prefix>_<now_unix>_<random_hex>:<expiry_unix>
//	password = base64(hmac_sha1(shared_secret, username))
//
// The expiry timestamp is the last ':'-separated segment so the TURN server
// (and ValidateUsername) can recover it without knowing the prefix layout.
// Expiry is computed from the injected clock in UTC:
//
//	expiry_unix = now_utc_unix + ttl_seconds
type Generator struct {
	sharedSecret []byte
	ttlSeconds   int64
	prefix       string
	now          func() time.Time

	randomSuffix func() (string, error)
}

type GeneratorConfig struct {
	// SharedSecret is the static-auth-secret shared with the TURN server.
	SharedSecret string
	TTLSeconds   int64
	// UsernamePrefix disambiguates credential users; defaults to "user".
	// It must not contain ':' (reserved as the expiry separator).
	UsernamePrefix string
	// Now defaults to time.Now. Injected so credential output is
	// deterministic under test.
	Now func() time.Time
	// RandomSuffix defaults to 8 bytes of crypto-random hex.
	RandomSuffix func() (string, error)
}

const defaultUsernamePrefix = "user"

func NewGenerator(cfg GeneratorConfig) (*Generator, error) {
	if cfg.SharedSecret == "" {
		return nil, errors.New("shared secret is required")
	}
	if cfg.TTLSeconds <= 0 {
		return nil, errors.New("TTLSeconds must be > 0")
	}
	if cfg.UsernamePrefix == "" {
		cfg.UsernamePrefix = defaultUsernamePrefix
	}
	if strings.Contains(cfg.UsernamePrefix, ":") {
		return nil, errors.New("UsernamePrefix must not contain ':'")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.RandomSuffix == nil {
		cfg.RandomSuffix = cryptoRandomSuffix
	}
	return &Generator{
		sharedSecret: []byte(cfg.SharedSecret),
		ttlSeconds:   cfg.TTLSeconds,
		prefix:       cfg.UsernamePrefix,
		now:          cfg.Now,
		randomSuffix: cfg.RandomSuffix,
	}, nil
}

type Credentials struct {
	Username   string
	Password   string
	TTLSeconds int64
	ExpiryUnix int64
}

func (g *Generator) TTLSeconds() int64 { return g.ttlSeconds }

// Generate computes a fresh time-windowed credential pair. It has no side
// effects and is safe for concurrent use.
func (g *Generator) Generate() (Credentials, error) {
	suffix, err := g.randomSuffix()
	if err != nil {
		return Credentials{}, err
	}
	if strings.Contains(suffix, ":") {
		return Credentials{}, fmt.Errorf("random suffix %q must not contain ':'", suffix)
	}

	nowUnix := g.now().UTC().Unix()
	expiryUnix := nowUnix + g.ttlSeconds
	username := fmt.Sprintf("%s_%d_%s:%d", g.prefix, nowUnix, suffix, expiryUnix)
	return Credentials{
		Username:   username,
		Password:   signUsername(g.sharedSecret, username),
		TTLSeconds: g.ttlSeconds,
		ExpiryUnix: expiryUnix,
	}, nil
}

// ValidateUsername reports whether the expiry encoded in username is still in
// the future at the given time.
func ValidateUsername(username string, now time.Time) bool {
	idx := strings.LastIndexByte(username, ':')
	if idx < 0 || idx == len(username)-1 {
		return false
	}
	expiry, err := strconv.ParseInt(username[idx+1:], 10, 64)
	if err != nil {
		return false
	}
	return expiry > now.UTC().Unix()
}

func cryptoRandomSuffix() (string, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}

func signUsername(sharedSecret []byte, username string) string {
	mac := hmac.New(sha1.New, sharedSecret)
	_, _ = mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
