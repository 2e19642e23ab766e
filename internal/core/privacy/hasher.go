// Package privacy holds the one-way hashing and differential privacy
// primitives the sharing engine builds on.
package privacy

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/hive-corporation/intelcommons/internal/core/domain"
)

// Domain separation prefixes. The same input string must never produce the
// same identifier as an indicator and as an organization.
const (
	indicatorDomain    = "intelcommons/indicator/v1\x00"
	organizationDomain = "intelcommons/organization/v1\x00"
)

// HasherConfig configures a Hasher.
type HasherConfig struct {
	// Secret switches digests to HMAC-SHA256. Empty means plain SHA-256.
	Secret string
	// CacheSize bounds the organization hash memo. 0 disables it.
	CacheSize int
	CacheTTL  time.Duration
}

// Hasher maps raw observables and organization ids to 64 char hex digests.
// It is safe for concurrent use.
type Hasher struct {
	secret []byte
	orgs   *expirable.LRU[string, string]
}

func NewHasher(cfg HasherConfig) *Hasher {
	h := &Hasher{}
	if cfg.Secret != "" {
		h.secret = []byte(cfg.Secret)
	}
	if cfg.CacheSize > 0 {
		h.orgs = expirable.NewLRU[string, string](cfg.CacheSize, nil, cfg.CacheTTL)
	}
	return h
}

// Indicator hashes a raw observable after trimming and case-folding it.
func (h *Hasher) Indicator(raw string) string {
	return h.digest(indicatorDomain, domain.NormalizeIOCValue(raw))
}

// Organization hashes an organization id verbatim.
func (h *Hasher) Organization(id string) string {
	if h.orgs != nil {
		if v, ok := h.orgs.Get(id); ok {
			return v
		}
	}
	sum := h.digest(organizationDomain, id)
	if h.orgs != nil {
		h.orgs.Add(id, sum)
	}
	return sum
}

func (h *Hasher) digest(prefix, value string) string {
	var mac hash.Hash
	if h.secret != nil {
		mac = hmac.New(sha256.New, h.secret)
	} else {
		mac = sha256.New()
	}
	mac.Write([]byte(prefix))
	mac.Write([]byte(value))
	return hex.EncodeToString(mac.Sum(nil))
}
