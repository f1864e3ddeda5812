// Package mta classifies a recipient address by the mailbox provider that
// hosts it.
package mta

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Provider is a mailbox operator.
type Provider string

const (
	ProviderGoogle    Provider = "google"
	ProviderMicrosoft Provider = "microsoft"
	ProviderYahoo     Provider = "yahoo"
	ProviderOther     Provider = "other"
	ProviderUnknown   Provider = "unknown"
)

// Result is a provider classification with a confidence in [0, 1].
type Result struct {
	Provider   Provider `json:"provider"`
	Confidence float64  `json:"confidence"`
}

var knownDomains = map[string]Provider{
	"gmail.com":      ProviderGoogle,
	"googlemail.com": ProviderGoogle,
	"outlook.com":    ProviderMicrosoft,
	"hotmail.com":    ProviderMicrosoft,
	"live.com":       ProviderMicrosoft,
	"msn.com":        ProviderMicrosoft,
	"yahoo.com":      ProviderYahoo,
	"ymail.com":      ProviderYahoo,
}

var mxSuffixes = []struct {
	suffix   string
	provider Provider
}{
	{"google.com", ProviderGoogle},
	{"googlemail.com", ProviderGoogle},
	{"outlook.com", ProviderMicrosoft},
	{"protection.outlook.com", ProviderMicrosoft},
	{"hotmail.com", ProviderMicrosoft},
	{"yahoodns.net", ProviderYahoo},
}

const (
	confidenceDomain = 1.0
	confidenceMX     = 0.9
	confidenceOther  = 0.5
	cacheKeyPrefix   = "mta:"
	defaultCacheTTL  = 24 * time.Hour
	lookupTimeout    = 5 * time.Second
)

// Detector resolves addresses to providers. Results are cached in Redis per
// domain; a nil client disables caching.
type Detector struct {
	resolver Resolver
	cache    redis.Cmdable
	ttl      time.Duration
	logger   *zap.Logger
}

func NewDetector(resolver Resolver, cache redis.Cmdable, ttl time.Duration, logger *zap.Logger) *Detector {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &Detector{resolver: resolver, cache: cache, ttl: ttl, logger: logger}
}

// Detect never fails: lookup problems classify the address as unknown with
// zero confidence, and are not cached.
func (d *Detector) Detect(ctx context.Context, address string) Result {
	domain := domainOf(address)
	if domain == "" {
		return Result{Provider: ProviderUnknown}
	}
	if p, ok := knownDomains[domain]; ok {
		return Result{Provider: p, Confidence: confidenceDomain}
	}

	if res, ok := d.cached(ctx, domain); ok {
		return res
	}

	lookupCtx, cancel := context.WithTimeout(ctx, lookupTimeout)
	defer cancel()
	records, err := d.resolver.LookupMX(lookupCtx, domain)
	if err != nil {
		d.logger.Warn("mx lookup failed", zap.String("domain", domain), zap.Error(err))
		return Result{Provider: ProviderUnknown}
	}

	res := classify(records)
	d.store(ctx, domain, res)
	return res
}

func classify(records []MXRecord) Result {
	for _, mx := range records {
		host := strings.ToLower(strings.TrimSuffix(mx.Host, "."))
		for _, s := range mxSuffixes {
			if host == s.suffix || strings.HasSuffix(host, "."+s.suffix) {
				return Result{Provider: s.provider, Confidence: confidenceMX}
			}
		}
	}
	if len(records) == 0 {
		return Result{Provider: ProviderUnknown}
	}
	return Result{Provider: ProviderOther, Confidence: confidenceOther}
}

func (d *Detector) cached(ctx context.Context, domain string) (Result, bool) {
	if d.cache == nil {
		return Result{}, false
	}
	raw, err := d.cache.Get(ctx, cacheKeyPrefix+domain).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			d.logger.Warn("mta cache read failed", zap.String("domain", domain), zap.Error(err))
		}
		return Result{}, false
	}
	var res Result
	if err := json.Unmarshal(raw, &res); err != nil {
		return Result{}, false
	}
	return res, true
}

func (d *Detector) store(ctx context.Context, domain string, res Result) {
	if d.cache == nil {
		return
	}
	raw, err := json.Marshal(res)
	if err != nil {
		return
	}
	if err := d.cache.Set(ctx, cacheKeyPrefix+domain, raw, d.ttl).Err(); err != nil {
		d.logger.Warn("mta cache write failed", zap.String("domain", domain), zap.Error(err))
	}
}

// domainOf returns the lower-cased domain of an address, or "".
func domainOf(address string) string {
	at := strings.LastIndexByte(address, '@')
	if at < 0 || at == len(address)-1 {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(address[at+1:]))
}
