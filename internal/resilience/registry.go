package resilience

import (
	"log/slog"
	"sync"
	"time"
)

// Breaker names, one per external dependency class.
const (
	BreakerSMSGateway       = "sms_gateway"
	BreakerCryptoPayments   = "crypto_payments"
	BreakerBlockchainNotary = "blockchain_notary"
	BreakerAIPricing        = "ai_pricing"
	BreakerEmail            = "email"
	BreakerSyncAPI          = "sync_api"
)

// Registry holds the long-lived breaker instances, one per dependency,
// constructed once at process start and passed by injection to call sites.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry builds the per-dependency breakers. Thresholds are tuned per
// dependency; this is configuration data, not behavior.
func NewRegistry(log *slog.Logger) *Registry {
	settings := map[string]BreakerSettings{
		BreakerSMSGateway:       {FailureThreshold: 5, SuccessThreshold: 2, ResetTimeout: 30 * time.Second},
		BreakerCryptoPayments:   {FailureThreshold: 3, SuccessThreshold: 2, ResetTimeout: 60 * time.Second},
		BreakerBlockchainNotary: {FailureThreshold: 3, SuccessThreshold: 1, ResetTimeout: 120 * time.Second},
		BreakerAIPricing:        {FailureThreshold: 5, SuccessThreshold: 2, ResetTimeout: 20 * time.Second},
		BreakerEmail:            {FailureThreshold: 10, SuccessThreshold: 3, ResetTimeout: 30 * time.Second},
		BreakerSyncAPI:          {FailureThreshold: 5, SuccessThreshold: 2, ResetTimeout: 15 * time.Second},
	}
	r := &Registry{breakers: make(map[string]*Breaker, len(settings))}
	for name, s := range settings {
		r.breakers[name] = NewBreaker(name, s, log)
	}
	return r
}

// Get returns the named breaker. Unknown names get a default-tuned breaker
// so a typo degrades to safe behavior instead of a nil deref.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b := NewBreaker(name, BreakerSettings{}, nil)
	r.breakers[name] = b
	return b
}
