package safety

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"
)

// DefaultTokenTTL is how long a confirmation token stays valid.
const DefaultTokenTTL = 5 * time.Minute

// pendingConfirmation holds the metadata for an outstanding confirmation token.
type pendingConfirmation struct {
	tool         string
	resourceName string
	description  string
	createdAt    time.Time
}

// ConfirmationTracker manages single-use, time-limited confirmation tokens for
// destructive tool invocations. A token only confirms the tool it was issued
// for.
type ConfirmationTracker struct {
	destructive map[string]struct{}
	ttl         time.Duration
	now         func() time.Time

	mu     sync.Mutex
	tokens map[string]*pendingConfirmation
}

// NewConfirmationTracker returns a ConfirmationTracker whose set of tools
// requiring explicit confirmation is defined by destructiveTools. A nil or
// empty slice means no tools require confirmation.
func NewConfirmationTracker(destructiveTools []string) *ConfirmationTracker {
	ct := &ConfirmationTracker{
		destructive: make(map[string]struct{}, len(destructiveTools)),
		ttl:         DefaultTokenTTL,
		now:         time.Now,
		tokens:      make(map[string]*pendingConfirmation),
	}
	for _, tool := range destructiveTools {
		ct.destructive[tool] = struct{}{}
	}
	return ct
}

// SetClock replaces the time source used for token expiry.
func (ct *ConfirmationTracker) SetClock(now func() time.Time) {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	ct.now = now
}

// NeedsConfirmation reports whether tool is in the destructive-tools set.
func (ct *ConfirmationTracker) NeedsConfirmation(tool string) bool {
	_, ok := ct.destructive[tool]
	return ok
}

// sweepExpired removes all tokens whose age exceeds the TTL. The caller must
// hold ct.mu.
func (ct *ConfirmationTracker) sweepExpired(now time.Time) {
	for token, pending := range ct.tokens {
		if now.Sub(pending.createdAt) > ct.ttl {
			delete(ct.tokens, token)
		}
	}
}

// RequestConfirmation creates a new confirmation token for the given tool,
// resource, and description and returns the opaque token string. Tokens are
// single-use.
func (ct *ConfirmationTracker) RequestConfirmation(tool, resourceName, description string) string {
	token := generateToken()

	ct.mu.Lock()
	now := ct.now()
	ct.sweepExpired(now)
	ct.tokens[token] = &pendingConfirmation{
		tool:         tool,
		resourceName: resourceName,
		description:  description,
		createdAt:    now,
	}
	ct.mu.Unlock()

	return token
}

// Confirm consumes token and returns true if it was issued for tool and has
// not expired. A token presented for the wrong tool is consumed as well.
func (ct *ConfirmationTracker) Confirm(tool, token string) bool {
	if token == "" {
		return false
	}

	ct.mu.Lock()
	defer ct.mu.Unlock()

	pending, ok := ct.tokens[token]
	if !ok {
		return false
	}
	delete(ct.tokens, token)

	if pending.tool != tool {
		return false
	}
	return ct.now().Sub(pending.createdAt) <= ct.ttl
}

// Pending returns the number of outstanding tokens.
func (ct *ConfirmationTracker) Pending() int {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	return len(ct.tokens)
}

// generateToken returns a cryptographically random hex-encoded token string.
func generateToken() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand does not fail on supported platforms.
		return hex.EncodeToString([]byte(time.Now().String()))
	}
	return hex.EncodeToString(b[:])
}
