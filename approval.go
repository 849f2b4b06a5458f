package silas

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
)

// ApprovalScope bounds what an approval token authorizes.
type ApprovalScope string

const (
	// ApprovalSingle authorizes exactly the approved work item.
	ApprovalSingle ApprovalScope = "single"
	// ApprovalStanding additionally covers tasks the approved item spawns.
	ApprovalStanding ApprovalScope = "standing"
)

// approvalEnvelope is the signed payload of an approval token.
type approvalEnvelope struct {
	ItemDigest string        `json:"item_digest"`
	Decision   string        `json:"decision"`
	Scope      ApprovalScope `json:"scope"`
	ExpiresAt  int64         `json:"expires_at"`
	Nonce      string        `json:"nonce"`
}

// NonceStore guards approval tokens against replay. Consume must be
// atomic: the first caller wins, every later call for the same nonce
// reports false. Seen peeks without consuming.
type NonceStore interface {
	Consume(nonce string) bool
	Seen(nonce string) bool
}

// memNonceStore is the in-process NonceStore.
type memNonceStore struct {
	mu   sync.Mutex
	used map[string]bool
}

// NewMemNonceStore creates an in-memory single-use nonce store.
func NewMemNonceStore() NonceStore {
	return &memNonceStore{used: make(map[string]bool)}
}

func (s *memNonceStore) Consume(nonce string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.used[nonce] {
		return false
	}
	s.used[nonce] = true
	return true
}

func (s *memNonceStore) Seen(nonce string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.used[nonce]
}

const defaultApprovalTTL = 15 * time.Minute

// ApprovalManager issues and verifies HMAC-SHA256 approval tokens bound
// to a work item's digest. Check is side-effect free; Verify consumes
// the token's nonce, so a token authorizes at most one execution.
type ApprovalManager struct {
	key    []byte
	ttl    time.Duration
	nonces NonceStore
	now    func() time.Time
}

// ApprovalOption configures an ApprovalManager.
type ApprovalOption func(*ApprovalManager)

// WithApprovalTTL sets token lifetime. Default: 15 minutes.
func WithApprovalTTL(d time.Duration) ApprovalOption {
	return func(m *ApprovalManager) { m.ttl = d }
}

// WithNonceStore replaces the in-memory nonce store.
func WithNonceStore(s NonceStore) ApprovalOption {
	return func(m *ApprovalManager) { m.nonces = s }
}

// NewApprovalManager creates a manager keyed from the signing
// passphrase. An empty passphrase is a configuration error.
func NewApprovalManager(passphrase string, opts ...ApprovalOption) (*ApprovalManager, error) {
	if passphrase == "" {
		return nil, &ErrInvalidConfig{Component: "approval", Reason: "signing passphrase is empty"}
	}
	key := sha256.Sum256([]byte(passphrase))
	m := &ApprovalManager{
		key:    key[:],
		ttl:    defaultApprovalTTL,
		nonces: NewMemNonceStore(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// compile-time check
var _ ApprovalChecker = (*ApprovalManager)(nil)

// itemDigest binds a token to the fields that define what would execute.
func itemDigest(item WorkItem) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s\x00%s", item.ID, item.Title, item.Executor, item.Body)
	if len(item.Args) > 0 {
		raw, _ := json.Marshal(item.Args)
		h.Write(raw)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func (m *ApprovalManager) sign(payload []byte) string {
	mac := hmac.New(sha256.New, m.key)
	mac.Write(payload)
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// IssueToken creates a signed single-use token for the item.
func (m *ApprovalManager) IssueToken(item WorkItem, decision string, scope ApprovalScope) (string, error) {
	if scope == "" {
		scope = ApprovalSingle
	}
	env := approvalEnvelope{
		ItemDigest: itemDigest(item),
		Decision:   decision,
		Scope:      scope,
		ExpiresAt:  m.now().Add(m.ttl).Unix(),
		Nonce:      NewID(),
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return "", &ErrSystemFault{Reason: "encode approval token", Err: err}
	}
	return base64.RawURLEncoding.EncodeToString(payload) + "." + m.sign(payload), nil
}

// decode validates the token's shape and signature and returns its
// envelope.
func (m *ApprovalManager) decode(token string) (approvalEnvelope, error) {
	var env approvalEnvelope
	body, sig, ok := strings.Cut(token, ".")
	if !ok {
		return env, fmt.Errorf("malformed token")
	}
	payload, err := base64.RawURLEncoding.DecodeString(body)
	if err != nil {
		return env, fmt.Errorf("malformed token")
	}
	expect := m.sign(payload)
	if !hmac.Equal([]byte(expect), []byte(sig)) {
		return env, fmt.Errorf("invalid signature")
	}
	if err := json.Unmarshal(payload, &env); err != nil {
		return env, fmt.Errorf("malformed token")
	}
	return env, nil
}

// validate runs every predicate that does not consume state.
func (m *ApprovalManager) validate(token string, item WorkItem) (approvalEnvelope, string) {
	if token == "" {
		return approvalEnvelope{}, "missing approval token"
	}
	env, err := m.decode(token)
	if err != nil {
		return env, err.Error()
	}
	if env.ItemDigest != itemDigest(item) {
		return env, "token is bound to a different work item"
	}
	if m.now().Unix() > env.ExpiresAt {
		return env, "token expired"
	}
	if env.Decision != "approve" {
		return env, "decision is not approve"
	}
	if m.nonces.Seen(env.Nonce) {
		return env, "token already consumed"
	}
	return env, ""
}

// Check reports whether the token would authorize the item. It never
// consumes the nonce.
func (m *ApprovalManager) Check(token string, item WorkItem) (bool, string) {
	if _, reason := m.validate(token, item); reason != "" {
		return false, reason
	}
	return true, ""
}

// Verify authorizes one execution: all Check predicates, the standing
// scope requirement for spawned tasks, and atomic nonce consumption.
func (m *ApprovalManager) Verify(token string, item WorkItem, spawned bool) (bool, string) {
	env, reason := m.validate(token, item)
	if reason != "" {
		return false, reason
	}
	if spawned && env.Scope != ApprovalStanding {
		return false, "token does not cover spawned tasks"
	}
	if !m.nonces.Consume(env.Nonce) {
		return false, "token already consumed"
	}
	return true, ""
}
