package silas

import (
	"sort"
	"sync"
	"time"
)

// AccessLevelName identifies one rung of the access ladder.
type AccessLevelName string

const (
	AccessAnonymous     AccessLevelName = "anonymous"
	AccessAuthenticated AccessLevelName = "authenticated"
	AccessTrusted       AccessLevelName = "trusted"
	AccessOwner         AccessLevelName = "owner"
)

// accessRank orders the ladder; a connection's level only moves up.
var accessRank = map[AccessLevelName]int{
	AccessAnonymous:     0,
	AccessAuthenticated: 1,
	AccessTrusted:       2,
	AccessOwner:         3,
}

// AccessLevel configures one rung: the gates a connection must pass to
// reach it, the tools it unlocks ("*" means all), and an optional expiry
// after which the grant lapses back to the default.
type AccessLevel struct {
	Name         AccessLevelName `json:"name"`
	Requires     []string        `json:"requires,omitempty"`
	Tools        []string        `json:"tools,omitempty"`
	ExpiresAfter int             `json:"expires_after,omitempty"` // seconds, 0 = never
}

// connAccess is the per-connection ladder state.
type connAccess struct {
	level     AccessLevelName
	verified  map[string]bool
	grantedAt time.Time
}

// AccessState is a diagnostic snapshot of one connection's access.
type AccessState struct {
	Connection string          `json:"connection"`
	Level      AccessLevelName `json:"level"`
	Verified   []string        `json:"verified"`
	GrantedAt  int64           `json:"granted_at,omitempty"`
}

// AccessController tracks per-connection access levels. Levels only ever
// increase through GatePassed; the owner connection id and owner-tainted
// traffic short-circuit to owner. Safe for concurrent use.
type AccessController struct {
	mu      sync.Mutex
	ownerID string
	levels  map[AccessLevelName]AccessLevel
	conns   map[string]*connAccess
	now     func() time.Time
}

// NewAccessController creates a controller. The owner connection id may
// be empty, in which case only owner taint grants owner level.
func NewAccessController(ownerID string, levels []AccessLevel) *AccessController {
	c := &AccessController{
		ownerID: ownerID,
		levels:  make(map[AccessLevelName]AccessLevel, len(levels)),
		conns:   make(map[string]*connAccess),
		now:     time.Now,
	}
	for _, l := range levels {
		c.levels[l.Name] = l
	}
	return c
}

func (c *AccessController) state(conn string) *connAccess {
	s, ok := c.conns[conn]
	if !ok {
		s = &connAccess{level: AccessAnonymous, verified: make(map[string]bool)}
		c.conns[conn] = s
	}
	return s
}

// GatePassed records a passed verification gate and recomputes the
// connection's level: the highest rung whose required gates are all
// verified. The level never decreases from this call.
func (c *AccessController) GatePassed(conn, gateName string, taint Taint) AccessLevelName {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.state(conn)
	if conn == c.ownerID && c.ownerID != "" || taint == TaintOwner {
		if accessRank[s.level] < accessRank[AccessOwner] {
			s.level = AccessOwner
			s.grantedAt = c.now()
		}
		return s.level
	}

	s.verified[gateName] = true
	best := s.level
	for name, l := range c.levels {
		if accessRank[name] <= accessRank[best] {
			continue
		}
		if c.requirementsMet(l, s.verified) {
			best = name
		}
	}
	if accessRank[best] > accessRank[s.level] {
		s.level = best
	}
	if s.level != AccessAnonymous {
		s.grantedAt = c.now()
	}
	return s.level
}

func (c *AccessController) requirementsMet(l AccessLevel, verified map[string]bool) bool {
	for _, g := range l.Requires {
		if !verified[g] {
			return false
		}
	}
	return true
}

// effectiveLevel applies the expiry downgrade. Elevated levels with a
// configured expires_after lapse to anonymous once the grant ages out;
// the verified set survives, so re-passing any gate restores the level.
func (c *AccessController) effectiveLevel(s *connAccess) AccessLevelName {
	if s.level == AccessAnonymous {
		return s.level
	}
	cfg, ok := c.levels[s.level]
	if !ok || cfg.ExpiresAfter <= 0 {
		return s.level
	}
	if c.now().Sub(s.grantedAt) > time.Duration(cfg.ExpiresAfter)*time.Second {
		return AccessAnonymous
	}
	return s.level
}

// GetAccessLevel returns the connection's current effective level.
func (c *AccessController) GetAccessLevel(conn string) AccessLevelName {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.effectiveLevel(c.state(conn))
}

// GetAllowedTools returns the tool names the connection's level unlocks.
func (c *AccessController) GetAllowedTools(conn string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	level := c.effectiveLevel(c.state(conn))
	cfg, ok := c.levels[level]
	if !ok {
		return nil
	}
	return append([]string(nil), cfg.Tools...)
}

// FilterTools intersects the available toolset with the connection's
// allowance. The owner wildcard "*" bypasses filtering entirely.
func (c *AccessController) FilterTools(conn string, tools []ToolSpec) []ToolSpec {
	return FilterToolSpecs(tools, c.GetAllowedTools(conn))
}

// StateSnapshot reports one connection's access state for diagnostics.
func (c *AccessController) StateSnapshot(conn string) AccessState {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.state(conn)
	verified := make([]string, 0, len(s.verified))
	for g := range s.verified {
		verified = append(verified, g)
	}
	sort.Strings(verified)
	st := AccessState{Connection: conn, Level: c.effectiveLevel(s), Verified: verified}
	if !s.grantedAt.IsZero() {
		st.GrantedAt = s.grantedAt.Unix()
	}
	return st
}
