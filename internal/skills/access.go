package skills

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrPermission is returned by Execute when the caller's role does not meet
// a skill's configured permission, per spec §7.
var ErrPermission = errors.New("skills: insufficient permission")

// ErrRateLimit is returned by Execute when the caller is still inside a
// skill's configured cooldown window for their role, per spec §7.
var ErrRateLimit = errors.New("skills: rate limit exceeded")

// Caller identifies who is invoking a skill, for permission and rate-limit
// checks. Resolved from the ambient reqctx scope by whoever wires Registry
// (see RoleResolver), keeping this package free of a reqctx import.
type Caller struct {
	ID   string
	Role Permission
}

// RoleResolver resolves the calling identity from ctx. A Registry with no
// resolver set treats every caller as a public, rate-limit-exempt user — the
// conservative default is to skip enforcement rather than guess a role.
type RoleResolver func(ctx context.Context) Caller

// cooldowns tracks, per (skill, caller) pair, the timestamp of that caller's
// last permitted invocation — the original bot's RateLimiter kept one
// {user_id: last_call_time} map per command; this generalizes that to one
// shared map keyed by "kind:name:callerID" rather than one dict per
// command, since skills are discovered at runtime instead of hardcoded.
type cooldowns struct {
	mu   sync.Mutex
	last map[string]time.Time
}

func newCooldowns() *cooldowns {
	return &cooldowns{last: make(map[string]time.Time)}
}

// check reports ErrRateLimit if callerID invoked key less than limitSeconds
// ago, and otherwise records this call's timestamp so the next check
// measures from now. limitSeconds <= 0 means no cooldown.
func (c *cooldowns) check(ctx context.Context, key string, limitSeconds int, callerID string) error {
	if limitSeconds <= 0 {
		return nil
	}

	cooldown := time.Duration(limitSeconds) * time.Second
	lastKey := key + ":" + callerID

	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if last, ok := c.last[lastKey]; ok && now.Sub(last) < cooldown {
		return ErrRateLimit
	}
	c.last[lastKey] = now
	return nil
}
