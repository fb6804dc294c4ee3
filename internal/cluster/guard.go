package cluster

import (
	"time"
)

// CrashLoopGuard allows at most one automatic crash restart per cooldown
// window. It is not safe for concurrent use; the supervisor loop owns it.
type CrashLoopGuard struct {
	cooldown time.Duration
	last     time.Time
}

func NewCrashLoopGuard(cooldown time.Duration) *CrashLoopGuard {
	return &CrashLoopGuard{cooldown: cooldown}
}

// ShouldRestart reports whether a restart at now is allowed. An allowed
// restart is recorded as the new reference point; a refused one is not.
func (g *CrashLoopGuard) ShouldRestart(now time.Time) bool {
	if !g.last.IsZero() && now.Sub(g.last) < g.cooldown {
		return false
	}
	g.last = now
	return true
}

// Last returns the time of the last allowed restart.
func (g *CrashLoopGuard) Last() time.Time { return g.last }
