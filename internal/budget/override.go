package budget

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Override is an administrative, time-boxed increase to one level's limit.
type Override struct {
	Principal string
	Level     Level
	Scope     Scope
	AmountCents int64
	Reason    string
	Approver  string
	ExpiresAt time.Time
}

// AuditSink records an override for the append-only audit trail.
type AuditSink interface {
	EmitOverride(ctx context.Context, o Override)
}

// ApplyOverride credits amount directly to the level's remaining balance and
// records the override via audit. It is time-boxed only in the sense that
// the audit entry carries ExpiresAt; ExpiresAt is not enforced, and the
// credited amount stays in the balance, indistinguishable from organic
// headroom, until the level's window rolls over and resets it.
func (e *Enforcer) ApplyOverride(ctx context.Context, o Override, audit AuditSink) error {
	key := o.Scope.key(o.Level)
	limit := e.limits.limitFor(o.Level)

	if err := creditScript.Run(ctx, e.rdb, []string{key}, o.AmountCents, limit+o.AmountCents).Err(); err != nil {
		return fmt.Errorf("budget: apply override: %w", err)
	}
	if audit != nil {
		audit.EmitOverride(ctx, o)
	}
	return nil
}
