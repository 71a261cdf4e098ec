package health

import (
	"context"
	"database/sql"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mbd888/safegate/internal/failsafe"
)

const pingTimeout = 2 * time.Second

// Postgres reports whether db answers a ping.
func Postgres(db *sql.DB) Checker {
	return func(ctx context.Context) Status {
		ctx, cancel := context.WithTimeout(ctx, pingTimeout)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			return Status{Healthy: false, Detail: err.Error()}
		}
		return Status{Healthy: true}
	}
}

// Redis reports whether client answers a PING.
func Redis(client redis.UniversalClient) Checker {
	return func(ctx context.Context) Status {
		ctx, cancel := context.WithTimeout(ctx, pingTimeout)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			return Status{Healthy: false, Detail: err.Error()}
		}
		return Status{Healthy: true}
	}
}

// Failsafe reports the pipeline mode. Only emergency is unhealthy; degraded
// still serves verdicts.
func Failsafe(snapshot func() failsafe.Snapshot) Checker {
	return func(_ context.Context) Status {
		s := snapshot()
		return Status{
			Healthy: s.Mode != failsafe.ModeEmergency.String(),
			Detail:  s.Mode,
		}
	}
}
