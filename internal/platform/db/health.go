package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// PoolStats represents database connection pool statistics.
type PoolStats struct {
	TotalConns      int32  `json:"total_conns"`
	IdleConns       int32  `json:"idle_conns"`
	AcquiredConns   int32  `json:"acquired_conns"`
	MaxConns        int32  `json:"max_conns"`
	AcquireCount    int64  `json:"acquire_count"`
	AcquireDuration string `json:"acquire_duration"`
	Healthy         bool   `json:"healthy"`
}

// GetPoolStats returns connection pool statistics.
func GetPoolStats(pool *pgxpool.Pool) *PoolStats {
	stat := pool.Stat()
	return &PoolStats{
		TotalConns:      stat.TotalConns(),
		IdleConns:       stat.IdleConns(),
		AcquiredConns:   stat.AcquiredConns(),
		MaxConns:        stat.MaxConns(),
		AcquireCount:    stat.AcquireCount(),
		AcquireDuration: stat.AcquireDuration().String(),
		Healthy:         stat.TotalConns() > 0,
	}
}

// Check probes one dependency (the generation lock store, for example).
type Check func(ctx context.Context) error

// HealthHandler pings the database and every extra check. Any failure turns
// the response into 503 and names the failing dependency.
func HealthHandler(pool *pgxpool.Pool, checks map[string]Check) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		stats := GetPoolStats(pool)
		deps := map[string]string{}
		healthy := true

		if err := pool.Ping(ctx); err != nil {
			stats.Healthy = false
			healthy = false
			deps["database"] = err.Error()
		} else {
			deps["database"] = "ok"
		}
		for name, check := range checks {
			if err := check(ctx); err != nil {
				healthy = false
				deps[name] = err.Error()
				continue
			}
			deps[name] = "ok"
		}

		return c.JSON(healthStatus(healthy), map[string]interface{}{
			"status":       healthLabel(healthy),
			"dependencies": deps,
			"pool":         stats,
		})
	}
}

func healthStatus(healthy bool) int {
	if healthy {
		return http.StatusOK
	}
	return http.StatusServiceUnavailable
}

func healthLabel(healthy bool) string {
	if healthy {
		return "healthy"
	}
	return "unhealthy"
}
