package main

import (
	"github.com/matst80/httpssh/internal/config"
	"github.com/matst80/httpssh/internal/session"
	"github.com/matst80/httpssh/internal/web"
)

func newStatus(cfg *config.Gateway, reg *session.Registry) *web.Status {
	return web.NewStatus("gateway", cfg.InstanceID, func() map[string]any {
		st := reg.Stats()
		return map[string]any{
			"target":           reg.Target(),
			"sessions_active":  st.Active,
			"sessions_created": st.Created,
			"sessions_expired": st.Expired,
			"closing":          st.Closing,
			"state_backend":    backendName(cfg),
		}
	})
}

func backendName(cfg *config.Gateway) string {
	if cfg.RedisAddr != "" {
		return "redis"
	}
	return "memory"
}
