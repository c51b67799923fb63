package syncer

import (
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/fieldledger/fieldsync/internal/queue"
)

// warnIfExpired inspects the snapshotted bearer token and logs when it
// has expired since capture. The replay is still attempted, since token
// validation is the server's call, and some deployments accept recently
// expired credentials for queued writes.
func warnIfExpired(logger *slog.Logger, req queue.Request) {
	auth := req.Headers["Authorization"]
	raw, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok || raw == "" {
		return
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return // opaque token, nothing to inspect
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return
	}
	if exp.Before(time.Now()) {
		logger.Warn("queued credential expired since capture",
			"id", req.ID, "url", req.URL, "expired_at", exp.Time.Format(time.RFC3339))
	}
}
