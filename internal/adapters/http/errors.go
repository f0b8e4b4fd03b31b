package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/callsig/internal/domain"
)

func statusFor(code string) int {
	switch code {
	case "call_not_found":
		return http.StatusNotFound
	case "invalid_transition", "peer_busy", "call_full", "unreachable_peer":
		return http.StatusConflict
	case "not_a_participant", "blocked":
		return http.StatusForbidden
	case "malformed_envelope":
		return http.StatusBadRequest
	case "rate_limited":
		return http.StatusTooManyRequests
	}
	return http.StatusInternalServerError
}

func writeError(c *gin.Context, err error) {
	code := domain.ErrorCode(err)
	status := statusFor(code)
	ev := log.Info()
	if status == http.StatusInternalServerError {
		ev = log.Error()
	} else if status == http.StatusForbidden {
		ev = log.Warn()
	}
	ev.Err(err).Str("module", "adapters.http").Str("user", string(identity(c))).Str("path", c.FullPath()).Msg("request failed")
	c.AbortWithStatusJSON(status, gin.H{"code": code, "error": err.Error()})
}
