package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/callsig/internal/core"
	"github.com/dkeye/callsig/internal/domain"
)

type blocksHandler struct {
	blocks core.Blocker
}

func (h *blocksHandler) target(c *gin.Context) (domain.UserID, bool) {
	target, err := domain.ParseUserID(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return "", false
	}
	if target == identity(c) {
		writeError(c, domain.ErrSelfCall)
		return "", false
	}
	return target, true
}

func (h *blocksHandler) block(c *gin.Context) {
	target, ok := h.target(c)
	if !ok {
		return
	}
	if err := h.blocks.Block(c.Request.Context(), identity(c), target); err != nil {
		writeError(c, err)
		return
	}
	log.Info().Str("module", "adapters.http").Str("user", string(identity(c))).Str("blocked", string(target)).Msg("user blocked")
	c.JSON(http.StatusOK, gin.H{"user_id": target, "blocked": true})
}

func (h *blocksHandler) unblock(c *gin.Context) {
	target, ok := h.target(c)
	if !ok {
		return
	}
	if err := h.blocks.Unblock(c.Request.Context(), identity(c), target); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": target, "blocked": false})
}
