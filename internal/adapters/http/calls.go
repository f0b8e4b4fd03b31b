package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/dkeye/callsig/internal/app/orch"
	"github.com/dkeye/callsig/internal/domain"
)

// callView is a call snapshot as rendered over REST.
type callView struct {
	*domain.Call
	DurationSeconds float64 `json:"duration_seconds"`
	MissedCall      bool    `json:"missed"`
}

func viewOf(c *domain.Call) callView {
	return callView{Call: c, DurationSeconds: c.Duration().Seconds(), MissedCall: c.Missed()}
}

func viewsOf(calls []*domain.Call) []callView {
	out := make([]callView, 0, len(calls))
	for _, c := range calls {
		out = append(out, viewOf(c))
	}
	return out
}

type callsHandler struct {
	orch *orch.Orchestrator
}

type initiateRequest struct {
	CalleeID string `json:"callee_id"`
	Kind     string `json:"kind"`
}

func (h *callsHandler) initiate(c *gin.Context) {
	var req initiateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, fmt.Errorf("%w: %v", domain.ErrMalformedEnvelope, err))
		return
	}
	callee, err := domain.ParseUserID(req.CalleeID)
	if err != nil {
		writeError(c, err)
		return
	}
	kind, err := domain.ParseCallKind(req.Kind)
	if err != nil {
		writeError(c, err)
		return
	}
	call, err := h.orch.Initiate(c.Request.Context(), identity(c), callee, kind)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, viewOf(call))
}

type transition func(ctx context.Context, id domain.CallID, user domain.UserID) (*domain.Call, error)

// action adapts one state machine operation to a POST /calls/:id/<op> handler.
func (h *callsHandler) action(op transition) gin.HandlerFunc {
	return func(c *gin.Context) {
		call, err := op(c.Request.Context(), domain.CallID(c.Param("id")), identity(c))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, viewOf(call))
	}
}

type signalRequest struct {
	ReceiverID string          `json:"receiver_id"`
	Signal     json.RawMessage `json:"signal"`
}

func (h *callsHandler) signal(c *gin.Context) {
	var req signalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, fmt.Errorf("%w: %v", domain.ErrMalformedEnvelope, err))
		return
	}
	receiver, err := domain.ParseUserID(req.ReceiverID)
	if err != nil {
		writeError(c, err)
		return
	}
	if len(req.Signal) == 0 || string(req.Signal) == "null" {
		writeError(c, fmt.Errorf("%w: signal required", domain.ErrMalformedEnvelope))
		return
	}
	if err := h.orch.Relay(domain.CallID(c.Param("id")), identity(c), receiver, req.Signal); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "relayed"})
}

func (h *callsHandler) get(c *gin.Context) {
	call, err := h.orch.GetCall(c.Request.Context(), domain.CallID(c.Param("id")), identity(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, viewOf(call))
}

func (h *callsHandler) participants(c *gin.Context) {
	parts, err := h.orch.Participants(c.Request.Context(), domain.CallID(c.Param("id")), identity(c))
	if err != nil {
		writeError(c, err)
		return
	}
	if parts == nil {
		parts = []domain.Participant{}
	}
	c.JSON(http.StatusOK, gin.H{"participants": parts})
}

func pageParams(c *gin.Context) (int, int) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	offset, _ := strconv.Atoi(c.Query("offset"))
	return limit, offset
}

func (h *callsHandler) history(c *gin.Context) {
	limit, offset := pageParams(c)
	calls, err := h.orch.History(c.Request.Context(), identity(c), limit, offset)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"calls": viewsOf(calls)})
}

func (h *callsHandler) missed(c *gin.Context) {
	limit, offset := pageParams(c)
	calls, err := h.orch.Missed(c.Request.Context(), identity(c), limit, offset)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"calls": viewsOf(calls)})
}

func (h *callsHandler) presence(c *gin.Context) {
	user, err := domain.ParseUserID(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": user, "is_reachable": h.orch.IsReachable(user)})
}
