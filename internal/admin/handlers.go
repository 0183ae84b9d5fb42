package admin

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"perp-trading-bot/internal/database"
	"perp-trading-bot/internal/orders"
)

func (s *Server) handleHealth(c *gin.Context) {
	if err := s.store.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "database": "down"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type serviceView struct {
	ServiceName   string          `json:"service_name"`
	InstanceID    string          `json:"instance_id"`
	LastHeartbeat string          `json:"last_heartbeat"`
	Status        json.RawMessage `json:"status"`
}

func (s *Server) handleStatus(c *gin.Context) {
	ctx := c.Request.Context()

	halt, err := s.store.GetFlag(ctx, database.KeyHaltTrading)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "flag read failed"})
		return
	}
	emergency, err := s.store.GetFlag(ctx, database.KeyEmergencyExit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "flag read failed"})
		return
	}

	services, err := s.store.ListServiceStatus(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "service status read failed"})
		return
	}
	views := make([]serviceView, 0, len(services))
	for _, svc := range services {
		status := svc.StatusJSON
		if len(status) == 0 {
			status = []byte("{}")
		}
		views = append(views, serviceView{
			ServiceName:   svc.ServiceName,
			InstanceID:    svc.InstanceID,
			LastHeartbeat: svc.LastHeartbeat.UTC().Format("2006-01-02T15:04:05Z07:00"),
			Status:        status,
		})
	}

	positions, err := s.store.OpenPositions(ctx, s.venue)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "position read failed"})
		return
	}
	posViews := make([]gin.H, 0, len(positions))
	for symbol, pos := range positions {
		posViews = append(posViews, gin.H{
			"symbol":    symbol,
			"qty":       pos.Qty.String(),
			"avg_entry": pos.AvgEntryPrice.String(),
			"leverage":  pos.Leverage,
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"halt_trading":   halt,
		"emergency_exit": emergency,
		"services":       views,
		"open_positions": posViews,
	})
}

func (s *Server) handleListConfig(c *gin.Context) {
	values, err := s.store.ListConfig(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "config read failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"config": values})
}

type actionRequest struct {
	Actor  string `json:"actor"`
	Reason string `json:"reason"`
}

// auditActor lets callers identify themselves in the audit trail, falling
// back to the service name.
func auditActor(actor string) string {
	if actor == "" {
		return "admin-api"
	}
	return actor
}

func (s *Server) handleHalt(c *gin.Context) {
	s.setFlag(c, database.KeyHaltTrading, "true", database.ReasonAdminHalt, "Trading halted")
}

func (s *Server) handleResume(c *gin.Context) {
	s.setFlag(c, database.KeyHaltTrading, "false", database.ReasonAdminResume, "Trading resumed")
}

func (s *Server) handleEmergencyExit(c *gin.Context) {
	s.setFlag(c, database.KeyEmergencyExit, "true", database.ReasonEmergencyExit, "Emergency exit requested")
}

// setFlag performs one audited flag write and notifies the operators.
func (s *Server) setFlag(c *gin.Context, key, value, reasonCode, notice string) {
	var req actionRequest
	_ = c.ShouldBindJSON(&req) // body is optional

	traceID := orders.NewTraceID("admin")
	err := s.store.SetConfigValue(c.Request.Context(), database.ConfigAuditEntry{
		Actor:      auditActor(req.Actor),
		Action:     "UPDATE",
		Key:        key,
		NewValue:   value,
		TraceID:    traceID,
		ReasonCode: reasonCode,
		Reason:     req.Reason,
	})
	if err != nil {
		s.log.Error().Err(err).Str("key", key).Msg("flag write failed")
		c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "trace_id": traceID})
		return
	}

	s.log.Info().Str("key", key).Str("value", value).Str("trace_id", traceID).Msg("flag updated")
	s.notifier.Send(c.Request.Context(), notice, "reason: "+req.Reason)
	c.JSON(http.StatusOK, gin.H{"ok": true, "trace_id": traceID})
}

type updateConfigRequest struct {
	Key    string `json:"key" binding:"required"`
	Value  string `json:"value" binding:"required"`
	Actor  string `json:"actor"`
	Reason string `json:"reason"`
}

func (s *Server) handleUpdateConfig(c *gin.Context) {
	var req updateConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "key and value are required"})
		return
	}

	traceID := orders.NewTraceID("admin")
	err := s.store.SetConfigValue(c.Request.Context(), database.ConfigAuditEntry{
		Actor:      auditActor(req.Actor),
		Action:     "UPDATE",
		Key:        req.Key,
		NewValue:   req.Value,
		TraceID:    traceID,
		ReasonCode: database.ReasonAdminUpdate,
		Reason:     req.Reason,
	})
	if err != nil {
		s.log.Error().Err(err).Str("key", req.Key).Msg("config write failed")
		c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "trace_id": traceID})
		return
	}

	s.log.Info().Str("key", req.Key).Str("trace_id", traceID).Msg("config updated")
	c.JSON(http.StatusOK, gin.H{"ok": true, "trace_id": traceID})
}
