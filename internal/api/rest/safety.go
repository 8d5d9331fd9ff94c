package rest

import (
	"net/http"
	"strconv"

	"github.com/KevinKickass/PendantCore/internal/auth"
	"github.com/KevinKickass/PendantCore/internal/safety"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// GET /api/v1/safety/status
func (s *Server) getSafetyStatus(c *gin.Context) {
	reg := s.lm.Safety()
	c.JSON(http.StatusOK, gin.H{
		"status":                reg.Status(),
		"safe_for_operation":    reg.IsSafeForRobotOperation(),
		"emergency_stop_active": reg.EmergencyStopActive(),
		"critical_devices":      reg.CriticalDevices(),
	})
}

// GET /api/v1/safety/interlocks
func (s *Server) listInterlocks(c *gin.Context) {
	devices := s.lm.Safety().Devices()
	c.JSON(http.StatusOK, gin.H{
		"interlocks": devices,
		"count":      len(devices),
	})
}

// GET /api/v1/safety/interlocks/:name
func (s *Server) getInterlock(c *gin.Context) {
	device, ok := s.lm.Safety().Device(c.Param("name"))
	if !ok {
		respondSafetyError(c, safety.ErrUnknownDevice)
		return
	}
	c.JSON(http.StatusOK, device)
}

// POST /api/v1/safety/interlocks
func (s *Server) registerInterlock(c *gin.Context) {
	var req struct {
		Name        string `json:"name" binding:"required"`
		Location    string `json:"location"`
		Description string `json:"description"`
		Critical    bool   `json:"critical"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, "SAFETY_400", "invalid request body", err.Error())
		return
	}

	reg := s.lm.Safety()
	if err := reg.RegisterDevice(req.Name, req.Location, req.Description); err != nil {
		respondSafetyError(c, err)
		return
	}
	if req.Critical {
		reg.SetCriticalDevices(append(reg.CriticalDevices(), req.Name))
	}

	s.logger.Info("Interlock registered via API",
		zap.String("name", req.Name),
		zap.String("by", auth.Username(c)))

	device, _ := reg.Device(req.Name)
	c.JSON(http.StatusCreated, device)
}

// DELETE /api/v1/safety/interlocks/:name
func (s *Server) unregisterInterlock(c *gin.Context) {
	name := c.Param("name")
	if !s.lm.Safety().UnregisterDevice(name) {
		respondSafetyError(c, safety.ErrUnknownDevice)
		return
	}

	s.logger.Info("Interlock removed via API",
		zap.String("name", name),
		zap.String("by", auth.Username(c)))

	c.JSON(http.StatusOK, gin.H{"message": "interlock removed", "name": name})
}

// PUT /api/v1/safety/interlocks/:name/status
func (s *Server) updateInterlockStatus(c *gin.Context) {
	var req struct {
		Status safety.InterlockStatus `json:"status" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, "SAFETY_400", "invalid request body", err.Error())
		return
	}

	name := c.Param("name")
	if err := s.lm.Safety().UpdateDeviceStatus(name, req.Status); err != nil {
		respondSafetyError(c, err)
		return
	}

	s.logger.Info("Interlock status overridden via API",
		zap.String("name", name),
		zap.String("status", string(req.Status)),
		zap.String("by", auth.Username(c)))

	device, _ := s.lm.Safety().Device(name)
	c.JSON(http.StatusOK, gin.H{
		"interlock": device,
		"status":    s.lm.Safety().Status(),
	})
}

// PUT /api/v1/safety/interlocks/:name/enabled
func (s *Server) setInterlockEnabled(c *gin.Context) {
	var req struct {
		Enabled *bool `json:"enabled" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, "SAFETY_400", "invalid request body", err.Error())
		return
	}

	name := c.Param("name")
	if err := s.lm.Safety().SetDeviceEnabled(name, *req.Enabled); err != nil {
		respondSafetyError(c, err)
		return
	}

	s.logger.Info("Interlock enable flag changed via API",
		zap.String("name", name),
		zap.Bool("enabled", *req.Enabled),
		zap.String("by", auth.Username(c)))

	device, _ := s.lm.Safety().Device(name)
	c.JSON(http.StatusOK, device)
}

// PUT /api/v1/safety/critical
func (s *Server) setCriticalDevices(c *gin.Context) {
	var req struct {
		Devices []string `json:"devices"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, "SAFETY_400", "invalid request body", err.Error())
		return
	}

	reg := s.lm.Safety()
	reg.SetCriticalDevices(req.Devices)

	s.logger.Info("Critical interlocks replaced via API",
		zap.Strings("devices", req.Devices),
		zap.String("by", auth.Username(c)))

	c.JSON(http.StatusOK, gin.H{
		"critical_devices": reg.CriticalDevices(),
		"status":           reg.Status(),
	})
}

// POST /api/v1/safety/emergency-stop
func (s *Server) triggerEmergencyStop(c *gin.Context) {
	var req struct {
		Reason string `json:"reason"`
	}
	// body is optional
	_ = c.ShouldBindJSON(&req)
	if req.Reason == "" {
		req.Reason = "manual emergency stop"
	}

	user := auth.Username(c)
	s.lm.Safety().TriggerEmergencyStop(req.Reason, "api:"+user)

	c.JSON(http.StatusOK, gin.H{
		"message": "emergency stop triggered",
		"status":  s.lm.Safety().Status(),
	})
}

// POST /api/v1/safety/emergency-stop/reset
func (s *Server) resetEmergencyStop(c *gin.Context) {
	user := auth.Username(c)
	if err := s.lm.Safety().ResetEmergencyStop(user); err != nil {
		respondSafetyError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "emergency stop reset",
		"status":  s.lm.Safety().Status(),
	})
}

// GET /api/v1/safety/events?limit=50
func (s *Server) listSafetyEvents(c *gin.Context) {
	log := s.lm.SafetyEventLog()
	if log == nil {
		abortWithError(c, http.StatusServiceUnavailable, "STORAGE_503", "safety event log requires database", nil)
		return
	}

	limit := 100
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			abortWithError(c, http.StatusBadRequest, "SAFETY_400", "limit must be a positive integer", v)
			return
		}
		limit = n
	}

	events, err := log.RecentSafetyEvents(c.Request.Context(), limit)
	if err != nil {
		s.logger.Error("Failed to read safety events", zap.Error(err))
		abortWithError(c, http.StatusInternalServerError, "STORAGE_500", "failed to read safety events", nil)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"events": events,
		"count":  len(events),
	})
}
