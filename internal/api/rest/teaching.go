package rest

import (
	"errors"
	"net/http"

	"github.com/KevinKickass/PendantCore/internal/auth"
	"github.com/KevinKickass/PendantCore/internal/teaching"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// GET /api/v1/teaching/providers
func (s *Server) listTeachingProviders(c *gin.Context) {
	active := s.lm.Config().Recipe.TeachingProvider
	_, available := s.lm.TeachingProvider()
	c.JSON(http.StatusOK, gin.H{
		"providers":        s.lm.Teaching().Names(),
		"active":           active,
		"active_available": available,
	})
}

func (s *Server) teachingProvider(c *gin.Context) (teaching.Provider, bool) {
	p, ok := s.lm.TeachingProvider()
	if !ok {
		abortWithError(c, http.StatusServiceUnavailable, "TEACHING_503", "teaching provider not available", nil)
		return nil, false
	}
	return p, true
}

// GET /api/v1/teaching/groups
func (s *Server) listTeachingGroups(c *gin.Context) {
	p, ok := s.teachingProvider(c)
	if !ok {
		return
	}

	groups, err := p.AvailableGroups(c.Request.Context())
	if err != nil {
		s.logger.Error("Failed to list teaching groups", zap.Error(err))
		abortWithError(c, http.StatusInternalServerError, "TEACHING_500", "failed to list groups", nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"groups": groups, "count": len(groups)})
}

// GET /api/v1/teaching/groups/:group/locations
func (s *Server) listTeachingLocations(c *gin.Context) {
	p, ok := s.teachingProvider(c)
	if !ok {
		return
	}

	group := c.Param("group")
	locations, err := p.AvailableLocations(c.Request.Context(), group)
	if err != nil {
		if errors.Is(err, teaching.ErrUnknownGroup) {
			abortWithError(c, http.StatusNotFound, "TEACHING_404", "unknown teaching group", group)
			return
		}
		s.logger.Error("Failed to list teaching locations", zap.String("group", group), zap.Error(err))
		abortWithError(c, http.StatusInternalServerError, "TEACHING_500", "failed to list locations", nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"group": group, "locations": locations, "count": len(locations)})
}

// GET /api/v1/teaching/positions/:group/:location
// Resolution goes through the Hub, so a missing entry yields the safe
// default with resolved=false instead of an error.
func (s *Server) getTeachingPosition(c *gin.Context) {
	group, location := c.Param("group"), c.Param("location")
	pos, resolved := s.lm.RecipeHub().ResolvePosition(c.Request.Context(), group, location)
	c.JSON(http.StatusOK, gin.H{
		"group":    group,
		"location": location,
		"position": pos,
		"resolved": resolved,
	})
}

// PUT /api/v1/teaching/positions/:group/:location
func (s *Server) updateTeachingPosition(c *gin.Context) {
	p, ok := s.teachingProvider(c)
	if !ok {
		return
	}

	var pos teaching.Position
	if err := c.ShouldBindJSON(&pos); err != nil {
		abortWithError(c, http.StatusBadRequest, "TEACHING_400", "invalid position", err.Error())
		return
	}

	group, location := c.Param("group"), c.Param("location")
	if err := p.UpdatePosition(c.Request.Context(), group, location, pos); err != nil {
		if errors.Is(err, teaching.ErrEmptyKey) {
			abortWithError(c, http.StatusBadRequest, "TEACHING_400", err.Error(), nil)
			return
		}
		s.logger.Error("Failed to update teaching position",
			zap.String("group", group),
			zap.String("location", location),
			zap.Error(err))
		abortWithError(c, http.StatusInternalServerError, "TEACHING_500", "failed to update position", nil)
		return
	}

	s.logger.Info("Teaching position updated",
		zap.String("group", group),
		zap.String("location", location),
		zap.Float64("r", pos.R),
		zap.Float64("theta", pos.Theta),
		zap.Float64("z", pos.Z),
		zap.String("by", auth.Username(c)))

	c.JSON(http.StatusOK, gin.H{"group": group, "location": location, "position": pos})
}
