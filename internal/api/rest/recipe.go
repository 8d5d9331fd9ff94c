package rest

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/KevinKickass/PendantCore/internal/auth"
	"github.com/KevinKickass/PendantCore/internal/recipe"
	"github.com/KevinKickass/PendantCore/internal/storage"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const maxRecipeBody = 1 << 20

// bindRecipe decodes a JSON or YAML recipe document depending on the
// request Content-Type.
func bindRecipe(c *gin.Context) (*recipe.Recipe, bool) {
	data, err := io.ReadAll(io.LimitReader(c.Request.Body, maxRecipeBody))
	if err != nil {
		abortWithError(c, http.StatusBadRequest, string(recipe.CodeInvalidDocument), "failed to read request body", err.Error())
		return nil, false
	}
	if len(data) == 0 {
		abortWithError(c, http.StatusBadRequest, string(recipe.CodeMissingRecipe), "recipe is required", nil)
		return nil, false
	}

	var r *recipe.Recipe
	ct := c.ContentType()
	if strings.Contains(ct, "yaml") {
		r, err = recipe.ParseYAML(data)
	} else {
		r, err = recipe.ParseJSON(data)
	}
	if err != nil {
		var re *recipe.Error
		if errors.As(err, &re) {
			abortWithError(c, recipeErrorStatus(re.Code), string(re.Code), re.Message, errDetails(re.Cause))
		} else {
			abortWithError(c, http.StatusBadRequest, string(recipe.CodeInvalidDocument), "invalid recipe document", err.Error())
		}
		return nil, false
	}
	return r, true
}

func errDetails(err error) any {
	if err == nil {
		return nil
	}
	return err.Error()
}

// GET /api/v1/recipe/status
func (s *Server) getRecipeStatus(c *gin.Context) {
	hub := s.lm.RecipeHub()
	c.JSON(http.StatusOK, gin.H{
		"status":      hub.Snapshot(),
		"can_execute": hub.CanExecute(),
		"can_pause":   hub.CanPause(),
		"can_stop":    hub.CanStop(),
	})
}

// GET /api/v1/recipe/active
func (s *Server) getActiveRecipe(c *gin.Context) {
	hub := s.lm.RecipeHub()
	r, ok := hub.ActiveRecipe()
	if !ok {
		abortWithError(c, http.StatusNotFound, string(recipe.CodeNoRecipe), "no recipe loaded", nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"recipe":     r,
		"validation": hub.LastValidation(),
	})
}

// POST /api/v1/recipe/validate
// Dry run: checks the document without touching the Hub.
func (s *Server) validateRecipe(c *gin.Context) {
	r, ok := bindRecipe(c)
	if !ok {
		return
	}

	hub := s.lm.RecipeHub()
	report := recipe.Validate(c.Request.Context(), r, func(ctx context.Context, group, location string) bool {
		_, resolved := hub.ResolvePosition(ctx, group, location)
		return resolved
	})
	c.JSON(http.StatusOK, report)
}

// POST /api/v1/recipe/load
func (s *Server) loadRecipe(c *gin.Context) {
	r, ok := bindRecipe(c)
	if !ok {
		return
	}
	s.load(c, r)
}

// POST /api/v1/recipe/load/:id
func (s *Server) loadStoredRecipe(c *gin.Context) {
	store := s.lm.RecipeStore()
	if store == nil {
		abortWithError(c, http.StatusServiceUnavailable, "STORAGE_503", "recipe library requires database", nil)
		return
	}

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		abortWithError(c, http.StatusBadRequest, "RECIPE_400", "invalid recipe ID", c.Param("id"))
		return
	}

	r, err := store.LoadRecipe(c.Request.Context(), id)
	if err != nil {
		s.respondStorageError(c, err)
		return
	}
	s.load(c, r)
}

func (s *Server) load(c *gin.Context, r *recipe.Recipe) {
	hub := s.lm.RecipeHub()
	if err := hub.LoadRecipe(c.Request.Context(), r); err != nil {
		s.respondRecipeError(c, err)
		return
	}

	s.logger.Info("Recipe loaded via API",
		zap.String("recipe", r.Name),
		zap.String("by", auth.Username(c)))

	c.JSON(http.StatusOK, gin.H{
		"status":     hub.Snapshot(),
		"validation": hub.LastValidation(),
	})
}

// POST /api/v1/recipe/start
func (s *Server) startRecipe(c *gin.Context) {
	s.recipeCommand(c, "start", s.lm.RecipeHub().StartExecution)
}

// POST /api/v1/recipe/pause
func (s *Server) pauseRecipe(c *gin.Context) {
	s.recipeCommand(c, "pause", s.lm.RecipeHub().PauseExecution)
}

// POST /api/v1/recipe/resume
func (s *Server) resumeRecipe(c *gin.Context) {
	s.recipeCommand(c, "resume", s.lm.RecipeHub().ResumeExecution)
}

// POST /api/v1/recipe/stop
func (s *Server) stopRecipe(c *gin.Context) {
	s.recipeCommand(c, "stop", s.lm.RecipeHub().StopExecution)
}

func (s *Server) recipeCommand(c *gin.Context, name string, op func(context.Context) error) {
	if err := op(c.Request.Context()); err != nil {
		s.respondRecipeError(c, err)
		return
	}

	s.logger.Info("Recipe command executed",
		zap.String("command", name),
		zap.String("by", auth.Username(c)))

	c.JSON(http.StatusOK, gin.H{"status": s.lm.RecipeHub().Snapshot()})
}

// GET /api/v1/recipes
func (s *Server) listRecipes(c *gin.Context) {
	store := s.lm.RecipeStore()
	if store == nil {
		abortWithError(c, http.StatusServiceUnavailable, "STORAGE_503", "recipe library requires database", nil)
		return
	}

	records, err := store.ListRecipes(c.Request.Context())
	if err != nil {
		s.respondStorageError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"recipes": records,
		"count":   len(records),
	})
}

// GET /api/v1/recipes/:id
func (s *Server) getRecipe(c *gin.Context) {
	store := s.lm.RecipeStore()
	if store == nil {
		abortWithError(c, http.StatusServiceUnavailable, "STORAGE_503", "recipe library requires database", nil)
		return
	}

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		abortWithError(c, http.StatusBadRequest, "RECIPE_400", "invalid recipe ID", c.Param("id"))
		return
	}

	r, err := store.LoadRecipe(c.Request.Context(), id)
	if err != nil {
		s.respondStorageError(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

// POST /api/v1/recipes
func (s *Server) saveRecipe(c *gin.Context) {
	store := s.lm.RecipeStore()
	if store == nil {
		abortWithError(c, http.StatusServiceUnavailable, "STORAGE_503", "recipe library requires database", nil)
		return
	}

	r, ok := bindRecipe(c)
	if !ok {
		return
	}

	id, err := store.SaveRecipe(c.Request.Context(), r)
	if err != nil {
		s.respondStorageError(c, err)
		return
	}

	s.logger.Info("Recipe saved",
		zap.String("id", id.String()),
		zap.String("recipe", r.Name),
		zap.String("by", auth.Username(c)))

	c.JSON(http.StatusCreated, gin.H{"id": id, "name": r.Name})
}

// DELETE /api/v1/recipes/:id
func (s *Server) deleteRecipe(c *gin.Context) {
	store := s.lm.RecipeStore()
	if store == nil {
		abortWithError(c, http.StatusServiceUnavailable, "STORAGE_503", "recipe library requires database", nil)
		return
	}

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		abortWithError(c, http.StatusBadRequest, "RECIPE_400", "invalid recipe ID", c.Param("id"))
		return
	}

	if err := store.DeleteRecipe(c.Request.Context(), id); err != nil {
		s.respondStorageError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "recipe deleted", "id": id})
}

func (s *Server) respondStorageError(c *gin.Context, err error) {
	if errors.Is(err, storage.ErrRecipeNotFound) {
		abortWithError(c, http.StatusNotFound, "RECIPE_404", "recipe not found", nil)
		return
	}
	s.logger.Error("Recipe storage failed", zap.Error(err))
	abortWithError(c, http.StatusInternalServerError, "STORAGE_500", "recipe storage failed", nil)
}
