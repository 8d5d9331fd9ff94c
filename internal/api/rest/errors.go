package rest

import (
	"errors"
	"net/http"

	"github.com/KevinKickass/PendantCore/internal/recipe"
	"github.com/KevinKickass/PendantCore/internal/safety"
	"github.com/KevinKickass/PendantCore/internal/types"
	"github.com/gin-gonic/gin"
)

func abortWithError(c *gin.Context, status int, code, message string, details any) {
	c.AbortWithStatusJSON(status, types.NewErrorResponse(code, message, details))
}

// recipeErrorStatus maps a Hub error code onto an HTTP status.
func recipeErrorStatus(code recipe.Code) int {
	switch code {
	case recipe.CodeMissingRecipe, recipe.CodeInvalidDocument:
		return http.StatusBadRequest
	case recipe.CodeEmptySteps:
		return http.StatusUnprocessableEntity
	case recipe.CodeInvalidState, recipe.CodeNoRecipe, recipe.CodeLoadCancelled,
		recipe.CodeSafetyDenied, recipe.CodeSafetyAbort:
		return http.StatusConflict
	case recipe.CodeHardwareDisconnected, recipe.CodeHubClosed:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) respondRecipeError(c *gin.Context, err error) {
	var re *recipe.Error
	if !errors.As(err, &re) {
		abortWithError(c, http.StatusInternalServerError, "INTERNAL", err.Error(), nil)
		return
	}

	var details any
	if re.Code == recipe.CodeEmptySteps {
		details = s.lm.RecipeHub().LastValidation()
	} else if re.Cause != nil {
		details = re.Cause.Error()
	}
	abortWithError(c, recipeErrorStatus(re.Code), string(re.Code), re.Message, details)
}

func respondSafetyError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, safety.ErrEmptyName), errors.Is(err, safety.ErrInvalidStatus):
		abortWithError(c, http.StatusBadRequest, "SAFETY_400", err.Error(), nil)
	case errors.Is(err, safety.ErrUnknownDevice):
		abortWithError(c, http.StatusNotFound, "SAFETY_404", err.Error(), nil)
	case errors.Is(err, safety.ErrConditionsNotSafe):
		abortWithError(c, http.StatusConflict, "SAFETY_409", err.Error(), nil)
	default:
		abortWithError(c, http.StatusInternalServerError, "SAFETY_500", err.Error(), nil)
	}
}
