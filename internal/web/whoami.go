package web

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/tyemirov/booking-iam/internal/iamkit"
)

// HandleWhoAmI returns the authenticated user's account as currently stored.
// It must run behind a Guard so the active identity is on the context.
func HandleWhoAmI(logger *zap.Logger, users iamkit.UserStore) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	if users == nil {
		panic("user store is required")
	}

	return func(contextGin *gin.Context) {
		identity, found := iamkit.ActiveUser(contextGin)
		if !found {
			logger.Warn("missing active user on context",
				zap.String("code", "api.me.missing_identity"))
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		userID, subjectErr := identity.UserID()
		if subjectErr != nil {
			logger.Warn("invalid subject on context",
				zap.String("code", "api.me.invalid_subject"),
				zap.String("subject", identity.Subject))
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		user, lookupErr := users.FindUserByID(contextGin.Request.Context(), userID)
		if lookupErr != nil {
			if errors.Is(lookupErr, iamkit.ErrUserNotFound) {
				logger.Warn("user missing",
					zap.String("code", "api.me.user_missing"),
					zap.Uint("user_id", userID))
				contextGin.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "not_found"})
				return
			}
			logger.Error("user lookup error",
				zap.String("code", "api.me.lookup_error"),
				zap.Uint("user_id", userID),
				zap.Error(lookupErr))
			contextGin.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal"})
			return
		}

		permissions := user.Permissions
		if permissions == nil {
			permissions = []iamkit.Permission{}
		}
		contextGin.JSON(http.StatusOK, gin.H{
			"id":           user.ID,
			"email":        user.Email,
			"role":         user.Role,
			"permissions":  permissions,
			"tfaEnabled":   user.IsTfaEnabled,
			"googleLinked": user.GoogleID != nil,
		})
	}
}
