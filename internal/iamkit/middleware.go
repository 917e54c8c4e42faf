package iamkit

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const activeUserContextKey = "iam_active_user"

// Guard authenticates and authorizes requests according to a RouteConfig.
type Guard struct {
	dispatcher *AuthenticationDispatcher
	pipeline   *AuthorizationPipeline
	logger     *zap.Logger
	metrics    MetricsRecorder
}

// NewGuard constructs a guard.
func NewGuard(dispatcher *AuthenticationDispatcher, pipeline *AuthorizationPipeline, logger *zap.Logger, metrics MetricsRecorder) *Guard {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Guard{dispatcher: dispatcher, pipeline: pipeline, logger: logger, metrics: metrics}
}

// Require returns middleware enforcing configuration and attaching the identity to the gin context.
func (guard *Guard) Require(configuration RouteConfig) gin.HandlerFunc {
	authTypes := configuration.EffectiveAuthTypes()
	hasRequirements := len(configuration.Roles) > 0 || len(configuration.Permissions) > 0 || len(configuration.Policies) > 0
	return func(contextGin *gin.Context) {
		identity, authErr := guard.dispatcher.Authenticate(contextGin.Request.Context(), contextGin.Request, authTypes)
		if authErr != nil {
			guard.metrics.Increment(metricAuthenticationDenied)
			AbortWithError(contextGin, guard.logger, authErr)
			return
		}
		if identity == nil {
			if hasRequirements {
				guard.metrics.Increment(metricAuthenticationDenied)
				AbortWithError(contextGin, guard.logger, ErrUnauthenticated)
				return
			}
			contextGin.Next()
			return
		}
		contextGin.Set(activeUserContextKey, *identity)
		if authorizeErr := guard.pipeline.Authorize(contextGin.Request.Context(), *identity, configuration); authorizeErr != nil {
			var missingHandler *MissingPolicyHandlerError
			if errors.As(authorizeErr, &missingHandler) {
				guard.metrics.Increment(metricPolicyHandlerMissing)
			} else {
				guard.metrics.Increment(metricAuthorizationDenied)
			}
			AbortWithError(contextGin, guard.logger, authorizeErr)
			return
		}
		contextGin.Next()
	}
}

// ActiveUser returns the identity attached by Guard.
func ActiveUser(contextGin *gin.Context) (ActiveUserData, bool) {
	value, exists := contextGin.Get(activeUserContextKey)
	if !exists {
		return ActiveUserData{}, false
	}
	identity, ok := value.(ActiveUserData)
	return identity, ok
}

// AbortWithError maps err to the HTTP error envelope and aborts the chain.
func AbortWithError(contextGin *gin.Context, logger *zap.Logger, err error) {
	var forbidden *ForbiddenError
	var missingHandler *MissingPolicyHandlerError
	switch {
	case errors.As(err, &missingHandler):
		logger.Error("policy handler missing",
			zap.String("code", "auth.guard.policy_handler_missing"),
			zap.String("policy_type", string(missingHandler.PolicyType)),
			zap.String("path", contextGin.FullPath()))
		contextGin.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal"})
	case errors.As(err, &forbidden):
		contextGin.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": forbidden.Reason})
	case errors.Is(err, ErrForbidden):
		contextGin.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
	case errors.Is(err, ErrUnauthenticated):
		contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
	case errors.Is(err, ErrInvalidInput):
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
	case errors.Is(err, ErrUserAlreadyExists):
		contextGin.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "conflict"})
	default:
		logger.Error("request failed", zap.String("path", contextGin.FullPath()), zap.Error(err))
		contextGin.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal"})
	}
}
