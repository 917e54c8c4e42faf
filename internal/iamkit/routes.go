package iamkit

import (
	"bytes"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// RouteDependencies bundles the services mounted by MountAuthRoutes.
// Google and Otp are optional; their routes are skipped when nil.
type RouteDependencies struct {
	Configuration  ServerConfig
	Authentication *AuthenticationService
	Google         *GoogleAuthenticationService
	APIKeys        *APIKeyService
	Otp            *OtpAuthenticationService
	Sessions       *SessionAuthenticationService
	Guard          *Guard
	Logger         *zap.Logger
}

// MountAuthRoutes registers the /authentication, /api-keys, and /session-authentication endpoints.
func MountAuthRoutes(router gin.IRouter, dependencies RouteDependencies) {
	logger := dependencies.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	guard := dependencies.Guard
	public := guard.Require(NewRouteConfig(Auth(AuthTypeNone)))
	bearer := guard.Require(NewRouteConfig(Auth(AuthTypeBearer)))

	authentication := router.Group("/authentication")

	authentication.POST("/sign-up", public, func(contextGin *gin.Context) {
		var inbound SignUpInput
		if err := contextGin.ShouldBindJSON(&inbound); err != nil {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
			return
		}
		user, signUpErr := dependencies.Authentication.SignUp(contextGin.Request.Context(), inbound)
		if signUpErr != nil {
			AbortWithError(contextGin, logger, signUpErr)
			return
		}
		contextGin.JSON(http.StatusCreated, gin.H{
			"id":    user.ID,
			"email": user.Email,
			"role":  user.Role,
		})
	})

	authentication.POST("/sign-in", public, func(contextGin *gin.Context) {
		var inbound SignInInput
		if err := contextGin.ShouldBindJSON(&inbound); err != nil {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
			return
		}
		tokens, signInErr := dependencies.Authentication.SignIn(contextGin.Request.Context(), inbound)
		if signInErr != nil {
			AbortWithError(contextGin, logger, signInErr)
			return
		}
		contextGin.JSON(http.StatusOK, tokens)
	})

	authentication.POST("/refresh-tokens", public, func(contextGin *gin.Context) {
		var inbound struct {
			RefreshToken string `json:"refreshToken"`
		}
		if err := contextGin.ShouldBindJSON(&inbound); err != nil || strings.TrimSpace(inbound.RefreshToken) == "" {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
			return
		}
		tokens, refreshErr := dependencies.Authentication.RefreshTokens(contextGin.Request.Context(), inbound.RefreshToken)
		if refreshErr != nil {
			AbortWithError(contextGin, logger, refreshErr)
			return
		}
		contextGin.JSON(http.StatusOK, tokens)
	})

	authentication.POST("/sign-out", bearer, func(contextGin *gin.Context) {
		identity, _ := ActiveUser(contextGin)
		if err := dependencies.Authentication.SignOut(contextGin.Request.Context(), identity); err != nil {
			AbortWithError(contextGin, logger, err)
			return
		}
		contextGin.Status(http.StatusNoContent)
	})

	if dependencies.Otp != nil {
		otpService := dependencies.Otp
		authentication.POST("/2fa/generate", bearer, func(contextGin *gin.Context) {
			identity, _ := ActiveUser(contextGin)
			generated, generateErr := otpService.GenerateSecret(identity.Email)
			if generateErr != nil {
				AbortWithError(contextGin, logger, generateErr)
				return
			}
			if err := otpService.EnableTfaForUser(contextGin.Request.Context(), identity.Email, generated.Secret); err != nil {
				AbortWithError(contextGin, logger, err)
				return
			}
			var image bytes.Buffer
			if err := otpService.RenderQRCode(generated.URI, &image); err != nil {
				AbortWithError(contextGin, logger, err)
				return
			}
			contextGin.Data(http.StatusOK, "image/png", image.Bytes())
		})
	}

	if dependencies.Google != nil {
		googleService := dependencies.Google
		authentication.POST("/google", public, func(contextGin *gin.Context) {
			var inbound struct {
				Token string `json:"token"`
			}
			if err := contextGin.ShouldBindJSON(&inbound); err != nil || strings.TrimSpace(inbound.Token) == "" {
				contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
				return
			}
			tokens, googleErr := googleService.Authenticate(contextGin.Request.Context(), inbound.Token)
			if googleErr != nil {
				AbortWithError(contextGin, logger, googleErr)
				return
			}
			contextGin.JSON(http.StatusOK, tokens)
		})
	}

	router.POST("/api-keys", bearer, func(contextGin *gin.Context) {
		identity, _ := ActiveUser(contextGin)
		userID, subjectErr := identity.UserID()
		if subjectErr != nil {
			AbortWithError(contextGin, logger, unauthenticated("api_keys", subjectErr))
			return
		}
		apiKey, issueErr := dependencies.APIKeys.IssueAPIKey(contextGin.Request.Context(), userID)
		if issueErr != nil {
			AbortWithError(contextGin, logger, issueErr)
			return
		}
		contextGin.JSON(http.StatusCreated, gin.H{"apiKey": apiKey})
	})

	if dependencies.Sessions != nil {
		mountSessionRoutes(router, dependencies.Configuration, dependencies.Sessions, guard, logger)
	}
}

func mountSessionRoutes(router gin.IRouter, configuration ServerConfig, sessions *SessionAuthenticationService, guard *Guard, logger *zap.Logger) {
	sessionGroup := router.Group("/session-authentication")

	sessionGroup.POST("/sign-in", guard.Require(NewRouteConfig(Auth(AuthTypeNone))), func(contextGin *gin.Context) {
		var inbound SignInInput
		if err := contextGin.ShouldBindJSON(&inbound); err != nil {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
			return
		}
		sessionID, signInErr := sessions.SignIn(contextGin.Request.Context(), inbound)
		if signInErr != nil {
			AbortWithError(contextGin, logger, signInErr)
			return
		}
		writeSessionCookie(contextGin, configuration, sessions.CookieName(), sessionID, time.Now().UTC().Add(sessions.TTL()))
		contextGin.Status(http.StatusOK)
	})

	sessionGroup.GET("", guard.Require(NewRouteConfig(Auth(AuthTypeSession))), func(contextGin *gin.Context) {
		identity, _ := ActiveUser(contextGin)
		contextGin.String(http.StatusOK, fmt.Sprintf("Hello %s!", identity.Email))
	})

	sessionGroup.POST("/sign-out", guard.Require(NewRouteConfig(Auth(AuthTypeNone))), func(contextGin *gin.Context) {
		if sessionCookie, cookieErr := contextGin.Request.Cookie(sessions.CookieName()); cookieErr == nil && sessionCookie != nil {
			if err := sessions.SignOut(contextGin.Request.Context(), sessionCookie.Value); err != nil {
				AbortWithError(contextGin, logger, err)
				return
			}
		}
		clearCookie(contextGin, configuration, sessions.CookieName())
		contextGin.Status(http.StatusNoContent)
	})
}

// MountProductRoutes registers the /products catalogue endpoints guarded per route.
func MountProductRoutes(router gin.IRouter, guard *Guard) {
	products := NewRouteConfig(Auth(AuthTypeApiKey, AuthTypeBearer))
	productGroup := router.Group("/products")

	productGroup.POST("", guard.Require(products.Merge(NewRouteConfig(
		Policies(FrameworkContributorPolicy{}),
	))), func(contextGin *gin.Context) {
		contextGin.JSON(http.StatusCreated, gin.H{"message": "This action adds a new product"})
	})

	productGroup.GET("", guard.Require(products), func(contextGin *gin.Context) {
		contextGin.JSON(http.StatusOK, gin.H{"message": "This action returns all products"})
	})

	productGroup.GET("/:id", guard.Require(products), func(contextGin *gin.Context) {
		contextGin.JSON(http.StatusOK, gin.H{"message": fmt.Sprintf("This action returns a #%s product", contextGin.Param("id"))})
	})

	productGroup.PATCH("/:id", guard.Require(products.Merge(NewRouteConfig(
		Roles(RoleAdmin),
	))), func(contextGin *gin.Context) {
		contextGin.JSON(http.StatusOK, gin.H{"message": fmt.Sprintf("This action updates a #%s product", contextGin.Param("id"))})
	})

	productGroup.DELETE("/:id", guard.Require(products.Merge(NewRouteConfig(
		Permissions(PermissionDeleteProduct),
		Policies(RegoPolicy{Rule: "product_manager"}),
	))), func(contextGin *gin.Context) {
		contextGin.JSON(http.StatusOK, gin.H{"message": fmt.Sprintf("This action removes a #%s product", contextGin.Param("id"))})
	})
}

func writeSessionCookie(contextGin *gin.Context, configuration ServerConfig, name string, sessionID string, expiresAt time.Time) {
	http.SetCookie(contextGin.Writer, &http.Cookie{
		Name:     name,
		Value:    sessionID,
		Path:     "/",
		Expires:  expiresAt,
		Secure:   !configuration.AllowInsecureHTTP,
		HttpOnly: true,
		SameSite: sameSiteOrStrict(configuration.SameSiteMode),
	})
}

func clearCookie(contextGin *gin.Context, configuration ServerConfig, name string) {
	http.SetCookie(contextGin.Writer, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		Secure:   !configuration.AllowInsecureHTTP,
		HttpOnly: true,
		SameSite: sameSiteOrStrict(configuration.SameSiteMode),
	})
}

func sameSiteOrStrict(mode http.SameSite) http.SameSite {
	if mode == 0 {
		return http.SameSiteStrictMode
	}
	return mode
}
