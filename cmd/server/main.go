package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tyemirov/booking-iam/internal/iamkit"
	"github.com/tyemirov/booking-iam/internal/iamkitpg"
	"github.com/tyemirov/booking-iam/internal/web"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

var serveHTTP = func(server *http.Server) error {
	return server.ListenAndServe()
}

var buildGoogleTokenValidator = func(ctx context.Context) (iamkit.GoogleTokenValidator, error) {
	return iamkit.NewGoogleTokenValidator(ctx)
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "booking-iam",
		Short:   "Identity and access service: passwords, API keys, TOTP, Google sign-in, sessions, and route authorization",
		PreRunE: prepareServerConfig,
		RunE:    runServer,
	}

	rootCmd.Flags().String("listen_addr", ":8080", "HTTP listen address")
	rootCmd.Flags().String("jwt_secret", "", "HS256 signing secret for access and refresh tokens")
	rootCmd.Flags().String("jwt_audience", "", "Audience claim required on every token")
	rootCmd.Flags().String("jwt_issuer", "", "Issuer claim required on every token")
	rootCmd.Flags().Duration("access_token_ttl", 15*time.Minute, "Access token TTL")
	rootCmd.Flags().Duration("refresh_token_ttl", 24*time.Hour, "Refresh token TTL")
	rootCmd.Flags().String("database_url", "", "Database URL for users and API keys (postgres:// or sqlite://; leave empty for in-memory store)")
	rootCmd.Flags().Bool("pg_pool", false, "Keep refresh token ids in PostgreSQL via pgx (requires a postgres:// database_url)")
	rootCmd.Flags().String("redis_addr", "", "Redis address for refresh token ids and sessions; leave empty for in-memory stores")
	rootCmd.Flags().String("redis_password", "", "Redis password")
	rootCmd.Flags().Int("redis_db", 0, "Redis database index")
	rootCmd.Flags().String("google_client_id", "", "Google OAuth client id; empty disables Google sign-in")
	rootCmd.Flags().String("tfa_app_name", "Booking", "Issuer shown in authenticator apps")
	rootCmd.Flags().Int("bcrypt_cost", bcrypt.DefaultCost, "bcrypt cost for passwords and API keys")
	rootCmd.Flags().String("session_cookie_name", "iam_session", "Cookie holding the server-side session id")
	rootCmd.Flags().Duration("session_ttl", 24*time.Hour, "Server-side session TTL")
	rootCmd.Flags().Bool("dev_insecure_http", false, "Allow insecure HTTP cookies for local dev")
	rootCmd.Flags().Bool("enable_cors", false, "Enable CORS for cross-origin clients")
	rootCmd.Flags().StringSlice("cors_allowed_origins", []string{}, "Allowed origins when CORS is enabled (required if enable_cors is true)")
	rootCmd.Flags().String("rego_policy_file", "", "Rego module evaluated for Rego route policies; empty uses the built-in module")

	for _, flagName := range []string{
		"listen_addr", "jwt_secret", "jwt_audience", "jwt_issuer", "access_token_ttl", "refresh_token_ttl",
		"database_url", "pg_pool", "redis_addr", "redis_password", "redis_db", "google_client_id",
		"tfa_app_name", "bcrypt_cost", "session_cookie_name", "session_ttl", "dev_insecure_http",
		"enable_cors", "cors_allowed_origins", "rego_policy_file",
	} {
		_ = viper.BindPFlag(flagName, rootCmd.Flags().Lookup(flagName))
	}

	viper.SetEnvPrefix("IAM")
	viper.AutomaticEnv()

	return rootCmd
}

const (
	configCodeMissingJWTSecret        = "config.missing_jwt_secret"
	configCodeMissingJWTAudience      = "config.missing_jwt_audience"
	configCodeMissingJWTIssuer        = "config.missing_jwt_issuer"
	configCodeInvalidAccessTokenTTL   = "config.invalid_access_token_ttl"
	configCodeInvalidRefreshTokenTTL  = "config.invalid_refresh_token_ttl"
	configCodeInvalidSessionTTL       = "config.invalid_session_ttl"
	configCodeInvalidBcryptCost       = "config.invalid_bcrypt_cost"
	configCodeUninitializedServerConf = "config.uninitialized_server_config"
	configCodeGoogleValidatorInit     = "config.google_validator_init"
	configCodeRegoPolicyFile          = "config.rego_policy_file"
	configCodePgPoolRequiresPostgres  = "config.pg_pool_requires_postgres"
)

type contextKey string

const serverConfigContextKey contextKey = "serverConfig"

func prepareServerConfig(command *cobra.Command, arguments []string) error {
	serverConfig, loadErr := LoadServerConfig()
	if loadErr != nil {
		return loadErr
	}
	existingContext := command.Context()
	if existingContext == nil {
		existingContext = context.Background()
	}
	command.SetContext(context.WithValue(existingContext, serverConfigContextKey, serverConfig))
	return nil
}

func configError(code, message string) error {
	return fmt.Errorf("%s: %s", code, message)
}

func LoadServerConfig() (iamkit.ServerConfig, error) {
	jwtSecret := viper.GetString("jwt_secret")
	if jwtSecret == "" {
		return iamkit.ServerConfig{}, configError(configCodeMissingJWTSecret, "jwt_secret must be provided")
	}

	jwtAudience := strings.TrimSpace(viper.GetString("jwt_audience"))
	if jwtAudience == "" {
		return iamkit.ServerConfig{}, configError(configCodeMissingJWTAudience, "jwt_audience must be provided")
	}

	jwtIssuer := strings.TrimSpace(viper.GetString("jwt_issuer"))
	if jwtIssuer == "" {
		return iamkit.ServerConfig{}, configError(configCodeMissingJWTIssuer, "jwt_issuer must be provided")
	}

	accessTokenTTL := viper.GetDuration("access_token_ttl")
	if accessTokenTTL <= 0 {
		return iamkit.ServerConfig{}, configError(configCodeInvalidAccessTokenTTL, "access_token_ttl must be greater than zero")
	}

	refreshTokenTTL := viper.GetDuration("refresh_token_ttl")
	if refreshTokenTTL <= 0 {
		return iamkit.ServerConfig{}, configError(configCodeInvalidRefreshTokenTTL, "refresh_token_ttl must be greater than zero")
	}

	sessionTTL := 24 * time.Hour
	if viper.IsSet("session_ttl") {
		sessionTTL = viper.GetDuration("session_ttl")
		if sessionTTL <= 0 {
			return iamkit.ServerConfig{}, configError(configCodeInvalidSessionTTL, "session_ttl must be greater than zero")
		}
	}

	bcryptCost := bcrypt.DefaultCost
	if viper.IsSet("bcrypt_cost") {
		bcryptCost = viper.GetInt("bcrypt_cost")
		if bcryptCost < bcrypt.MinCost || bcryptCost > bcrypt.MaxCost {
			return iamkit.ServerConfig{}, configError(configCodeInvalidBcryptCost, fmt.Sprintf("bcrypt_cost must be between %d and %d", bcrypt.MinCost, bcrypt.MaxCost))
		}
	}

	tfaAppName := viper.GetString("tfa_app_name")
	if strings.TrimSpace(tfaAppName) == "" {
		tfaAppName = "Booking"
	}

	return iamkit.ServerConfig{
		JWTSecret:         []byte(jwtSecret),
		JWTAudience:       jwtAudience,
		JWTIssuer:         jwtIssuer,
		AccessTokenTTL:    accessTokenTTL,
		RefreshTokenTTL:   refreshTokenTTL,
		GoogleClientID:    strings.TrimSpace(viper.GetString("google_client_id")),
		TfaAppName:        tfaAppName,
		BcryptCost:        bcryptCost,
		SessionCookieName: viper.GetString("session_cookie_name"),
		SessionTTL:        sessionTTL,
	}, nil
}

type accountStore interface {
	iamkit.UserStore
	iamkit.APIKeyStore
}

func runServer(command *cobra.Command, arguments []string) error {
	logger, loggerErr := zap.NewProduction()
	if loggerErr != nil {
		return loggerErr
	}
	defer func() { _ = logger.Sync() }()

	commandContext := command.Context()
	var contextValue any
	if commandContext != nil {
		contextValue = commandContext.Value(serverConfigContextKey)
	}
	serverConfig, ok := contextValue.(iamkit.ServerConfig)
	if !ok {
		return configError(configCodeUninitializedServerConf, "server configuration not prepared; PreRunE must execute before RunE")
	}
	startupContext := commandContext

	listenAddr := viper.GetString("listen_addr")
	databaseURL := viper.GetString("database_url")
	usePgPool := viper.GetBool("pg_pool")
	redisAddr := viper.GetString("redis_addr")
	enableCORS := viper.GetBool("enable_cors")
	corsAllowedOrigins := viper.GetStringSlice("cors_allowed_origins")
	regoPolicyFile := viper.GetString("rego_policy_file")

	serverConfig.AllowInsecureHTTP = viper.GetBool("dev_insecure_http")
	serverConfig.SameSiteMode = http.SameSiteStrictMode
	if enableCORS {
		serverConfig.SameSiteMode = http.SameSiteNoneMode
	}

	var users accountStore
	if databaseURL != "" {
		databaseStore, storeErr := iamkit.NewDatabaseUserStore(startupContext, databaseURL)
		if storeErr != nil {
			return storeErr
		}
		defer func() { _ = databaseStore.Close() }()
		users = databaseStore
		logger.Info("using persistent user store", zap.String("driver", databaseStore.Driver()))
	} else {
		users = iamkit.NewMemoryUserStore()
		logger.Info("using in-memory user store")
	}

	var refreshIDs iamkit.RefreshTokenIDStore
	var sessions iamkit.SessionStore
	switch {
	case redisAddr != "":
		redisClient, redisErr := iamkit.OpenRedis(startupContext, iamkit.RedisConfig{
			Addr:     redisAddr,
			Password: viper.GetString("redis_password"),
			DB:       viper.GetInt("redis_db"),
		})
		if redisErr != nil {
			return redisErr
		}
		defer func() { _ = redisClient.Close() }()
		refreshIDs = iamkit.NewRedisRefreshTokenIDStore(redisClient)
		sessions = iamkit.NewRedisSessionStore(redisClient)
		logger.Info("using redis refresh token and session stores", zap.String("addr", redisAddr))
	case usePgPool:
		if !strings.HasPrefix(databaseURL, "postgres://") && !strings.HasPrefix(databaseURL, "postgresql://") {
			return configError(configCodePgPoolRequiresPostgres, "pg_pool requires a postgres:// database_url")
		}
		pool, poolErr := iamkitpg.BuildPool(startupContext, databaseURL)
		if poolErr != nil {
			return poolErr
		}
		defer pool.Close()
		if schemaErr := iamkitpg.EnsureSchema(startupContext, pool); schemaErr != nil {
			return schemaErr
		}
		refreshIDs = iamkitpg.NewPostgresRefreshTokenIDStore(pool)
		sessions = iamkit.NewMemorySessionStore()
		logger.Info("using postgres refresh token store")
	default:
		refreshIDs = iamkit.NewMemoryRefreshTokenIDStore()
		sessions = iamkit.NewMemorySessionStore()
		logger.Info("using in-memory refresh token and session stores")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metricsRecorder, metricsErr := iamkit.NewPrometheusMetrics(registry)
	if metricsErr != nil {
		return metricsErr
	}

	regoModule := ""
	if regoPolicyFile != "" {
		moduleBytes, readErr := os.ReadFile(regoPolicyFile)
		if readErr != nil {
			return fmt.Errorf("%s: %w", configCodeRegoPolicyFile, readErr)
		}
		regoModule = string(moduleBytes)
	}
	regoHandler, regoErr := iamkit.NewRegoPolicyHandler(startupContext, regoModule)
	if regoErr != nil {
		return fmt.Errorf("%s: %w", configCodeRegoPolicyFile, regoErr)
	}
	policyHandlers := iamkit.NewPolicyHandlerRegistry()
	policyHandlers.Add(iamkit.FrameworkContributorPolicyType, iamkit.FrameworkContributorPolicyHandler{})
	policyHandlers.Add(iamkit.RegoPolicyType, regoHandler)

	clock := iamkit.NewSystemClock()
	issuer, issuerErr := iamkit.NewTokenIssuer(serverConfig.TokenConfig(), clock)
	if issuerErr != nil {
		return issuerErr
	}
	hasher := iamkit.NewBcryptHasher(serverConfig.BcryptCost)

	otpService, otpErr := iamkit.NewOtpAuthenticationService(serverConfig.TfaAppName, users, clock)
	if otpErr != nil {
		return otpErr
	}
	authentication := iamkit.NewAuthenticationService(users, hasher, issuer, refreshIDs,
		iamkit.WithLogger(logger),
		iamkit.WithMetrics(metricsRecorder),
		iamkit.WithTfaVerifier(otpService),
	)
	apiKeys := iamkit.NewAPIKeyService(hasher, users)
	sessionAuthentication, sessionErr := iamkit.NewSessionAuthenticationService(authentication, sessions, serverConfig.SessionCookieName, serverConfig.SessionTTL)
	if sessionErr != nil {
		return sessionErr
	}

	var googleAuthentication *iamkit.GoogleAuthenticationService
	if serverConfig.GoogleClientID != "" {
		validator, validatorErr := buildGoogleTokenValidator(startupContext)
		if validatorErr != nil {
			return fmt.Errorf("%s: %w", configCodeGoogleValidatorInit, validatorErr)
		}
		googleAuthentication = iamkit.NewGoogleAuthenticationService(serverConfig.GoogleClientID, validator, users, authentication)
	}

	dispatcher := iamkit.NewAuthenticationDispatcher(map[iamkit.AuthType]iamkit.Authenticator{
		iamkit.AuthTypeBearer:  iamkit.NewAccessTokenAuthenticator(issuer),
		iamkit.AuthTypeApiKey:  iamkit.NewAPIKeyAuthenticator(apiKeys),
		iamkit.AuthTypeSession: sessionAuthentication,
	})
	guard := iamkit.NewGuard(dispatcher, iamkit.NewAuthorizationPipeline(policyHandlers), logger, metricsRecorder)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(zapLoggerMiddleware(logger))

	if enableCORS {
		corsMiddleware, corsErr := web.ConfigureCORS(logger, corsAllowedOrigins)
		if corsErr != nil {
			return corsErr
		}
		router.Use(corsMiddleware)
	}

	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	iamkit.MountAuthRoutes(router, iamkit.RouteDependencies{
		Configuration:  serverConfig,
		Authentication: authentication,
		Google:         googleAuthentication,
		APIKeys:        apiKeys,
		Otp:            otpService,
		Sessions:       sessionAuthentication,
		Guard:          guard,
		Logger:         logger,
	})
	iamkit.MountProductRoutes(router, guard)

	protected := router.Group("/api")
	protected.GET("/me", guard.Require(iamkit.NewRouteConfig(iamkit.Auth(iamkit.AuthTypeBearer, iamkit.AuthTypeApiKey, iamkit.AuthTypeSession))), web.HandleWhoAmI(logger, users))

	server := &http.Server{
		Addr:              listenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())
	defer shutdownCancel()

	go func() {
		stopSignals := make(chan os.Signal, 1)
		signal.Notify(stopSignals, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(stopSignals)
		select {
		case <-stopSignals:
		case <-shutdownCtx.Done():
			return
		}
		graceCtx, graceCancel := context.WithTimeout(shutdownCtx, 10*time.Second)
		defer graceCancel()
		if err := server.Shutdown(graceCtx); err != nil {
			logger.Error("server shutdown error", zap.Error(err))
		}
	}()

	logger.Info("listening", zap.String("addr", listenAddr))
	if err := serveHTTP(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen error: %w", err)
	}
	return nil
}

func zapLoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		startTime := time.Now()
		contextGin.Next()
		duration := time.Since(startTime)
		logger.Info("http",
			zap.String("method", contextGin.Request.Method),
			zap.String("path", contextGin.Request.URL.Path),
			zap.Int("status", contextGin.Writer.Status()),
			zap.String("ip", contextGin.ClientIP()),
			zap.Duration("elapsed", duration),
		)
	}
}
