package iamkit

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Tokens is the access/refresh pair handed to clients.
type Tokens struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// SignUpInput carries registration credentials.
type SignUpInput struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// SignInInput carries password credentials and an optional second-factor code.
type SignInInput struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	TfaCode  string `json:"tfaCode"`
}

// TfaVerifier checks second-factor codes.
type TfaVerifier interface {
	VerifyCode(code string, secret string) bool
}

// RefreshTokenReuseHook runs after a superseded refresh token was presented for userID.
type RefreshTokenReuseHook func(ctx context.Context, userID uint)

// AuthenticationService implements password sign-up/sign-in and the refresh rotation protocol.
type AuthenticationService struct {
	users        UserStore
	hasher       Hasher
	issuer       *TokenIssuer
	refreshIDs   RefreshTokenIDStore
	tfa          TfaVerifier
	logger       *zap.Logger
	metrics      MetricsRecorder
	onReuse      RefreshTokenReuseHook
	refreshLocks *keyedLock
	newTokenID   func() string
}

// AuthenticationOption customises an AuthenticationService.
type AuthenticationOption func(*AuthenticationService)

// WithLogger attaches a logger for security events.
func WithLogger(logger *zap.Logger) AuthenticationOption {
	return func(service *AuthenticationService) {
		if logger != nil {
			service.logger = logger
		}
	}
}

// WithMetrics attaches a metrics recorder.
func WithMetrics(metrics MetricsRecorder) AuthenticationOption {
	return func(service *AuthenticationService) {
		if metrics != nil {
			service.metrics = metrics
		}
	}
}

// WithTfaVerifier enables second-factor checks for users with TFA enabled.
func WithTfaVerifier(verifier TfaVerifier) AuthenticationOption {
	return func(service *AuthenticationService) {
		service.tfa = verifier
	}
}

// WithRefreshTokenReuseHook registers a callback for detected refresh token reuse.
func WithRefreshTokenReuseHook(hook RefreshTokenReuseHook) AuthenticationOption {
	return func(service *AuthenticationService) {
		service.onReuse = hook
	}
}

// NewAuthenticationService wires the service.
func NewAuthenticationService(users UserStore, hasher Hasher, issuer *TokenIssuer, refreshIDs RefreshTokenIDStore, options ...AuthenticationOption) *AuthenticationService {
	service := &AuthenticationService{
		users:        users,
		hasher:       hasher,
		issuer:       issuer,
		refreshIDs:   refreshIDs,
		logger:       zap.NewNop(),
		metrics:      noopMetrics{},
		refreshLocks: newKeyedLock(),
		newTokenID:   uuid.NewString,
	}
	for _, option := range options {
		option(service)
	}
	return service
}

// SignUp registers a password user; duplicates yield ErrUserAlreadyExists.
func (service *AuthenticationService) SignUp(ctx context.Context, input SignUpInput) (User, error) {
	email := strings.TrimSpace(input.Email)
	if email == "" || input.Password == "" {
		return User{}, fmt.Errorf("iam.sign_up: %w: email and password are required", ErrInvalidInput)
	}
	passwordHash, err := service.hasher.Hash(input.Password)
	if err != nil {
		return User{}, fmt.Errorf("iam.sign_up: %w", err)
	}
	user := User{Email: email, PasswordHash: passwordHash, Role: RoleRegular}
	if err := service.users.CreateUser(ctx, &user); err != nil {
		if errors.Is(err, ErrUserAlreadyExists) {
			service.metrics.Increment(metricSignUpConflict)
			return User{}, fmt.Errorf("iam.sign_up: %w", ErrUserAlreadyExists)
		}
		return User{}, fmt.Errorf("iam.sign_up: %w", err)
	}
	service.metrics.Increment(metricSignUpSuccess)
	return user, nil
}

// SignIn verifies credentials (and the second factor when enabled) and issues tokens.
func (service *AuthenticationService) SignIn(ctx context.Context, input SignInInput) (Tokens, error) {
	user, err := service.VerifyCredentials(ctx, input)
	if err != nil {
		return Tokens{}, err
	}
	return service.GenerateTokens(ctx, user)
}

// VerifyCredentials resolves the user for input without issuing tokens.
func (service *AuthenticationService) VerifyCredentials(ctx context.Context, input SignInInput) (User, error) {
	user, findErr := service.users.FindUserByEmail(ctx, strings.TrimSpace(input.Email))
	if findErr != nil {
		service.metrics.Increment(metricSignInFailure)
		return User{}, unauthenticated("sign_in", findErr)
	}
	if !service.hasher.Compare(input.Password, user.PasswordHash) {
		service.metrics.Increment(metricSignInFailure)
		return User{}, unauthenticated("sign_in", nil)
	}
	if user.IsTfaEnabled {
		if service.tfa == nil || !service.tfa.VerifyCode(input.TfaCode, user.TfaSecret) {
			service.metrics.Increment(metricSignInFailure)
			return User{}, unauthenticated("sign_in", ErrInvalidTfaCode)
		}
	}
	service.metrics.Increment(metricSignInSuccess)
	return user, nil
}

// GenerateTokens signs both tokens concurrently and records the refresh-token-id before returning them.
func (service *AuthenticationService) GenerateTokens(ctx context.Context, user User) (Tokens, error) {
	refreshTokenID := service.newTokenID()
	var tokens Tokens
	var group errgroup.Group
	group.Go(func() error {
		accessToken, err := service.issuer.SignAccessToken(user)
		tokens.AccessToken = accessToken
		return err
	})
	group.Go(func() error {
		refreshToken, err := service.issuer.SignRefreshToken(user, refreshTokenID)
		tokens.RefreshToken = refreshToken
		return err
	})
	if err := group.Wait(); err != nil {
		return Tokens{}, fmt.Errorf("iam.generate_tokens: %w", err)
	}
	if err := service.refreshIDs.Insert(ctx, user.ID, refreshTokenID); err != nil {
		return Tokens{}, fmt.Errorf("iam.generate_tokens: %w", err)
	}
	return tokens, nil
}

// RefreshTokens redeems refreshToken exactly once and rotates the pair.
// Reuse of a superseded token clears the user's slot and returns an error matching
// both ErrUnauthenticated and ErrRefreshTokenReuseDetected.
func (service *AuthenticationService) RefreshTokens(ctx context.Context, refreshToken string) (Tokens, error) {
	claims, verifyErr := service.issuer.Verify(refreshToken)
	if verifyErr != nil || claims.RefreshTokenID == "" {
		service.metrics.Increment(metricRefreshFailure)
		return Tokens{}, unauthenticated("refresh", verifyErr)
	}
	userID, subjectErr := parseSubject(claims.Subject)
	if subjectErr != nil {
		service.metrics.Increment(metricRefreshFailure)
		return Tokens{}, unauthenticated("refresh", subjectErr)
	}
	user, findErr := service.users.FindUserByID(ctx, userID)
	if findErr != nil {
		service.metrics.Increment(metricRefreshFailure)
		return Tokens{}, unauthenticated("refresh", findErr)
	}

	unlock := service.refreshLocks.Lock(refreshTokenIDKey(user.ID))
	defer unlock()

	if redeemErr := service.redeem(ctx, user.ID, claims.RefreshTokenID); redeemErr != nil {
		if errors.Is(redeemErr, ErrInvalidatedRefreshToken) {
			service.handleReuse(ctx, user.ID)
			return Tokens{}, fmt.Errorf("iam.refresh: %w: %w", ErrUnauthenticated, ErrRefreshTokenReuseDetected)
		}
		service.metrics.Increment(metricRefreshFailure)
		return Tokens{}, unauthenticated("refresh", redeemErr)
	}

	tokens, err := service.GenerateTokens(ctx, user)
	if err != nil {
		return Tokens{}, err
	}
	service.metrics.Increment(metricRefreshSuccess)
	return tokens, nil
}

// SignOut clears the user's refresh slot so no outstanding refresh token can be redeemed.
func (service *AuthenticationService) SignOut(ctx context.Context, identity ActiveUserData) error {
	userID, err := identity.UserID()
	if err != nil {
		return unauthenticated("sign_out", err)
	}
	if err := service.refreshIDs.Invalidate(ctx, userID); err != nil {
		return fmt.Errorf("iam.sign_out: %w", err)
	}
	service.metrics.Increment(metricSignOut)
	return nil
}

func (service *AuthenticationService) redeem(ctx context.Context, userID uint, tokenID string) error {
	if consumer, ok := service.refreshIDs.(RefreshTokenIDConsumer); ok {
		return consumer.Consume(ctx, userID, tokenID)
	}
	if _, err := service.refreshIDs.Validate(ctx, userID, tokenID); err != nil {
		return err
	}
	return service.refreshIDs.Invalidate(ctx, userID)
}

func (service *AuthenticationService) handleReuse(ctx context.Context, userID uint) {
	service.metrics.Increment(metricRefreshReuseDetected)
	service.logger.Warn("refresh token reuse detected",
		zap.String("code", "auth.refresh.reuse_detected"),
		zap.Uint("user_id", userID))
	if err := service.refreshIDs.Invalidate(ctx, userID); err != nil {
		service.logger.Error("refresh slot invalidation failed",
			zap.String("code", "auth.refresh.invalidate_failed"),
			zap.Uint("user_id", userID),
			zap.Error(err))
	}
	if service.onReuse != nil {
		service.onReuse(ctx, userID)
	}
}
