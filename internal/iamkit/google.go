package iamkit

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/api/idtoken"
)

// GoogleTokenValidator verifies Google ID tokens against Google's signing keys.
type GoogleTokenValidator interface {
	Validate(ctx context.Context, idToken string, audience string) (*idtoken.Payload, error)
}

// NewGoogleTokenValidator builds the production validator backed by Google's public certificates.
func NewGoogleTokenValidator(ctx context.Context) (GoogleTokenValidator, error) {
	validator, err := idtoken.NewValidator(ctx)
	if err != nil {
		return nil, fmt.Errorf("google.validator: %w", err)
	}
	return validator, nil
}

// TokenGenerator issues an access/refresh pair for a user.
type TokenGenerator interface {
	GenerateTokens(ctx context.Context, user User) (Tokens, error)
}

// GoogleAuthenticationService exchanges Google ID tokens for local tokens.
type GoogleAuthenticationService struct {
	clientID  string
	validator GoogleTokenValidator
	users     UserStore
	tokens    TokenGenerator
}

// NewGoogleAuthenticationService constructs the service.
func NewGoogleAuthenticationService(clientID string, validator GoogleTokenValidator, users UserStore, tokens TokenGenerator) *GoogleAuthenticationService {
	return &GoogleAuthenticationService{
		clientID:  clientID,
		validator: validator,
		users:     users,
		tokens:    tokens,
	}
}

// Authenticate verifies idToken, finds or creates the local user, and issues tokens.
func (service *GoogleAuthenticationService) Authenticate(ctx context.Context, idToken string) (Tokens, error) {
	if strings.TrimSpace(idToken) == "" {
		return Tokens{}, unauthenticated("google.authenticate", nil)
	}
	payload, validateErr := service.validator.Validate(ctx, idToken, service.clientID)
	if validateErr != nil || payload == nil {
		return Tokens{}, unauthenticated("google.authenticate", validateErr)
	}
	googleID, _ := payload.Claims["sub"].(string)
	userEmail, _ := payload.Claims["email"].(string)
	if googleID == "" {
		googleID = payload.Subject
	}
	if googleID == "" || userEmail == "" {
		return Tokens{}, unauthenticated("google.authenticate", nil)
	}

	user, resolveErr := service.resolveUser(ctx, googleID, userEmail)
	if resolveErr != nil {
		if errors.Is(resolveErr, ErrUserAlreadyExists) {
			return Tokens{}, resolveErr
		}
		return Tokens{}, unauthenticated("google.authenticate", resolveErr)
	}
	return service.tokens.GenerateTokens(ctx, user)
}

func (service *GoogleAuthenticationService) resolveUser(ctx context.Context, googleID string, userEmail string) (User, error) {
	user, findErr := service.users.FindUserByGoogleID(ctx, googleID)
	if findErr == nil {
		return user, nil
	}
	if !errors.Is(findErr, ErrUserNotFound) {
		return User{}, findErr
	}
	created := User{Email: userEmail, GoogleID: &googleID, Role: RoleRegular}
	createErr := service.users.CreateUser(ctx, &created)
	if createErr == nil {
		return created, nil
	}
	if !errors.Is(createErr, ErrUserAlreadyExists) {
		return User{}, createErr
	}
	// A concurrent first sign-in may have created the same Google user.
	user, findErr = service.users.FindUserByGoogleID(ctx, googleID)
	if findErr == nil {
		return user, nil
	}
	if errors.Is(findErr, ErrUserNotFound) {
		return User{}, fmt.Errorf("google.resolve_user: %w", ErrUserAlreadyExists)
	}
	return User{}, findErr
}
