package iamkit

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// GeneratedAPIKey is a freshly issued key and the digest to persist.
type GeneratedAPIKey struct {
	APIKey    string
	HashedKey string
}

// APIKeyService issues, hashes, and validates long-lived API keys.
type APIKeyService struct {
	hasher Hasher
	keys   APIKeyStore
}

// NewAPIKeyService constructs the service.
func NewAPIKeyService(hasher Hasher, keys APIKeyStore) *APIKeyService {
	return &APIKeyService{hasher: hasher, keys: keys}
}

// CreateAndHash builds base64("<lookupID> <uuid>") and its digest.
func (service *APIKeyService) CreateAndHash(lookupID string) (GeneratedAPIKey, error) {
	apiKey := base64.StdEncoding.EncodeToString([]byte(lookupID + " " + uuid.NewString()))
	hashedKey, err := service.hasher.Hash(apiKey)
	if err != nil {
		return GeneratedAPIKey{}, fmt.Errorf("api_key.create: %w", err)
	}
	return GeneratedAPIKey{APIKey: apiKey, HashedKey: hashedKey}, nil
}

// Validate reports whether apiKey produced hashedKey.
func (service *APIKeyService) Validate(apiKey string, hashedKey string) bool {
	return service.hasher.Compare(apiKey, hashedKey)
}

// ExtractIDFromAPIKey decodes the embedded lookup id without proving authenticity.
func (service *APIKeyService) ExtractIDFromAPIKey(apiKey string) string {
	decoded, err := base64.StdEncoding.DecodeString(apiKey)
	if err != nil {
		return ""
	}
	lookupID, _, _ := strings.Cut(string(decoded), " ")
	return lookupID
}

// IssueAPIKey persists a new key for userID and returns the raw key exactly once.
func (service *APIKeyService) IssueAPIKey(ctx context.Context, userID uint) (string, error) {
	lookupID := uuid.NewString()
	generated, err := service.CreateAndHash(lookupID)
	if err != nil {
		return "", err
	}
	record := APIKey{
		UUID:    lookupID,
		KeyHash: generated.HashedKey,
		UserID:  userID,
	}
	if err := service.keys.CreateAPIKey(ctx, &record); err != nil {
		return "", fmt.Errorf("api_key.issue: %w", err)
	}
	return generated.APIKey, nil
}

// Authenticate resolves the owning user's identity; every failure is ErrUnauthenticated.
func (service *APIKeyService) Authenticate(ctx context.Context, apiKey string) (ActiveUserData, error) {
	lookupID := service.ExtractIDFromAPIKey(apiKey)
	if lookupID == "" {
		return ActiveUserData{}, unauthenticated("api_key.authenticate", nil)
	}
	record, err := service.keys.FindAPIKeyByUUID(ctx, lookupID)
	if err != nil {
		return ActiveUserData{}, unauthenticated("api_key.authenticate", err)
	}
	if !service.Validate(apiKey, record.KeyHash) {
		return ActiveUserData{}, unauthenticated("api_key.authenticate", nil)
	}
	return identityFromUser(record.User), nil
}
