package iamkit

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	sqliteDialector "github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const pgUniqueViolationCode = "23505"

var (
	// ErrUnsupportedDialect indicates that no GORM dialector is available for the scheme.
	ErrUnsupportedDialect = errors.New("user_store.unsupported_dialect")

	errEmptyDatabaseURL    = errors.New("user_store.empty_database_url")
	errSQLiteEmptyPath     = errors.New("user_store.sqlite.empty_path")
	errSQLiteInvalidURL    = errors.New("user_store.sqlite.invalid_url")
	errUnsupportedNoScheme = errors.New("user_store.unsupported_no_scheme")
)

// DatabaseUserStore persists users and API keys using GORM.
type DatabaseUserStore struct {
	db          *gorm.DB
	driverLabel string
}

// Driver exposes the selected database driver label.
func (store *DatabaseUserStore) Driver() string {
	return store.driverLabel
}

// Close releases the underlying connection pool.
func (store *DatabaseUserStore) Close() error {
	sqlDB, err := store.db.DB()
	if err != nil {
		return fmt.Errorf("user_store.close: %w", err)
	}
	return sqlDB.Close()
}

// NewDatabaseUserStore opens the database and migrates the users and api_keys tables.
func NewDatabaseUserStore(ctx context.Context, databaseURL string) (*DatabaseUserStore, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("user_store.open: %w", errEmptyDatabaseURL)
	}
	dialector, driverLabel, err := resolveDialector(databaseURL)
	if err != nil {
		return nil, err
	}
	gormDB, openErr := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if openErr != nil {
		return nil, fmt.Errorf("user_store.open.%s: %w", driverLabel, openErr)
	}
	if migrateErr := gormDB.WithContext(ctx).AutoMigrate(&User{}, &APIKey{}); migrateErr != nil {
		return nil, fmt.Errorf("user_store.migrate.%s: %w", driverLabel, migrateErr)
	}
	return &DatabaseUserStore{
		db:          gormDB,
		driverLabel: driverLabel,
	}, nil
}

// CreateUser inserts the user, mapping unique violations to ErrUserAlreadyExists.
func (store *DatabaseUserStore) CreateUser(ctx context.Context, user *User) error {
	if user.Role == "" {
		user.Role = RoleRegular
	}
	if err := store.db.WithContext(ctx).Create(user).Error; err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("user_store.create.%s: %w", store.driverLabel, ErrUserAlreadyExists)
		}
		return fmt.Errorf("user_store.create.%s: %w", store.driverLabel, err)
	}
	return nil
}

// FindUserByID loads a user by primary key.
func (store *DatabaseUserStore) FindUserByID(ctx context.Context, userID uint) (User, error) {
	return store.findUser(ctx, "find_by_id", "id = ?", userID)
}

// FindUserByEmail loads a user by email.
func (store *DatabaseUserStore) FindUserByEmail(ctx context.Context, email string) (User, error) {
	return store.findUser(ctx, "find_by_email", "email = ?", email)
}

// FindUserByGoogleID loads a user by Google subject.
func (store *DatabaseUserStore) FindUserByGoogleID(ctx context.Context, googleID string) (User, error) {
	return store.findUser(ctx, "find_by_google_id", "google_id = ?", googleID)
}

// UpdateTfa stores the shared TOTP secret and the enabled flag.
func (store *DatabaseUserStore) UpdateTfa(ctx context.Context, userID uint, secret string, enabled bool) error {
	result := store.db.WithContext(ctx).Model(&User{}).Where("id = ?", userID).
		Updates(map[string]interface{}{"tfa_secret": secret, "is_tfa_enabled": enabled})
	if result.Error != nil {
		return fmt.Errorf("user_store.update_tfa.%s: %w", store.driverLabel, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("user_store.update_tfa.%s: %w", store.driverLabel, ErrUserNotFound)
	}
	return nil
}

// CreateAPIKey inserts an API key record.
func (store *DatabaseUserStore) CreateAPIKey(ctx context.Context, record *APIKey) error {
	if err := store.db.WithContext(ctx).Omit("User").Create(record).Error; err != nil {
		return fmt.Errorf("api_key_store.create.%s: %w", store.driverLabel, err)
	}
	return nil
}

// FindAPIKeyByUUID loads an API key record joined with its owning user.
func (store *DatabaseUserStore) FindAPIKeyByUUID(ctx context.Context, lookupID string) (APIKey, error) {
	var record APIKey
	err := store.db.WithContext(ctx).Preload("User").Where("uuid = ?", lookupID).Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return APIKey{}, fmt.Errorf("api_key_store.find.%s: %w", store.driverLabel, ErrAPIKeyNotFound)
		}
		return APIKey{}, fmt.Errorf("api_key_store.find.%s: %w", store.driverLabel, err)
	}
	return record, nil
}

func (store *DatabaseUserStore) findUser(ctx context.Context, operation string, query string, argument interface{}) (User, error) {
	var user User
	err := store.db.WithContext(ctx).Where(query, argument).Take(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return User{}, fmt.Errorf("user_store.%s.%s: %w", operation, store.driverLabel, ErrUserNotFound)
		}
		return User{}, fmt.Errorf("user_store.%s.%s: %w", operation, store.driverLabel, err)
	}
	return user, nil
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func resolveDialector(databaseURL string) (gorm.Dialector, string, error) {
	parsed, err := url.Parse(databaseURL)
	if err != nil {
		return nil, "", fmt.Errorf("user_store.parse_url: %w", err)
	}
	if parsed.Scheme == "" {
		return nil, "", fmt.Errorf("user_store.dialect: %w", errUnsupportedNoScheme)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "postgres", "postgresql":
		return postgres.Open(databaseURL), "postgres", nil
	case "sqlite", "sqlite3":
		dsn, dsnErr := buildSQLiteDSN(parsed)
		if dsnErr != nil {
			return nil, "", fmt.Errorf("user_store.sqlite: %w", dsnErr)
		}
		return sqliteDialector.Open(dsn), "sqlite", nil
	default:
		return nil, "", fmt.Errorf("user_store.dialect.%s: %w", strings.ToLower(parsed.Scheme), ErrUnsupportedDialect)
	}
}

func buildSQLiteDSN(parsed *url.URL) (string, error) {
	if parsed == nil {
		return "", errSQLiteInvalidURL
	}
	var builder strings.Builder
	switch {
	case parsed.Opaque != "":
		builder.WriteString(parsed.Opaque)
	case parsed.Host != "":
		builder.WriteString(parsed.Host)
		if parsed.Path != "" {
			if !strings.HasPrefix(parsed.Path, "/") {
				builder.WriteString("/")
			}
			builder.WriteString(parsed.Path)
		}
	default:
		builder.WriteString(parsed.Path)
	}
	if builder.Len() == 0 {
		return "", errSQLiteEmptyPath
	}
	if parsed.RawQuery != "" {
		builder.WriteString("?")
		builder.WriteString(parsed.RawQuery)
	}
	return builder.String(), nil
}
