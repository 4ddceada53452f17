package credential

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	defaultRefreshSkew         = 30 * time.Second
	flightKeyToken             = "token"
	errMessageNoCredential     = "no credential available"
	errMessageFetchToken       = "fetch token"
	errMessageReadTokenFile    = "read token file"
	logMessageTokenRefreshed   = "bearer token refreshed"
	logMessageTokenInvalidated = "bearer token invalidated"
	logMessageOpaqueToken      = "bearer token is not a JWT; it will be fetched on every use"
	logFieldExpiresAt          = "expires_at"
	bearerPrefix               = "Bearer "
)

// ErrNoCredential signals that no session exists; callers must not retry until one appears.
var ErrNoCredential = errors.New(errMessageNoCredential)

// Source supplies bearer tokens from wherever the session lives.
type Source interface {
	FetchToken(ctx context.Context) (string, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) (string, error)

// FetchToken calls the function.
func (source SourceFunc) FetchToken(ctx context.Context) (string, error) {
	return source(ctx)
}

// StaticSource always returns the same token; an empty token means no session.
type StaticSource string

// FetchToken returns the static token.
func (source StaticSource) FetchToken(context.Context) (string, error) {
	token := normalizeToken(string(source))
	if token == "" {
		return "", ErrNoCredential
	}
	return token, nil
}

// FileSource re-reads a token file on every fetch so external rotation is picked up.
type FileSource struct {
	Path string
}

// FetchToken reads the file; a missing or blank file means no session.
func (source FileSource) FetchToken(context.Context) (string, error) {
	if strings.TrimSpace(source.Path) == "" {
		return "", ErrNoCredential
	}
	contents, err := os.ReadFile(source.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", ErrNoCredential
		}
		return "", fmt.Errorf("%s: %w", errMessageReadTokenFile, err)
	}
	token := normalizeToken(string(contents))
	if token == "" {
		return "", ErrNoCredential
	}
	return token, nil
}

// Config customizes a Provider.
type Config struct {
	Source      Source
	RefreshSkew time.Duration
	Logger      *zap.Logger
	Now         func() time.Time
}

// Provider caches JWT bearer tokens until shortly before they expire and collapses
// concurrent refreshes into a single source call.
type Provider struct {
	source      Source
	refreshSkew time.Duration
	logger      *zap.Logger
	now         func() time.Time
	parser      *jwt.Parser

	cacheMutex  sync.RWMutex
	cachedToken string
	expiresAt   time.Time
	generation  uint64
	flightGroup singleflight.Group
}

// NewProvider constructs a Provider. A nil source behaves as "no session".
func NewProvider(configuration Config) *Provider {
	source := configuration.Source
	if source == nil {
		source = StaticSource("")
	}
	refreshSkew := configuration.RefreshSkew
	if refreshSkew <= 0 {
		refreshSkew = defaultRefreshSkew
	}
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := configuration.Now
	if now == nil {
		now = time.Now
	}
	return &Provider{
		source:      source,
		refreshSkew: refreshSkew,
		logger:      logger,
		now:         now,
		parser:      jwt.NewParser(),
	}
}

// Token returns a usable bearer token or ErrNoCredential.
func (provider *Provider) Token(ctx context.Context) (string, error) {
	provider.cacheMutex.RLock()
	if provider.cachedToken != "" && provider.now().Add(provider.refreshSkew).Before(provider.expiresAt) {
		token := provider.cachedToken
		provider.cacheMutex.RUnlock()
		return token, nil
	}
	generation := provider.generation
	provider.cacheMutex.RUnlock()

	resultChannel := provider.flightGroup.DoChan(flightKeyToken, func() (interface{}, error) {
		token, fetchErr := provider.source.FetchToken(ctx)
		if fetchErr != nil {
			return "", fetchErr
		}
		provider.store(token, generation)
		return token, nil
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case result := <-resultChannel:
		if result.Err != nil {
			if errors.Is(result.Err, ErrNoCredential) {
				return "", ErrNoCredential
			}
			return "", fmt.Errorf("%s: %w", errMessageFetchToken, result.Err)
		}
		token, _ := result.Val.(string)
		return token, nil
	}
}

// Invalidate drops the cached token, typically after the server rejected it.
func (provider *Provider) Invalidate() {
	provider.cacheMutex.Lock()
	defer provider.cacheMutex.Unlock()
	provider.cachedToken = ""
	provider.expiresAt = time.Time{}
	provider.generation++
	provider.logger.Info(logMessageTokenInvalidated)
}

// AuthorizationHeader formats a token for the Authorization header.
func AuthorizationHeader(token string) string {
	return bearerPrefix + token
}

// Subject returns the "sub" claim of a JWT without verifying its signature.
func Subject(token string) (string, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return "", false
	}
	subject, err := claims.GetSubject()
	if err != nil || subject == "" {
		return "", false
	}
	return subject, true
}

func (provider *Provider) store(token string, generation uint64) {
	claims := jwt.MapClaims{}
	var expiresAt time.Time
	if _, _, err := provider.parser.ParseUnverified(token, claims); err == nil {
		if expiration, expirationErr := claims.GetExpirationTime(); expirationErr == nil && expiration != nil {
			expiresAt = expiration.Time
		}
	}
	if expiresAt.IsZero() {
		provider.logger.Debug(logMessageOpaqueToken)
		return
	}

	provider.cacheMutex.Lock()
	defer provider.cacheMutex.Unlock()
	if provider.generation != generation {
		return
	}
	provider.cachedToken = token
	provider.expiresAt = expiresAt
	provider.logger.Debug(logMessageTokenRefreshed, zap.Time(logFieldExpiresAt, expiresAt))
}

func normalizeToken(raw string) string {
	token := strings.TrimSpace(raw)
	if len(token) >= len(bearerPrefix) && strings.EqualFold(token[:len(bearerPrefix)], bearerPrefix) {
		token = strings.TrimSpace(token[len(bearerPrefix):])
	}
	return token
}
