// auth.go — аутентификация GitHub App: RS256 app JWT → installation token.
// Installation token кэшируется (обновление за 30s до expiration).
package ghclient

import (
	"context"
	"crypto/rsa"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/go-github/v66/github"
	"golang.org/x/oauth2"
)

// Factory создаёт клиентов канонического store для репозиториев
// аллокаторов. Каждый репозиторий обслуживается своей установкой
// GitHub App; installation token-ы кэшируются по installation id.
type Factory struct {
	appID      int64
	privateKey *rsa.PrivateKey
	apiURL     string
	// Fallback personal access token, если App не настроен
	staticToken string

	logger *slog.Logger

	// Кэш installation token-ов
	mu     sync.Mutex
	tokens map[int64]cachedToken
}

type cachedToken struct {
	token  string
	expiry time.Time
}

// NewFactory создаёт фабрику клиентов. При заданном appID читает
// приватный ключ App из keyPath (PEM, RS256).
func NewFactory(appID int64, keyPath, apiURL, staticToken string, logger *slog.Logger) (*Factory, error) {
	f := &Factory{
		appID:       appID,
		apiURL:      apiURL,
		staticToken: staticToken,
		logger:      logger.With(slog.String("component", "ghclient")),
		tokens:      make(map[int64]cachedToken),
	}

	if appID != 0 {
		pem, err := os.ReadFile(keyPath)
		if err != nil {
			return nil, fmt.Errorf("чтение приватного ключа GitHub App: %w", err)
		}
		key, err := jwt.ParseRSAPrivateKeyFromPEM(pem)
		if err != nil {
			return nil, fmt.Errorf("разбор приватного ключа GitHub App: %w", err)
		}
		f.privateKey = key
	}

	return f, nil
}

// ClientFor возвращает клиент для репозитория аллокатора.
// installationID = 0 допустим только при настроенном fallback token.
func (f *Factory) ClientFor(ctx context.Context, owner, repo string, installationID int64) (*Client, error) {
	token, err := f.tokenFor(ctx, installationID)
	if err != nil {
		return nil, err
	}

	gh, err := f.newGithubClient(ctx, token)
	if err != nil {
		return nil, err
	}

	return &Client{
		gh:     gh,
		owner:  owner,
		repo:   repo,
		logger: f.logger.With(slog.String("repo", owner+"/"+repo)),
	}, nil
}

// tokenFor возвращает актуальный token для установки, обновляя при
// необходимости. Token обновляется за 30 секунд до истечения.
func (f *Factory) tokenFor(ctx context.Context, installationID int64) (string, error) {
	if f.appID == 0 || installationID == 0 {
		if f.staticToken == "" {
			return "", fmt.Errorf("GitHub App не настроен и fallback token отсутствует")
		}
		return f.staticToken, nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	// Проверяем кэш: если token валиден ещё 30 секунд — используем его
	if cached, ok := f.tokens[installationID]; ok && time.Now().Add(30*time.Second).Before(cached.expiry) {
		return cached.token, nil
	}

	token, expiry, err := f.requestInstallationToken(ctx, installationID)
	if err != nil {
		return "", err
	}

	f.tokens[installationID] = cachedToken{token: token, expiry: expiry}

	f.logger.Debug("Installation token обновлён",
		slog.Int64("installation_id", installationID),
		slog.Time("expires_at", expiry),
	)

	return token, nil
}

// requestInstallationToken обменивает app JWT на installation token.
func (f *Factory) requestInstallationToken(ctx context.Context, installationID int64) (string, time.Time, error) {
	appJWT, err := f.signAppJWT()
	if err != nil {
		return "", time.Time{}, err
	}

	gh, err := f.newGithubClient(ctx, appJWT)
	if err != nil {
		return "", time.Time{}, err
	}

	token, _, err := gh.Apps.CreateInstallationToken(ctx, installationID, &github.InstallationTokenOptions{})
	if err != nil {
		return "", time.Time{}, fmt.Errorf("получение installation token (установка %d): %w", installationID, err)
	}

	return token.GetToken(), token.GetExpiresAt().Time, nil
}

// signAppJWT подписывает короткоживущий app JWT (RS256).
// iat сдвинут на минуту назад из-за возможного расхождения часов.
func (f *Factory) signAppJWT() (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    strconv.FormatInt(f.appID, 10),
		IssuedAt:  jwt.NewNumericDate(now.Add(-time.Minute)),
		ExpiresAt: jwt.NewNumericDate(now.Add(9 * time.Minute)),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(f.privateKey)
	if err != nil {
		return "", fmt.Errorf("подпись app JWT: %w", err)
	}
	return signed, nil
}

// newGithubClient создаёт go-github клиент с bearer token
// и базовым URL из конфигурации (переопределяется в тестах).
func (f *Factory) newGithubClient(ctx context.Context, token string) (*github.Client, error) {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	gh := github.NewClient(oauth2.NewClient(ctx, ts))

	if f.apiURL != "" && f.apiURL != "https://api.github.com" {
		base, err := url.Parse(f.apiURL + "/")
		if err != nil {
			return nil, fmt.Errorf("разбор URL GitHub API: %w", err)
		}
		gh.BaseURL = base
	}

	return gh, nil
}
