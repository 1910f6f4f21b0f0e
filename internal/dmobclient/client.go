// Пакет dmobclient — HTTP-клиент API данных блокчейна (allowance
// верифицированных клиентов). Используется при проверке refill.
package dmobclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Client — HTTP-клиент API allowance.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

// New создаёт клиент API allowance.
func New(baseURL, apiKey string, logger *slog.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger.With(slog.String("component", "dmob_client")),
	}
}

// allowanceResponse — ответ GET /getAllowanceForAddress/{address}.
type allowanceResponse struct {
	Type      string `json:"type"`
	Allowance string `json:"allowance"`
	Message   string `json:"message"`
}

// GetAllowanceForAddress возвращает остаток allowance адреса в байтах
// (десятичная строка). Адрес без allowance — ошибка с текстом API.
func (c *Client) GetAllowanceForAddress(ctx context.Context, address string) (string, error) {
	reqURL := c.baseURL + "/getAllowanceForAddress/" + address

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return "", fmt.Errorf("создание запроса allowance: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("X-api-key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("запрос allowance для %s: %w", address, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("API allowance вернул статус %d для %s: %s",
			resp.StatusCode, address, string(body))
	}

	var allowance allowanceResponse
	if err := json.NewDecoder(resp.Body).Decode(&allowance); err != nil {
		return "", fmt.Errorf("декодирование ответа allowance: %w", err)
	}

	if allowance.Type != "verifiedClient" {
		return "", fmt.Errorf("адрес %s не верифицирован: %s", address, allowance.Message)
	}

	c.logger.Debug("Allowance получен",
		slog.String("address", address),
		slog.String("allowance", allowance.Allowance),
	)

	return allowance.Allowance, nil
}
