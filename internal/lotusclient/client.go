// Пакет lotusclient — JSON-RPC клиент узла Lotus.
// Операции: состояние multisig-актора (порог и подписанты)
// и разрешение ID-адреса в публичный адрес.
package lotusclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Client — JSON-RPC клиент узла Lotus.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
}

// New создаёт клиент Lotus. token может быть пустым (публичный узел).
func New(baseURL, token string, logger *slog.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger.With(slog.String("component", "lotus_client")),
	}
}

// MultisigState — порог и подписанты multisig-актора on-chain.
type MultisigState struct {
	Threshold int
	Signers   []string
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
	ID      int    `json:"id"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
	ID      int             `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// call выполняет JSON-RPC вызов и декодирует result в out.
func (c *Client) call(ctx context.Context, method string, params []any, out any) error {
	payload, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      1,
	})
	if err != nil {
		return fmt.Errorf("сериализация запроса %s: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("создание запроса %s: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("запрос %s к узлу Lotus: %w", method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("узел Lotus вернул статус %d на %s: %s", resp.StatusCode, method, string(body))
	}

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("декодирование ответа %s: %w", method, err)
	}
	if rpcResp.Error != nil {
		return fmt.Errorf("узел Lotus вернул ошибку на %s: %s (код %d)",
			method, rpcResp.Error.Message, rpcResp.Error.Code)
	}

	if out != nil {
		if err := json.Unmarshal(rpcResp.Result, out); err != nil {
			return fmt.Errorf("декодирование result %s: %w", method, err)
		}
	}
	return nil
}

// GetMultisigState возвращает порог подписей и подписантов multisig-актора.
// Filecoin.StateReadState по адресу актора, tipset — голова цепи (null).
func (c *Client) GetMultisigState(ctx context.Context, address string) (*MultisigState, error) {
	var result struct {
		State struct {
			NumApprovalsThreshold int      `json:"NumApprovalsThreshold"`
			Signers               []string `json:"Signers"`
		} `json:"State"`
	}

	if err := c.call(ctx, "Filecoin.StateReadState", []any{address, nil}, &result); err != nil {
		return nil, fmt.Errorf("чтение состояния multisig %s: %w", address, err)
	}

	if result.State.NumApprovalsThreshold == 0 {
		return nil, fmt.Errorf("актор %s не является multisig (порог отсутствует)", address)
	}

	c.logger.Debug("Состояние multisig получено",
		slog.String("address", address),
		slog.Int("threshold", result.State.NumApprovalsThreshold),
		slog.Int("signers", len(result.State.Signers)),
	)

	return &MultisigState{
		Threshold: result.State.NumApprovalsThreshold,
		Signers:   result.State.Signers,
	}, nil
}

// ResolveAccountKey разрешает ID-адрес (f0...) в публичный адрес ключа.
// Filecoin.StateAccountKey.
func (c *Client) ResolveAccountKey(ctx context.Context, idAddress string) (string, error) {
	var result string
	if err := c.call(ctx, "Filecoin.StateAccountKey", []any{idAddress, nil}, &result); err != nil {
		return "", fmt.Errorf("разрешение адреса %s: %w", idAddress, err)
	}
	return result, nil
}

// CheckReady проверяет доступность узла Lotus (Filecoin.Version).
// Формат ответа соответствует контракту dephealth-проверок.
func (c *Client) CheckReady() (string, string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var result struct {
		Version string `json:"Version"`
	}
	if err := c.call(ctx, "Filecoin.Version", []any{}, &result); err != nil {
		return "error", fmt.Sprintf("узел Lotus недоступен: %v", err)
	}
	return "ok", ""
}
