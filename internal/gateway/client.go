// Package gateway предоставляет клиент для внешнего платёжного шлюза.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	neturl "net/url"
	"strings"
	"time"
)

// ErrTransactionNotFound возвращается, если шлюз не знает указанную транзакцию.
var ErrTransactionNotFound = errors.New("gateway transaction not found")

// Client инкапсулирует HTTP-взаимодействие с платёжным шлюзом.
type Client struct {
	baseURL    string
	serverKey  string
	httpClient *http.Client
}

// TransactionDetails содержит идентификатор и сумму транзакции для шлюза.
type TransactionDetails struct {
	OrderID     string `json:"order_id"`
	GrossAmount int64  `json:"gross_amount"`
}

// CustomerDetails содержит контактные данные покупателя для шлюза.
type CustomerDetails struct {
	FirstName string `json:"first_name"`
	Email     string `json:"email"`
	Phone     string `json:"phone"`
	Address   string `json:"address,omitempty"`
}

// ItemDetail описывает одну строку детализации транзакции. Сумма всех строк
// должна совпадать с gross_amount.
type ItemDetail struct {
	ID       string `json:"id"`
	Price    int64  `json:"price"`
	Quantity int    `json:"quantity"`
	Name     string `json:"name"`
}

// SessionRequest описывает запрос на создание платёжной сессии.
type SessionRequest struct {
	TransactionDetails TransactionDetails `json:"transaction_details"`
	CustomerDetails    CustomerDetails    `json:"customer_details"`
	ItemDetails        []ItemDetail       `json:"item_details"`
}

// Session описывает созданную платёжную сессию.
type Session struct {
	Token       string `json:"token"`
	RedirectURL string `json:"redirect_url"`
}

// VANumber описывает виртуальный счёт, выданный банком для оплаты.
type VANumber struct {
	Bank     string `json:"bank"`
	VANumber string `json:"va_number"`
}

// TransactionStatus описывает состояние транзакции по данным шлюза.
type TransactionStatus struct {
	OrderID           string     `json:"order_id"`
	TransactionStatus string     `json:"transaction_status"`
	FraudStatus       string     `json:"fraud_status,omitempty"`
	PaymentType       string     `json:"payment_type,omitempty"`
	VANumbers         []VANumber `json:"va_numbers,omitempty"`
	PermataVANumber   string     `json:"permata_va_number,omitempty"`
	BillKey           string     `json:"bill_key,omitempty"`
	BillerCode        string     `json:"biller_code,omitempty"`
	Issuer            string     `json:"issuer,omitempty"`
	Acquirer          string     `json:"acquirer,omitempty"`
}

type errorResponse struct {
	ErrorMessages []string `json:"error_messages"`
}

// NewClient создаёт HTTP-клиент для обращения к платёжному шлюзу по указанному
// адресу с указанным серверным ключом.
func NewClient(baseURL, serverKey string) *Client {
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		serverKey: serverKey,
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

func (c *Client) resolveBase() (string, error) {
	if c == nil || c.baseURL == "" {
		return "", fmt.Errorf("gateway client not configured")
	}

	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "https://" + base
	}

	return base, nil
}

// CreateSession создаёт платёжную сессию и возвращает токен и адрес страницы оплаты.
func (c *Client) CreateSession(ctx context.Context, sr SessionRequest) (*Session, error) {
	base, err := c.resolveBase()
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(sr)
	if err != nil {
		return nil, fmt.Errorf("marshal session request: %w", err)
	}

	url := base + "/snap/v1/transactions"

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(c.serverKey, "")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		var errResp errorResponse
		if decodeErr := json.NewDecoder(resp.Body).Decode(&errResp); decodeErr == nil && len(errResp.ErrorMessages) > 0 {
			return nil, fmt.Errorf("gateway status %d: %s", resp.StatusCode, strings.Join(errResp.ErrorMessages, "; "))
		}
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var session Session
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	if session.Token == "" {
		return nil, fmt.Errorf("gateway returned empty session token")
	}

	return &session, nil
}

// GetTransactionStatus запрашивает у шлюза текущее состояние транзакции по её
// идентификатору.
func (c *Client) GetTransactionStatus(ctx context.Context, orderID string) (*TransactionStatus, error) {
	base, err := c.resolveBase()
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/v2/%s/status", base, neturl.PathEscape(orderID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.SetBasicAuth(c.serverKey, "")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrTransactionNotFound, orderID)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var status TransactionStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return &status, nil
}
