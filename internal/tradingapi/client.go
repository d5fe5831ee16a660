package tradingapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

const (
	defaultTimeout = 10 * time.Second
	maxBodyBytes   = 64 << 10
)

// Client talks to the trading platform's balance API. Mutations are never
// retried here; the platform does not deduplicate, so a retry decision
// belongs to the caller.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

type Result struct {
	Login   string
	Ticket  string
	Balance decimal.Decimal
	// Parsed is false when the platform answered 2xx with a body we could not read.
	Parsed     bool
	StatusCode int
	Raw        string
}

type Profile struct {
	Login      string          `json:"login"`
	Currency   string          `json:"currency"`
	Balance    decimal.Decimal `json:"balance"`
	Equity     decimal.Decimal `json:"equity"`
	Credit     decimal.Decimal `json:"credit"`
	FreeMargin decimal.Decimal `json:"free_margin"`
}

type mutationRequest struct {
	Amount  string `json:"amount"`
	Comment string `json:"comment"`
}

type mutationResponse struct {
	Login   string          `json:"login"`
	Ticket  string          `json:"ticket"`
	Balance decimal.Decimal `json:"balance"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewClient(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          50,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
	}
}

// Comment appends the idempotency token so platform-side records can be
// matched by hand during reconciliation.
func Comment(comment, token string) string {
	comment = strings.TrimSpace(comment)
	if comment == "" {
		return "[" + token + "]"
	}
	return comment + " [" + token + "]"
}

func (c *Client) AddBalance(ctx context.Context, login string, amount decimal.Decimal, comment string) (Result, error) {
	return c.mutate(ctx, "add", login, amount, comment)
}

func (c *Client) DeductBalance(ctx context.Context, login string, amount decimal.Decimal, comment string) (Result, error) {
	return c.mutate(ctx, "deduct", login, amount, comment)
}

func (c *Client) GetProfile(ctx context.Context, login string) (Profile, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/accounts/"+url.PathEscape(login), nil)
	if err != nil {
		return Profile{}, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return Profile{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return Profile{}, fmt.Errorf("%w: read body: %v", ErrUnavailable, err)
	}
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return Profile{}, rejection(resp.StatusCode, body)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Profile{}, fmt.Errorf("%w: status=%d", ErrUnavailable, resp.StatusCode)
	}
	var profile Profile
	if err := json.Unmarshal(body, &profile); err != nil {
		return Profile{}, fmt.Errorf("%w: decode profile: %v", ErrUnavailable, err)
	}
	if profile.Login == "" {
		profile.Login = login
	}
	return profile, nil
}

func (c *Client) mutate(ctx context.Context, op, login string, amount decimal.Decimal, comment string) (Result, error) {
	if !amount.IsPositive() {
		return Result{}, &RejectedError{StatusCode: 0, Code: CodeInvalidAmount, Message: "amount must be positive"}
	}
	payload, err := json.Marshal(mutationRequest{Amount: amount.StringFixed(2), Comment: comment})
	if err != nil {
		return Result{}, fmt.Errorf("encode %s request: %w", op, err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/accounts/"+url.PathEscape(login)+"/balance/"+op, payload)
	if err != nil {
		return Result{}, err
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		classified := classifyRequestError(ctx, err)
		log.Warn().Err(classified).Str("op", op).Str("login", login).Dur("duration", time.Since(start)).Msg("trading platform call failed")
		return Result{}, classified
	}
	defer resp.Body.Close()

	body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	result := Result{Login: login, StatusCode: resp.StatusCode, Raw: string(body)}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if readErr != nil {
			return result, nil
		}
		var decoded mutationResponse
		if err := json.Unmarshal(body, &decoded); err != nil {
			log.Warn().Err(err).Str("op", op).Str("login", login).Msg("unreadable success body, treating as applied")
			return result, nil
		}
		result.Parsed = true
		result.Ticket = decoded.Ticket
		result.Balance = decoded.Balance
		return result, nil
	case resp.StatusCode == http.StatusRequestTimeout:
		return result, &UnknownOutcomeError{Reason: "request timeout", StatusCode: resp.StatusCode, Body: result.Raw}
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return result, rejection(resp.StatusCode, body)
	default:
		return result, &UnknownOutcomeError{Reason: "server error", StatusCode: resp.StatusCode, Body: result.Raw}
	}
}

func (c *Client) newRequest(ctx context.Context, method, path string, payload []byte) (*http.Request, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build trading platform request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func rejection(status int, body []byte) *RejectedError {
	rejected := &RejectedError{StatusCode: status, Body: string(body)}
	var decoded errorResponse
	if err := json.Unmarshal(body, &decoded); err == nil {
		rejected.Code = decoded.Code
		rejected.Message = decoded.Message
	}
	if rejected.Code == "" {
		switch status {
		case http.StatusNotFound:
			rejected.Code = CodeUnknownLogin
		case http.StatusBadRequest, http.StatusUnprocessableEntity:
			rejected.Code = CodeInvalidAmount
		case http.StatusConflict:
			rejected.Code = CodeInsufficientBalance
		default:
			rejected.Code = http.StatusText(status)
		}
	}
	return rejected
}
