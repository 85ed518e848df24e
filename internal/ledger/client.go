package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/testbtc_custody/internal/tokens"
)

const (
	// ServiceTokenHeader authenticates one service to another.
	ServiceTokenHeader = "X-Service-Token"
	defaultCallTimeout = 10 * time.Second
)

// ErrUnexpectedResponse is returned when the ledger answers with something
// that is neither a result nor a token-standard error.
var ErrUnexpectedResponse = errors.New("unexpected ledger response")

// Client talks to a remote ledger service over HTTP and implements
// TokenLedger. Transport failures are returned as-is and never retried.
type Client struct {
	baseURL string
	token   string
	timeout time.Duration

	mu  sync.Mutex
	fee *tokens.Amount
}

// NewClient builds a client for the ledger service at baseURL.
func NewClient(baseURL, serviceToken string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), token: serviceToken, timeout: timeout}
}

// BalanceOf calls POST /icrc1/balance_of.
func (c *Client) BalanceOf(ctx context.Context, account Account) (tokens.Amount, error) {
	var out struct {
		Balance tokens.Amount `json:"balance"`
	}
	if err := c.call(ctx, fiber.MethodPost, "/icrc1/balance_of", "", account, &out); err != nil {
		return tokens.Amount{}, err
	}
	return out.Balance, nil
}

// Transfer calls POST /icrc1/transfer.
func (c *Client) Transfer(ctx context.Context, caller Principal, args TransferArgs) (uint64, error) {
	return c.result(ctx, "/icrc1/transfer", caller, args)
}

// Approve calls POST /icrc2/approve.
func (c *Client) Approve(ctx context.Context, caller Principal, args ApproveArgs) (uint64, error) {
	return c.result(ctx, "/icrc2/approve", caller, args)
}

// Allowance calls POST /icrc2/allowance.
func (c *Client) Allowance(ctx context.Context, args AllowanceArgs) (Allowance, error) {
	var out Allowance
	if err := c.call(ctx, fiber.MethodPost, "/icrc2/allowance", "", args, &out); err != nil {
		return Allowance{}, err
	}
	return out, nil
}

// TransferFrom calls POST /icrc2/transfer_from.
func (c *Client) TransferFrom(ctx context.Context, caller Principal, args TransferFromArgs) (uint64, error) {
	return c.result(ctx, "/icrc2/transfer_from", caller, args)
}

// Mint calls POST /mint.
func (c *Client) Mint(ctx context.Context, caller Principal, args MintArgs) (uint64, error) {
	return c.result(ctx, "/mint", caller, args)
}

// Fee reads the fee from the ledger metadata once and caches it.
func (c *Client) Fee(ctx context.Context) (tokens.Amount, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fee != nil {
		return *c.fee, nil
	}
	var meta struct {
		Fee tokens.Amount `json:"fee"`
	}
	if err := c.call(ctx, fiber.MethodGet, "/icrc1/metadata", "", nil, &meta); err != nil {
		return tokens.Amount{}, err
	}
	c.fee = &meta.Fee
	return meta.Fee, nil
}

func (c *Client) result(ctx context.Context, path string, caller Principal, args any) (uint64, error) {
	var out resultResponse
	if err := c.call(ctx, fiber.MethodPost, path, caller, args, &out); err != nil {
		return 0, err
	}
	if out.Err != nil {
		return 0, out.Err
	}
	if out.Ok == nil {
		return 0, fmt.Errorf("%w: %s returned neither Ok nor Err", ErrUnexpectedResponse, path)
	}
	return *out.Ok, nil
}

func (c *Client) call(ctx context.Context, method, path string, caller Principal, body, out any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	// Bytes hands the agent back to the pool.
	agent := fiber.AcquireAgent()

	req := agent.Request()
	req.Header.SetMethod(method)
	req.SetRequestURI(c.baseURL + path)
	if c.token != "" {
		agent.Set(ServiceTokenHeader, c.token)
	}
	if caller != "" {
		agent.Set(PrincipalHeader, string(caller))
	}
	if body != nil {
		agent.JSON(body)
	}
	agent.Timeout(c.deadline(ctx))

	if err := agent.Parse(); err != nil {
		fiber.ReleaseAgent(agent)
		return fmt.Errorf("build ledger request %s: %w", path, err)
	}

	status, payload, errs := agent.Bytes()
	if len(errs) > 0 {
		return fmt.Errorf("call ledger %s: %w", path, errors.Join(errs...))
	}

	switch {
	case status == http.StatusOK, status == http.StatusUnprocessableEntity:
		if err := json.Unmarshal(payload, out); err != nil {
			return fmt.Errorf("decode ledger %s response: %w", path, err)
		}
		return nil
	case status == http.StatusServiceUnavailable:
		return TemporarilyUnavailable()
	default:
		return fmt.Errorf("%w: %s returned %d: %s", ErrUnexpectedResponse, path, status, strings.TrimSpace(string(payload)))
	}
}

// deadline shortens the configured timeout to the context deadline.
func (c *Client) deadline(ctx context.Context) time.Duration {
	timeout := c.timeout
	if dl, ok := ctx.Deadline(); ok {
		if remaining := time.Until(dl); remaining < timeout {
			timeout = remaining
		}
	}
	return timeout
}
