// Package ledger is the client for the authoritative mission ledger gateway
// (JSON-RPC 2.0). The ledger, not this client, arbitrates claim races.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/missionfleet/internal/identity"
	"github.com/3cpo-dev/missionfleet/internal/providers"
)

// ErrClaimLost means another identity holds the mission.
var ErrClaimLost = errors.New("mission already claimed")

// ErrReverted is returned for any other reverted write.
var ErrReverted = errors.New("transaction reverted")

const codeAlreadyClaimed = -32010

// Receipt statuses.
const (
	StatusPending  = "pending"
	StatusSuccess  = "success"
	StatusReverted = "reverted"
)

// RPCError is a JSON-RPC error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Receipt is the final (or pending) state of a write.
type Receipt struct {
	TxHash string `json:"txHash"`
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// Client is safe for concurrent use; writes are signed per call by the
// identity passed in, so no signing state lives here.
//
// Reads go through the retrying client. Writes are sent exactly once: a
// resent claim or transfer could be committed twice.
type Client struct {
	url            string
	http           *providers.RetryableHTTPClient
	writes         *providers.RetryableHTTPClient
	pollInterval   time.Duration
	confirmTimeout time.Duration
	now            func() time.Time
}

// Option customizes the client.
type Option func(*Client)

// WithConfirmation sets how receipts are polled after a write.
func WithConfirmation(poll, timeout time.Duration) Option {
	return func(c *Client) {
		if poll > 0 {
			c.pollInterval = poll
		}
		if timeout > 0 {
			c.confirmTimeout = timeout
		}
	}
}

func New(url string, http *providers.RetryableHTTPClient, opts ...Option) *Client {
	c := &Client{
		url:            url,
		http:           http,
		writes:         http.WithoutRetries(),
		pollInterval:   2 * time.Second,
		confirmTimeout: 60 * time.Second,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse[T any] struct {
	Result T         `json:"result"`
	Error  *RPCError `json:"error"`
}

func call[T any](ctx context.Context, h *providers.RetryableHTTPClient, url, method string, params any) (T, error) {
	var resp rpcResponse[T]
	req := rpcRequest{JSONRPC: "2.0", ID: uuid.NewString(), Method: method, Params: []any{params}}
	if err := h.DoJSON(ctx, "POST", url, req, &resp, nil); err != nil {
		var zero T
		return zero, fmt.Errorf("%s: %w", method, err)
	}
	if resp.Error != nil {
		var zero T
		return zero, fmt.Errorf("%s: %w", method, resp.Error)
	}
	return resp.Result, nil
}

type writeParams struct {
	From      string `json:"from"`
	PublicKey string `json:"publicKey"`
	Signature string `json:"signature"`
	Timestamp int64  `json:"timestamp"`
	Args      any    `json:"args"`
}

func (c *Client) send(ctx context.Context, id *identity.Identity, method string, args any) (string, error) {
	ts := c.now()
	sig, err := id.SignAction(method, args, ts)
	if err != nil {
		return "", err
	}
	res, err := call[struct {
		TxHash string `json:"txHash"`
	}](ctx, c.writes, c.url, method, writeParams{
		From:      id.Address,
		PublicKey: id.PublicKeyHex(),
		Signature: sig,
		Timestamp: ts.UnixMilli(),
		Args:      args,
	})
	if err != nil {
		return "", err
	}
	if res.TxHash == "" {
		return "", fmt.Errorf("%s: empty transaction hash", method)
	}
	return res.TxHash, nil
}

// IsClaimed reads the mission's claim status directly from the ledger.
func (c *Client) IsClaimed(ctx context.Context, missionID string) (bool, error) {
	res, err := call[struct {
		Claimed bool `json:"claimed"`
	}](ctx, c.http, c.url, "ledger_isClaimed", map[string]string{"missionId": missionID})
	return res.Claimed, err
}

// IsMember reports whether address belongs to guild.
func (c *Client) IsMember(ctx context.Context, address string, guild uint64) (bool, error) {
	res, err := call[struct {
		Member bool `json:"member"`
	}](ctx, c.http, c.url, "ledger_isMember", map[string]any{"address": address, "guildId": guild})
	return res.Member, err
}

// Balance returns the spendable native balance of address.
func (c *Client) Balance(ctx context.Context, address string) (float64, error) {
	res, err := call[struct {
		Balance string `json:"balance"`
	}](ctx, c.http, c.url, "ledger_getBalance", map[string]string{"address": address})
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseFloat(res.Balance, 64)
	if err != nil {
		return 0, fmt.Errorf("parse balance %q: %w", res.Balance, err)
	}
	return v, nil
}

// Receipt returns the current receipt of a transaction.
func (c *Client) Receipt(ctx context.Context, txHash string) (Receipt, error) {
	return call[Receipt](ctx, c.http, c.url, "ledger_getReceipt", map[string]string{"txHash": txHash})
}

// WaitForReceipt polls until the transaction is final or the confirmation timeout expires.
func (c *Client) WaitForReceipt(ctx context.Context, txHash string) (Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, c.confirmTimeout)
	defer cancel()
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		r, err := c.Receipt(ctx, txHash)
		if err == nil && r.Status != "" && r.Status != StatusPending {
			return r, nil
		}
		if err != nil {
			log.Debug().Err(err).Str("tx", txHash).Msg("Receipt not available yet")
		}
		select {
		case <-ctx.Done():
			return Receipt{}, fmt.Errorf("wait for %s: %w", txHash, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (c *Client) sendAndConfirm(ctx context.Context, id *identity.Identity, method string, args any) (Receipt, error) {
	tx, err := c.send(ctx, id, method, args)
	if err != nil {
		return Receipt{}, err
	}
	r, err := c.WaitForReceipt(ctx, tx)
	if err != nil {
		return Receipt{}, err
	}
	if r.Status == StatusReverted {
		return r, fmt.Errorf("%s %s: %w: %s", method, tx, ErrReverted, r.Reason)
	}
	return r, nil
}

// ClaimMission records id as the mission's claimant. ErrClaimLost means another
// identity won the race.
//
// When the outcome is unclear (lost response, unconfirmed receipt, or a
// conflict that may be our own earlier write) the claimant is read back so a
// claim the ledger holds for id is never reported as lost.
func (c *Client) ClaimMission(ctx context.Context, id *identity.Identity, missionID string) error {
	r, err := c.sendAndConfirm(ctx, id, "ledger_claimMission", map[string]string{"missionId": missionID})
	if err == nil {
		return nil
	}
	lost := false
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) && rpcErr.Code == codeAlreadyClaimed {
		lost = true
	}
	if r.Status == StatusReverted && strings.Contains(strings.ToLower(r.Reason), "claimed") {
		lost = true
	}

	holder, herr := c.Claimant(ctx, missionID)
	switch {
	case herr == nil && strings.EqualFold(holder, id.Address):
		log.Debug().Err(err).Str("mission", missionID).Msg("Claim outcome unclear, ledger shows it as ours")
		return nil
	case lost, herr == nil && holder != "":
		return fmt.Errorf("%w: %s", ErrClaimLost, missionID)
	}
	return err
}

// Claimant returns the address holding the mission, or "" when unclaimed.
func (c *Client) Claimant(ctx context.Context, missionID string) (string, error) {
	res, err := call[struct {
		Claimant string `json:"claimant"`
	}](ctx, c.http, c.url, "ledger_getClaimant", map[string]string{"missionId": missionID})
	return res.Claimant, err
}

// JoinGuild registers id as a member of guild.
func (c *Client) JoinGuild(ctx context.Context, id *identity.Identity, guild uint64) error {
	_, err := c.sendAndConfirm(ctx, id, "ledger_joinGuild", map[string]any{"guildId": guild})
	return err
}

// SendFunds transfers amount native units from one identity to an address and
// returns the transaction hash without waiting for confirmation.
func (c *Client) SendFunds(ctx context.Context, from *identity.Identity, to string, amount float64) (string, error) {
	return c.send(ctx, from, "ledger_sendFunds", map[string]string{
		"to":     to,
		"amount": strconv.FormatFloat(amount, 'f', -1, 64),
	})
}
