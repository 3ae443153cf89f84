package chainrpc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"

	"github.com/withObsrvr/ttp-processor-demo/memo-indexer/logging"
)

const (
	// DefaultPageSize is the getProgramAccountsV2 page limit
	DefaultPageSize = 1000

	methodProgramAccountsV2 = "getProgramAccountsV2"
)

// ProgramAccount is one program-owned account as returned by enumeration
type ProgramAccount struct {
	Key  string
	Data []byte
}

// Options tunes the client
type Options struct {
	PageSize     int
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// Client reads chain state over Solana JSON-RPC
type Client struct {
	rpc       *rpc.Client
	programID solana.PublicKey
	logger    *logging.ComponentLogger
	opts      Options
}

// New creates a client for endpoint scoped to programID
func New(endpoint string, programID string, logger *logging.ComponentLogger, opts Options) (*Client, error) {
	pid, err := solana.PublicKeyFromBase58(programID)
	if err != nil {
		return nil, fmt.Errorf("invalid program id: %w", err)
	}
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.InitialDelay <= 0 {
		opts.InitialDelay = 250 * time.Millisecond
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = 5 * time.Second
	}

	return &Client{
		rpc:       rpc.New(endpoint),
		programID: pid,
		logger:    logger,
		opts:      opts,
	}, nil
}

// GetSlot returns the current confirmed slot
func (c *Client) GetSlot(ctx context.Context) (uint64, error) {
	var slot uint64
	err := c.retry(ctx, "getSlot", func() error {
		s, err := c.rpc.GetSlot(ctx, rpc.CommitmentConfirmed)
		if err != nil {
			return err
		}
		slot = s
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("getSlot failed: %w", err)
	}
	return slot, nil
}

// GetProgramAccounts enumerates every account owned by the program
func (c *Client) GetProgramAccounts(ctx context.Context) ([]ProgramAccount, error) {
	var out rpc.GetProgramAccountsResult
	err := c.retry(ctx, "getProgramAccounts", func() error {
		res, err := c.rpc.GetProgramAccountsWithOpts(ctx, c.programID, &rpc.GetProgramAccountsOpts{
			Commitment: rpc.CommitmentConfirmed,
			Encoding:   solana.EncodingBase64,
		})
		if err != nil {
			return err
		}
		out = res
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("getProgramAccounts failed: %w", err)
	}
	return toProgramAccounts(out), nil
}

type programAccountsV2Result struct {
	Accounts      []*rpc.KeyedAccount `json:"accounts"`
	PaginationKey *string             `json:"paginationKey"`
}

// GetProgramAccountsChangedSince enumerates accounts modified after
// sinceSlot, following pagination to the end. sinceSlot 0 means no lower
// bound. Requires an endpoint that serves getProgramAccountsV2.
func (c *Client) GetProgramAccountsChangedSince(ctx context.Context, sinceSlot uint64) ([]ProgramAccount, error) {
	var accounts []ProgramAccount
	var paginationKey string

	for page := 1; ; page++ {
		params := map[string]interface{}{
			"encoding":   solana.EncodingBase64,
			"commitment": rpc.CommitmentConfirmed,
			"limit":      c.opts.PageSize,
		}
		if sinceSlot > 0 {
			params["changedSinceSlot"] = sinceSlot
		}
		if paginationKey != "" {
			params["paginationKey"] = paginationKey
		}

		var res programAccountsV2Result
		err := c.retry(ctx, methodProgramAccountsV2, func() error {
			res = programAccountsV2Result{}
			return c.rpc.RPCCallForInto(ctx, &res, methodProgramAccountsV2, []interface{}{c.programID.String(), params})
		})
		if err != nil {
			return nil, fmt.Errorf("%s page %d failed: %w", methodProgramAccountsV2, page, err)
		}

		accounts = append(accounts, toProgramAccounts(res.Accounts)...)
		c.logger.Debug().
			Int("page", page).
			Int("page_accounts", len(res.Accounts)).
			Uint64("changed_since_slot", sinceSlot).
			Msg("Fetched program accounts page")

		if res.PaginationKey == nil || *res.PaginationKey == "" || len(res.Accounts) == 0 {
			return accounts, nil
		}
		paginationKey = *res.PaginationKey
	}
}

func toProgramAccounts(in []*rpc.KeyedAccount) []ProgramAccount {
	out := make([]ProgramAccount, 0, len(in))
	for _, ka := range in {
		if ka == nil || ka.Account == nil || ka.Account.Data == nil {
			continue
		}
		out = append(out, ProgramAccount{
			Key:  ka.Pubkey.String(),
			Data: ka.Account.Data.GetBinary(),
		})
	}
	return out
}

// retry runs fn with exponential backoff. JSON-RPC errors returned by the
// node are not retried.
func (c *Client) retry(ctx context.Context, operation string, fn func() error) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.opts.InitialDelay
	eb.MaxInterval = c.opts.MaxDelay
	eb.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(c.opts.MaxAttempts-1)), ctx)

	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		err := fn()
		var rpcErr *jsonrpc.RPCError
		if errors.As(err, &rpcErr) {
			return backoff.Permanent(err)
		}
		return err
	}, policy, func(err error, delay time.Duration) {
		c.logger.Warn().
			Str("operation", operation).
			Int("attempt", attempt).
			Dur("delay", delay).
			Err(err).
			Msg("RPC call failed, retrying")
	})
	if err == nil && attempt > 1 {
		c.logger.Info().
			Str("operation", operation).
			Int("attempts", attempt).
			Msg("Operation succeeded after retry")
	}
	return err
}
