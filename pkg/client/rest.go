package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/holiman/uint256"

	"github.com/Sternrassler/ledgerscan/pkg/accounts"
	"github.com/Sternrassler/ledgerscan/pkg/batch"
	"github.com/Sternrassler/ledgerscan/pkg/ledger"
	"github.com/Sternrassler/ledgerscan/pkg/rangeplan"
	"github.com/Sternrassler/ledgerscan/pkg/retry"
)

// decPrecision is the number of fractional digits in a Cosmos SDK Dec.
const decPrecision = 18

type coinJSON struct {
	Denom  string `json:"denom"`
	Amount string `json:"amount"`
}

type pageJSON struct {
	NextKey *string `json:"next_key"`
	Total   uint64  `json:"total,string"`
}

// Balance returns the bank balance of address in denom. It returns nil when
// the gateway reports no balance.
func (c *Client) Balance(ctx context.Context, address, denom string) (*ledger.Coin, error) {
	var resp struct {
		Balance *coinJSON `json:"balance"`
	}
	path := "/cosmos/bank/v1beta1/balances/" + url.PathEscape(address) + "/by_denom"
	if err := c.getJSON(ctx, "rest:bank_balance", path, url.Values{"denom": {denom}}, &resp); err != nil {
		return nil, fmt.Errorf("balance of %s: %w", address, err)
	}
	if resp.Balance == nil {
		return nil, nil
	}

	amount, err := parseInt(resp.Balance.Amount)
	if err != nil {
		return nil, fmt.Errorf("%w: balance of %s: %v", ErrInvalidResponse, address, err)
	}
	return &ledger.Coin{Denom: resp.Balance.Denom, Amount: *amount}, nil
}

// DelegationRewards returns the total pending rewards of a delegator. The
// gateway renders them as decimals; amounts are returned as 10^18 fixed point.
func (c *Client) DelegationRewards(ctx context.Context, address string) ([]ledger.Coin, error) {
	var resp struct {
		Total []coinJSON `json:"total"`
	}
	path := "/cosmos/distribution/v1beta1/delegators/" + url.PathEscape(address) + "/rewards"
	if err := c.getJSON(ctx, "rest:distribution_rewards", path, nil, &resp); err != nil {
		return nil, fmt.Errorf("rewards of %s: %w", address, err)
	}

	out := make([]ledger.Coin, 0, len(resp.Total))
	for _, dc := range resp.Total {
		amount, err := parseDec(dc.Amount)
		if err != nil {
			return nil, fmt.Errorf("%w: rewards of %s: %v", ErrInvalidResponse, address, err)
		}
		out = append(out, ledger.Coin{Denom: dc.Denom, Amount: *amount})
	}
	return out, nil
}

// Delegations returns every delegation of address, following key pagination.
func (c *Client) Delegations(ctx context.Context, address string) ([]ledger.DelegationResponse, error) {
	path := "/cosmos/staking/v1beta1/delegations/" + url.PathEscape(address)
	var out []ledger.DelegationResponse
	query := url.Values{}

	for {
		var resp struct {
			DelegationResponses []struct {
				Delegation struct {
					DelegatorAddress string `json:"delegator_address"`
					ValidatorAddress string `json:"validator_address"`
				} `json:"delegation"`
				Balance *coinJSON `json:"balance"`
			} `json:"delegation_responses"`
			Pagination pageJSON `json:"pagination"`
		}
		if err := c.getJSON(ctx, "rest:staking_delegations", path, query, &resp); err != nil {
			return nil, fmt.Errorf("delegations of %s: %w", address, err)
		}

		for _, dr := range resp.DelegationResponses {
			d := ledger.DelegationResponse{
				DelegatorAddress: dr.Delegation.DelegatorAddress,
				ValidatorAddress: dr.Delegation.ValidatorAddress,
			}
			if dr.Balance != nil {
				amount, err := parseInt(dr.Balance.Amount)
				if err != nil {
					return nil, fmt.Errorf("%w: delegation of %s: %v", ErrInvalidResponse, address, err)
				}
				d.Balance = &ledger.Coin{Denom: dr.Balance.Denom, Amount: *amount}
			}
			out = append(out, d)
		}

		if resp.Pagination.NextKey == nil || *resp.Pagination.NextKey == "" {
			break
		}
		query = url.Values{"pagination.key": {*resp.Pagination.NextKey}}
	}

	if out == nil {
		out = []ledger.DelegationResponse{}
	}
	return out, nil
}

type accountJSON struct {
	Address     string `json:"address"`
	BaseAccount *struct {
		Address string `json:"address"`
	} `json:"base_account"`
	BaseVestingAccount *struct {
		BaseAccount *struct {
			Address string `json:"address"`
		} `json:"base_account"`
	} `json:"base_vesting_account"`
}

func (a accountJSON) address() string {
	switch {
	case a.Address != "":
		return a.Address
	case a.BaseAccount != nil && a.BaseAccount.Address != "":
		return a.BaseAccount.Address
	case a.BaseVestingAccount != nil && a.BaseVestingAccount.BaseAccount != nil:
		return a.BaseVestingAccount.BaseAccount.Address
	default:
		return ""
	}
}

type accountsPage struct {
	Accounts   []json.RawMessage `json:"accounts"`
	Pagination pageJSON          `json:"pagination"`
}

func (c *Client) accountsAt(ctx context.Context, offset, limit uint64, countTotal bool) (accountsPage, error) {
	query := url.Values{
		"pagination.offset": {strconv.FormatUint(offset, 10)},
		"pagination.limit":  {strconv.FormatUint(limit, 10)},
	}
	if countTotal {
		query.Set("pagination.count_total", "true")
	}
	var page accountsPage
	if err := c.getJSON(ctx, "rest:auth_accounts", "/cosmos/auth/v1beta1/accounts", query, &page); err != nil {
		return accountsPage{}, fmt.Errorf("accounts at offset %d: %w", offset, err)
	}
	return page, nil
}

// ListAccounts enumerates every account on chain. The first page reports the
// total; the remaining pages are fetched in parallel by offset.
func (c *Client) ListAccounts(ctx context.Context) ([]accounts.AccountQuery, error) {
	limit := uint64(c.config.AccountsPageSize)

	first, err := c.accountsAt(ctx, 0, limit, true)
	if err != nil {
		return nil, err
	}

	pages := [][]json.RawMessage{first.Accounts}
	total := first.Pagination.Total
	if total > limit {
		chunks, err := rangeplan.Plan(rangeplan.Range{Start: limit, End: total}, limit, rangeplan.Ascending)
		if err != nil {
			return nil, err
		}

		exec := batch.New[[]json.RawMessage](batch.Config{
			Name:           "accounts",
			MaxConcurrency: 4,
			Failure:        batch.FailRetry,
			Retry:          retry.ChunkPolicy(),
			Timeout:        c.config.Timeout * 2,
		}, nil)

		outcomes, _, err := exec.Run(ctx, chunks, func(ctx context.Context, chunk rangeplan.Range) ([]json.RawMessage, error) {
			page, err := c.accountsAt(ctx, chunk.Start, chunk.Len(), false)
			if err != nil {
				return nil, err
			}
			return page.Accounts, nil
		})
		if err != nil {
			return nil, fmt.Errorf("list accounts: %w", err)
		}
		for _, o := range outcomes {
			if o.Err != nil {
				return nil, fmt.Errorf("list accounts page %s: %w", o.Chunk, o.Err)
			}
			pages = append(pages, o.Value)
		}
	}

	out := make([]accounts.AccountQuery, 0, total)
	for _, page := range pages {
		for _, raw := range page {
			var acct accountJSON
			if err := json.Unmarshal(raw, &acct); err != nil {
				return nil, fmt.Errorf("%w: account: %v", ErrInvalidResponse, err)
			}
			addr := acct.address()
			if addr == "" {
				c.logger.Debug().RawJSON("account", raw).Msg("Skipping account without address")
				continue
			}
			out = append(out, accounts.AccountQuery{Address: addr})
		}
	}

	c.logger.Info().Int("accounts", len(out)).Msg("Enumerated accounts")
	return out, nil
}

// parseInt parses a non-negative decimal integer.
func parseInt(s string) (*uint256.Int, error) {
	if s == "" {
		return new(uint256.Int), nil
	}
	s = strings.TrimLeft(s, "0")
	if s == "" {
		return new(uint256.Int), nil
	}
	return uint256.FromDecimal(s)
}

// parseDec converts a Cosmos Dec string ("12.5") into its 10^18 fixed-point integer.
func parseDec(s string) (*uint256.Int, error) {
	whole, frac, _ := strings.Cut(s, ".")
	if len(frac) > decPrecision {
		return nil, fmt.Errorf("decimal %q exceeds %d fractional digits", s, decPrecision)
	}
	if strings.ContainsAny(whole+frac, "+-") {
		return nil, fmt.Errorf("decimal %q must be unsigned", s)
	}
	return parseInt(whole + frac + strings.Repeat("0", decPrecision-len(frac)))
}
