package client

import (
	"context"

	"github.com/Sternrassler/ledgerscan/pkg/accounts"
	"github.com/Sternrassler/ledgerscan/pkg/ledger"
)

var (
	_ ledger.Source      = (*Client)(nil)
	_ accounts.Connector = (*Client)(nil)
)

// Connect opens a channel set backed by its own HTTP transport, so every
// batch of the joiner holds its own connections. Release closes them.
func (c *Client) Connect(ctx context.Context) (*accounts.Channels, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	conn := c.clone()
	return &accounts.Channels{
		Bank:         conn,
		Distribution: conn,
		Staking:      conn,
		Release:      conn.httpClient.CloseIdleConnections,
	}, nil
}
