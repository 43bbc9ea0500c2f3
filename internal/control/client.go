package control

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
)

// Client is a thin wrapper around a *grpc.ClientConn that always
// negotiates the JSON codec (spec §3.11's hand-wired codec), used by
// cmd/rangzen-ctl.
type Client struct {
	conn *grpc.ClientConn
}

// NewClientFromConn wraps an already-dialed connection.
func NewClientFromConn(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn}
}

func (c *Client) invoke(ctx context.Context, method string, req, resp interface{}) error {
	fullMethod := fmt.Sprintf("/%s/%s", serviceName, method)
	return c.conn.Invoke(ctx, fullMethod, req, resp, grpc.CallContentSubtype("json"))
}

func (c *Client) ForceExchange(ctx context.Context) (*ForceExchangeResponse, error) {
	resp := new(ForceExchangeResponse)
	if err := c.invoke(ctx, "ForceExchange", &ForceExchangeRequest{}, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) SoftForceExchange(ctx context.Context) (*SoftForceExchangeResponse, error) {
	resp := new(SoftForceExchangeResponse)
	if err := c.invoke(ctx, "SoftForceExchange", &SoftForceExchangeRequest{}, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	resp := new(StatusResponse)
	if err := c.invoke(ctx, "Status", &StatusRequest{}, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) ListPeers(ctx context.Context) (*ListPeersResponse, error) {
	resp := new(ListPeersResponse)
	if err := c.invoke(ctx, "ListPeers", &ListPeersRequest{}, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) StoreStats(ctx context.Context) (*StoreStatsResponse, error) {
	resp := new(StoreStatsResponse)
	if err := c.invoke(ctx, "StoreStats", &StoreStatsRequest{}, resp); err != nil {
		return nil, err
	}
	return resp, nil
}
