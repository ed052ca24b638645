// Package client is the Go client for the lodestar wire protocol. One client
// wraps one TCP connection; it is not safe for concurrent use.
package client

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/lodestardb/lodestar/internal/wire"
)

// ErrNotFound reports a missing key on GET, DELETE, or VCLOCK.
var ErrNotFound = errors.New("client: key not found")

// RedirectError reports a write rejected by a non-leader, carrying the hint.
type RedirectError struct {
	LeaderID string
	Message  string
}

func (e *RedirectError) Error() string { return e.Message }

// Client is a connected protocol client.
type Client struct {
	conn net.Conn
}

// Dial connects to a node's client endpoint.
func Dial(addr string, timeout time.Duration) (*Client, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the connection.
func (c *Client) Close() error { return c.conn.Close() }

// Do sends one request and reads its response.
func (c *Client) Do(req *wire.Request) (*wire.Response, error) {
	if err := wire.WriteMessage(c.conn, req); err != nil {
		return nil, err
	}
	var resp wire.Response
	if err := wire.ReadMessage(c.conn, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) checkedDo(req *wire.Request) (*wire.Response, error) {
	resp, err := c.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.Status != wire.StatusOK {
		if resp.Leader != "" {
			return nil, &RedirectError{LeaderID: resp.Leader, Message: resp.ErrorMessage}
		}
		return nil, errors.New(resp.ErrorMessage)
	}
	return resp, nil
}

// Ping checks liveness.
func (c *Client) Ping() error {
	_, err := c.checkedDo(&wire.Request{Cmd: wire.CmdPing})
	return err
}

// Get fetches a key. Missing keys return ErrNotFound.
func (c *Client) Get(key string) (string, error) {
	resp, err := c.Do(&wire.Request{Cmd: wire.CmdGet, Key: key})
	if err != nil {
		return "", err
	}
	if resp.Status != wire.StatusOK {
		return "", ErrNotFound
	}
	if resp.Value == nil {
		return "", nil
	}
	return *resp.Value, nil
}

// Set writes a key. The call returns only after the write is durable on the
// serving node (and, under consensus, committed).
func (c *Client) Set(key, value string) error {
	_, err := c.checkedDo(&wire.Request{Cmd: wire.CmdSet, Key: key, Value: value})
	return err
}

// Delete removes a key. Missing keys error.
func (c *Client) Delete(key string) error {
	_, err := c.checkedDo(&wire.Request{Cmd: wire.CmdDelete, Key: key})
	return err
}

// BulkSet writes all items atomically.
func (c *Client) BulkSet(items []wire.Item) error {
	_, err := c.checkedDo(&wire.Request{Cmd: wire.CmdBulkSet, Items: items})
	return err
}

// VClock returns a key's vector clock (masterless mode only).
func (c *Client) VClock(key string) (map[string]uint64, error) {
	resp, err := c.checkedDo(&wire.Request{Cmd: wire.CmdVClock, Key: key})
	if err != nil {
		return nil, err
	}
	return resp.Clock, nil
}

// Conflicts returns the node's recent conflict resolutions (masterless mode).
func (c *Client) Conflicts() ([]wire.Conflict, error) {
	resp, err := c.checkedDo(&wire.Request{Cmd: wire.CmdConflicts})
	if err != nil {
		return nil, err
	}
	return resp.Conflicts, nil
}
