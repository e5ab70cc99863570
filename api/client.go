package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net"

	"github.com/efficientgo/core/errors"
)

// Client talks to a control plane server.
type Client struct {
	Address string
	Dialer  net.Dialer
}

// Do sends one request and returns the server's response.
func (c *Client) Do(ctx context.Context, req Request) (Response, error) {
	conn, err := c.Dialer.DialContext(ctx, "tcp", c.Address)
	if err != nil {
		return Response{}, errors.Wrapf(err, "failed to connect to control plane at %s", c.Address)
	}
	defer func() { _ = conn.Close() }()
	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return Response{}, err
		}
	}

	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return Response{}, errors.Wrap(err, "failed to send request")
	}
	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		return Response{}, errors.Wrap(err, "failed to read response")
	}
	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return Response{}, errors.Wrapf(err, "malformed response %q", line)
	}
	return resp, nil
}

func (c *Client) check(ctx context.Context, req Request) error {
	resp, err := c.Do(ctx, req)
	if err != nil {
		return err
	}
	if resp.Status != StatusOk {
		return errors.Newf("%s %s: %s", req.Type, req.Name, resp.Message)
	}
	return nil
}

// Add asks adapter name for a new disk of sizeMB megabytes.
func (c *Client) Add(ctx context.Context, name string, sizeMB int) error {
	return c.check(ctx, Request{Name: name, Size: sizeMB, Type: TypeAdd})
}

// Delete asks for all disks of adapter name to be removed.
func (c *Client) Delete(ctx context.Context, name string) error {
	return c.check(ctx, Request{Name: name, Type: TypeDelete})
}
