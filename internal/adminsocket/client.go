package adminsocket

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"time"
)

// Client is a thin synchronous request/response wrapper over one control
// socket connection, used by the tgccctl CLI.
type Client struct {
	conn   net.Conn
	reader *bufio.Reader
}

// Dial connects to the control socket at path.
func Dial(path string) (*Client, error) {
	conn, err := net.DialTimeout("unix", path, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("adminsocket: dial %s: %w", path, err)
	}
	return &Client{conn: conn, reader: bufio.NewReader(conn)}, nil
}

// Call sends one request and waits for its response.
func (c *Client) Call(command string, args any) (Response, error) {
	var rawArgs json.RawMessage
	if args != nil {
		encoded, err := json.Marshal(args)
		if err != nil {
			return Response{}, err
		}
		rawArgs = encoded
	}
	req := Request{Command: command, Args: rawArgs}
	line, err := json.Marshal(req)
	if err != nil {
		return Response{}, err
	}
	line = append(line, '\n')
	if _, err := c.conn.Write(line); err != nil {
		return Response{}, fmt.Errorf("adminsocket: write request: %w", err)
	}

	respLine, err := c.reader.ReadBytes('\n')
	if err != nil {
		return Response{}, fmt.Errorf("adminsocket: read response: %w", err)
	}
	var resp Response
	if err := json.Unmarshal(respLine, &resp); err != nil {
		return Response{}, fmt.Errorf("adminsocket: decode response: %w", err)
	}
	return resp, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
