// Package control implements the control channel between the master and the
// slave: newline-delimited JSON records over a TCP connection.
package control

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/NAOC-pulsar/spead2/pkg/bench/spec"
)

// ErrClosed is returned by the receive methods when the peer has closed the
// channel.
var ErrClosed = errors.New("control channel closed")

// Channel is a bidirectional message channel. Send and receive methods may be
// used concurrently with each other, but not with themselves.
type Channel struct {
	conn   net.Conn
	reader *bufio.Reader
}

// New wraps an established connection.
func New(conn net.Conn) *Channel {
	return &Channel{
		conn:   conn,
		reader: bufio.NewReaderSize(conn, spec.MaxLineSize),
	}
}

// Dial opens a control channel to addr.
func Dial(ctx context.Context, addr string) (*Channel, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return New(conn), nil
}

// Conn returns the underlying connection.
func (c *Channel) Conn() net.Conn {
	return c.conn
}

// Close closes the underlying connection.
func (c *Channel) Close() error {
	return c.conn.Close()
}

// Send writes a command.
func (c *Channel) Send(cmd Command) error {
	return c.writeRecord(cmd)
}

// SendResponse writes a response.
func (c *Channel) SendResponse(resp Response) error {
	return c.writeRecord(resp)
}

// Receive blocks until a full command is available. A line that cannot be
// parsed yields a *ParseError.
func (c *Channel) Receive() (Command, error) {
	line, err := c.readLine()
	if err != nil {
		return Command{}, err
	}
	cmd, err := ParseCommand(line)
	if err != nil {
		return Command{}, &ParseError{Line: string(line), Kind: cmd.Kind, Err: err}
	}
	return cmd, nil
}

// ReceiveResponse blocks until a full response is available.
func (c *Channel) ReceiveResponse() (Response, error) {
	line, err := c.readLine()
	if err != nil {
		return Response{}, err
	}
	resp, err := ParseResponse(line)
	if err != nil {
		return Response{}, &ParseError{Line: string(line), Err: err}
	}
	return resp, nil
}

func (c *Channel) writeRecord(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	// A single Write keeps records whole even if the caller shares the
	// connection with another writer.
	data = append(data, '\n')
	if _, err := c.conn.Write(data); err != nil {
		return fmt.Errorf("control: write: %w", err)
	}
	return nil
}

func (c *Channel) readLine() ([]byte, error) {
	line, err := c.reader.ReadSlice('\n')
	switch {
	case err == nil:
		return line[:len(line)-1], nil
	case errors.Is(err, io.EOF):
		// A partial line before EOF is discarded.
		return nil, ErrClosed
	case errors.Is(err, bufio.ErrBufferFull):
		return nil, fmt.Errorf("control: line longer than %d bytes", spec.MaxLineSize)
	default:
		return nil, fmt.Errorf("control: read: %w", err)
	}
}
