// Package rcon implements a minimal Source RCON client, enough to
// authenticate against a Minecraft server and execute console commands.
package rcon

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/louisbranch/lastlife/internal/run/domain"
)

const (
	packetTypeResponse    = 0
	packetTypeCommand     = 2
	packetTypeAuth        = 3
	packetTypeAuthFailure = -1

	// maxPacketSize bounds a single response body per the protocol.
	maxPacketSize = 4096

	defaultTimeout = 30 * time.Second
)

// Client talks to one RCON endpoint. It connects lazily, reconnects after a
// broken command, and serializes commands so request and response IDs stay
// paired. A rejected password is permanent; network failures are transient
// and reported as plain errors.
type Client struct {
	addr     string
	password string
	timeout  time.Duration

	mu       sync.Mutex
	conn     net.Conn
	packetID int32
}

// Option adjusts client construction.
type Option func(*Client)

// WithTimeout overrides the dial and per-command I/O deadline.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// New builds a client for addr ("host:port"). No connection is made until the
// first command.
func New(addr, password string, opts ...Option) (*Client, error) {
	if strings.TrimSpace(addr) == "" {
		return nil, fmt.Errorf("rcon address is required")
	}
	c := &Client{
		addr:     addr,
		password: password,
		timeout:  defaultTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Command executes one console command and returns the server's response
// body. On any transport failure the connection is dropped so the next call
// reconnects.
func (c *Client) Command(ctx context.Context, cmd string) (string, error) {
	if c == nil {
		return "", fmt.Errorf("rcon client is not configured")
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		if err := c.connect(ctx); err != nil {
			return "", err
		}
	}

	response, err := c.roundTrip(ctx, packetTypeCommand, cmd)
	if err != nil {
		c.drop()
		return "", fmt.Errorf("execute %q: %w", cmd, err)
	}
	return response, nil
}

// Close tears down the connection. The client remains usable; the next
// command reconnects.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// connect dials and authenticates. Caller holds c.mu.
func (c *Client) connect(ctx context.Context) error {
	dialer := net.Dialer{Timeout: c.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return fmt.Errorf("dial rcon %s: %w", c.addr, err)
	}
	c.conn = conn

	if _, err := c.roundTrip(ctx, packetTypeAuth, c.password); err != nil {
		c.drop()
		return fmt.Errorf("authenticate to rcon %s: %w", c.addr, err)
	}
	return nil
}

// roundTrip writes one packet and reads its response. Caller holds c.mu.
func (c *Client) roundTrip(ctx context.Context, packetType int32, body string) (string, error) {
	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return "", fmt.Errorf("set deadline: %w", err)
	}

	c.packetID++
	id := c.packetID
	if err := writePacket(c.conn, id, packetType, body); err != nil {
		return "", fmt.Errorf("write packet: %w", err)
	}

	respID, _, respBody, err := readPacket(c.conn)
	if err != nil {
		return "", fmt.Errorf("read packet: %w", err)
	}
	if respID == packetTypeAuthFailure {
		return "", domain.Permanent(fmt.Errorf("rcon authentication rejected"))
	}
	if respID != id {
		return "", domain.Permanent(fmt.Errorf("rcon response id %d does not match request %d", respID, id))
	}
	return respBody, nil
}

func (c *Client) drop() {
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

// writePacket encodes one request: little-endian length, id, type, then the
// body with two trailing NUL bytes.
func writePacket(w io.Writer, id, packetType int32, body string) error {
	length := int32(4 + 4 + len(body) + 2)
	buf := make([]byte, 0, 4+length)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(length))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(id))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(packetType))
	buf = append(buf, body...)
	buf = append(buf, 0, 0)
	_, err := w.Write(buf)
	return err
}

func readPacket(r io.Reader) (id, packetType int32, body string, err error) {
	var length int32
	if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
		return 0, 0, "", err
	}
	if length < 10 || length > maxPacketSize {
		return 0, 0, "", domain.Permanent(fmt.Errorf("rcon packet length %d out of range", length))
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, 0, "", err
	}
	id = int32(binary.LittleEndian.Uint32(payload[0:4]))
	packetType = int32(binary.LittleEndian.Uint32(payload[4:8]))
	body = strings.TrimRight(string(payload[8:]), "\x00")
	return id, packetType, body, nil
}
