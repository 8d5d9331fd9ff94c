package modbus

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// Dialer opens the transport; net.Dialer in production, pipes in tests.
type Dialer func(ctx context.Context, address string) (net.Conn, error)

type Client struct {
	address       string
	dial          Dialer
	conn          net.Conn
	mu            sync.Mutex
	transactionID uint16
	timeout       time.Duration
	connected     bool
}

func NewClient(address string, timeout time.Duration) *Client {
	d := &net.Dialer{Timeout: timeout}
	return NewClientWithDialer(address, timeout, func(ctx context.Context, addr string) (net.Conn, error) {
		return d.DialContext(ctx, "tcp", addr)
	})
}

func NewClientWithDialer(address string, timeout time.Duration, dial Dialer) *Client {
	return &Client{
		address: address,
		timeout: timeout,
		dial:    dial,
	}
}

// Connect stellt TCP-Verbindung her
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.connectLocked(ctx)
}

func (c *Client) connectLocked(ctx context.Context) error {
	if c.connected {
		return nil
	}

	conn, err := c.dial(ctx, c.address)
	if err != nil {
		return fmt.Errorf("connection to %s failed: %w", c.address, err)
	}

	c.conn = conn
	c.connected = true

	return nil
}

// Close schließt die Verbindung
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.closeLocked()
}

func (c *Client) closeLocked() error {
	if !c.connected {
		return nil
	}

	err := c.conn.Close()
	c.connected = false
	c.conn = nil

	return err
}

func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// SendFrame sendet ein Frame und wartet auf Response. Ein I/O-Fehler trennt
// die Verbindung, der nächste Aufruf verbindet neu.
func (c *Client) SendFrame(ctx context.Context, request *ModbusFrame) (*ModbusFrame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.connectLocked(ctx); err != nil {
		return nil, err
	}

	// Unique Transaction ID
	c.transactionID++
	request.TransactionID = c.transactionID

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		c.closeLocked()
		return nil, fmt.Errorf("set deadline failed: %w", err)
	}

	if _, err := c.conn.Write(request.Encode()); err != nil {
		c.closeLocked()
		return nil, fmt.Errorf("write failed: %w", err)
	}

	header := make([]byte, mbapHeaderLen)
	if _, err := io.ReadFull(c.conn, header); err != nil {
		c.closeLocked()
		return nil, fmt.Errorf("read failed: %w", err)
	}

	// Length zählt UnitID + PDU
	length := int(binary.BigEndian.Uint16(header[4:6]))
	if length < 2 || length > 254 {
		c.closeLocked()
		return nil, fmt.Errorf("invalid frame length: %d", length)
	}

	body := make([]byte, length-1)
	if _, err := io.ReadFull(c.conn, body); err != nil {
		c.closeLocked()
		return nil, fmt.Errorf("read failed: %w", err)
	}

	response, err := DecodeFrame(append(header, body...))
	if err != nil {
		c.closeLocked()
		return nil, fmt.Errorf("decode failed: %w", err)
	}

	if response.TransactionID != request.TransactionID {
		c.closeLocked()
		return nil, fmt.Errorf("transaction ID mismatch: expected %d, got %d",
			request.TransactionID, response.TransactionID)
	}

	if err := response.CheckException(); err != nil {
		return nil, err
	}

	return response, nil
}

// ReadDiscreteInputs liest Discrete Inputs (FC 0x02)
func (c *Client) ReadDiscreteInputs(ctx context.Context, unitID uint8, startAddr uint16, quantity uint16) ([]bool, error) {
	if quantity == 0 || quantity > MaxDiscreteInputs {
		return nil, fmt.Errorf("invalid discrete input quantity: %d", quantity)
	}

	request := ReadDiscreteInputsRequest(0, unitID, startAddr, quantity)

	response, err := c.SendFrame(ctx, request)
	if err != nil {
		return nil, err
	}

	return response.ParseBitResponse(quantity)
}
