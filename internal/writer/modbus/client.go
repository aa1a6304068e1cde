// internal/writer/modbus/client.go
package modbus

import (
	"encoding/binary"
	"errors"
	"sync"
	"time"

	"github.com/goburrow/modbus"
)

const defaultTimeout = 2 * time.Second

// EndpointClient is a single TCP connection to one replication target.
// It serializes requests because it mutates SlaveId per write.
type EndpointClient struct {
	mu      sync.Mutex
	handler *modbus.TCPClientHandler
	client  modbus.Client
}

type Config struct {
	Endpoint string
	Timeout  time.Duration
}

// NewEndpointClient prepares the client without dialing. The handler dials
// on first use and again after a dropped connection.
func NewEndpointClient(cfg Config) *EndpointClient {
	h := modbus.NewTCPClientHandler(cfg.Endpoint)
	h.Timeout = cfg.Timeout
	if h.Timeout <= 0 {
		h.Timeout = defaultTimeout
	}

	return &EndpointClient{
		handler: h,
		client:  modbus.NewClient(h),
	}
}

// Connect dials eagerly so configuration errors surface at startup.
func (c *EndpointClient) Connect() error {
	if c.handler.Address == "" {
		return errors.New("writer modbus: endpoint required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handler.Connect()
}

func (c *EndpointClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handler.Close()
}

func (c *EndpointClient) WriteRegisters(unitID uint8, addr uint16, regs []uint16) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.handler.SlaveId = unitID

	qty := uint16(len(regs))
	payload := packRegisters(regs)

	_, err := c.client.WriteMultipleRegisters(addr, qty, payload)
	return err
}

func packRegisters(regs []uint16) []byte {
	out := make([]byte, len(regs)*2)
	for i, r := range regs {
		binary.BigEndian.PutUint16(out[2*i:], r)
	}
	return out
}
