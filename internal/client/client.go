// Package client speaks the SAJ register protocol over a publish/subscribe
// transport. It turns register reads and writes into request frames, publishes
// them and correlates the asynchronous responses back to their callers.
package client

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tamzrod/saj-mqtt-bridge/internal/frame"
	"github.com/tamzrod/saj-mqtt-bridge/internal/metrics"
	"github.com/tamzrod/saj-mqtt-bridge/internal/transport"
)

const (
	DefaultTimeout = 10 * time.Second
	DefaultQoS     = 2

	// id draws per frame before giving up on finding a free one
	maxIDAttempts = 64
)

type Config struct {
	SerialNumber string
	TopicPrefix  string

	// QoS of published requests and of the response subscription.
	// Nil means DefaultQoS.
	QoS *byte

	// Timeout bounds one logical operation, all chunks included.
	Timeout time.Duration

	// MaxRegisters is the chunk size of reads. Zero means frame.MaxRegistersPerRequest.
	MaxRegisters uint16

	// Debug logs every frame sent and received.
	Debug bool

	// IDs draws request ids and nonces. Nil means frame.Random().
	IDs frame.IDSource

	Metrics *metrics.Metrics
}

// Result is the outcome of one logical operation.
type Result struct {
	// Data is the concatenated response content, in request order.
	Data []byte

	// ChecksumOK is false if any response arrived with a CRC mismatch.
	ChecksumOK bool

	// RequestIDs in the order the frames were published.
	RequestIDs []uint16
}

// Client correlates requests and responses for one inverter.
type Client struct {
	cfg    Config
	qos    byte
	ps     transport.PubSub
	topics transport.Topics
	table  *pendingTable
	seq    atomic.Uint64

	log   zerolog.Logger
	trace zerolog.Logger

	mu          sync.Mutex
	unsubscribe transport.Unsubscribe
	closed      bool
	done        chan struct{}
}

func New(ps transport.PubSub, cfg Config) (*Client, error) {
	if ps == nil {
		return nil, fmt.Errorf("%w: nil transport", ErrInvalidArgument)
	}
	if strings.TrimSpace(cfg.SerialNumber) == "" {
		return nil, fmt.Errorf("%w: serial number is required", ErrInvalidArgument)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	qos := byte(DefaultQoS)
	if cfg.QoS != nil {
		qos = *cfg.QoS
	}
	if qos > 2 {
		return nil, fmt.Errorf("%w: qos %d", ErrInvalidArgument, qos)
	}
	if cfg.MaxRegisters == 0 {
		cfg.MaxRegisters = frame.MaxRegistersPerRequest
	}
	if cfg.IDs == nil {
		cfg.IDs = frame.Random()
	}

	l := log.With().
		Str("component", "client").
		Str("serial", cfg.SerialNumber).
		Logger()

	c := &Client{
		cfg:    cfg,
		qos:    qos,
		ps:     ps,
		topics: transport.TopicsFor(cfg.TopicPrefix, cfg.SerialNumber),
		table:  newPendingTable(),
		log:    l,
		trace:  zerolog.Nop(),
		done:   make(chan struct{}),
	}
	if cfg.Debug {
		c.trace = l
	}
	return c, nil
}

// Start subscribes to the response topic. Responses arriving before Start are lost.
func (c *Client) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if c.unsubscribe != nil {
		return nil
	}

	unsub, err := c.ps.Subscribe(c.topics.Response, c.qos, c.HandleMessage)
	if err != nil {
		return fmt.Errorf("%w: subscribe %s: %w", ErrTransport, c.topics.Response, err)
	}
	c.unsubscribe = unsub
	c.log.Info().Str("topic", c.topics.Response).Msg("subscribed to inverter responses")
	return nil
}

// Close unsubscribes and fails in-flight and later operations with ErrClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	unsub := c.unsubscribe
	c.unsubscribe = nil
	c.mu.Unlock()

	if unsub == nil {
		return nil
	}
	if err := unsub(); err != nil {
		return fmt.Errorf("%w: unsubscribe: %w", ErrTransport, err)
	}
	return nil
}

func (c *Client) Topics() transport.Topics { return c.topics }

// Pending is the number of request ids currently awaiting a response.
func (c *Client) Pending() int { return c.table.len() }

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// ---- OPERATIONS ----

// ReadRegisters reads count holding registers starting at start and returns
// their raw big-endian bytes.
func (c *Client) ReadRegisters(ctx context.Context, start, count uint16) ([]byte, error) {
	res, err := c.Read(ctx, start, count)
	if err != nil {
		return nil, err
	}
	return res.Data, nil
}

// WriteRegister writes one holding register and returns the inverter's reply content.
func (c *Client) WriteRegister(ctx context.Context, register, value uint16) ([]byte, error) {
	res, err := c.Write(ctx, register, value)
	if err != nil {
		return nil, err
	}
	return res.Data, nil
}

// Read is ReadRegisters with per-frame details.
// Ranges above the chunk size are split; all chunks share one deadline.
func (c *Client) Read(ctx context.Context, start, count uint16) (Result, error) {
	if count == 0 {
		return Result{}, fmt.Errorf("%w: register count must be positive", ErrInvalidArgument)
	}
	if uint32(start)+uint32(count) > 0x10000 {
		return Result{}, fmt.Errorf("%w: range 0x%04x+%d exceeds the register space", ErrInvalidArgument, start, count)
	}

	chunks := splitChunks(start, count, c.cfg.MaxRegisters)
	return c.run(ctx, kindRead, len(chunks), func(i int) ([]byte, uint16) {
		ch := chunks[i]
		c.trace.Debug().
			Str("range", fmt.Sprintf("0x%04x-0x%04x", ch.start, ch.start+ch.count-1)).
			Uint16("count", ch.count).
			Msg("read chunk")
		return frame.EncodeRead(c.cfg.IDs, ch.start, ch.count)
	})
}

// Write is WriteRegister with per-frame details.
func (c *Client) Write(ctx context.Context, register, value uint16) (Result, error) {
	return c.run(ctx, kindWrite, 1, func(int) ([]byte, uint16) {
		return frame.EncodeWrite(c.cfg.IDs, register, value)
	})
}

// run reserves n request ids, publishes the frames in order and waits
// for every response. Every entry it reserved is gone when it returns.
func (c *Client) run(ctx context.Context, kind opKind, n int, encode func(i int) ([]byte, uint16)) (res Result, err error) {
	if c.isClosed() {
		return Result{}, ErrClosed
	}

	began := time.Now()
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	deadline, _ := ctx.Deadline()
	op := newOperation(c.seq.Add(1), kind, deadline)

	defer func() {
		c.table.release(op)
		c.cfg.Metrics.SetPending(c.table.len())
		c.cfg.Metrics.Operation(kind.String(), resultLabel(err), time.Since(began))
	}()

	if kind == kindRead {
		if dropped := c.table.sweepStale(kindRead, began); len(dropped) > 0 {
			c.log.Warn().Int("count", len(dropped)).Msg("dropped stale read requests")
		}
	}

	frames := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		raw, err := c.reserve(op, func() ([]byte, uint16) { return encode(i) })
		if err != nil {
			return Result{}, err
		}
		frames = append(frames, raw)
	}
	c.cfg.Metrics.SetPending(c.table.len())

	for i, raw := range frames {
		c.trace.Debug().
			Str("op", kind.String()).
			Str("request_id", fmt.Sprintf("%04x", op.ids[i])).
			Str("frame", frame.FormatHex(raw)).
			Msg("publishing request")

		if err := c.ps.Publish(c.topics.Request, c.qos, false, raw); err != nil {
			return Result{}, fmt.Errorf("%w: publish %s: %w", ErrTransport, c.topics.Request, err)
		}
		c.cfg.Metrics.FramePublished(kind.String())
	}

	contents, checksumOK, err := c.wait(ctx, op)
	if err != nil {
		return Result{}, err
	}

	size := 0
	for _, b := range contents {
		size += len(b)
	}
	data := make([]byte, 0, size)
	for _, b := range contents {
		data = append(data, b...)
	}

	return Result{
		Data:       data,
		ChecksumOK: checksumOK,
		RequestIDs: append([]uint16(nil), op.ids...),
	}, nil
}

// reserve encodes a frame and claims its id, redrawing while the id is live.
func (c *Client) reserve(op *operation, encode func() ([]byte, uint16)) ([]byte, error) {
	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		raw, id := encode()
		if c.table.reserve(op, id) {
			return raw, nil
		}
		c.trace.Debug().Str("request_id", fmt.Sprintf("%04x", id)).Msg("request id in use, redrawing")
	}
	return nil, ErrNoFreeID
}

func (c *Client) wait(ctx context.Context, op *operation) ([][]byte, bool, error) {
	for {
		contents, checksumOK, missing := c.table.collect(op)
		if missing == nil {
			return contents, checksumOK, nil
		}

		select {
		case <-op.notify:
		case <-c.done:
			return nil, false, ErrClosed
		case <-ctx.Done():
			contents, checksumOK, missing = c.table.collect(op)
			if missing == nil {
				return contents, checksumOK, nil
			}
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				c.log.Warn().
					Str("op", op.kind.String()).
					Int("missing", len(missing)).
					Int("requested", len(op.ids)).
					Str("request_ids", formatIDs(missing, ",")).
					Msg("timeout waiting for inverter response")
				return nil, false, &TimeoutError{Op: op.kind.String(), Pending: missing}
			}
			return nil, false, ctx.Err()
		}
	}
}

// ---- INBOUND ----

// HandleMessage processes one payload from the response topic.
// Undecodable frames and unknown or duplicate ids are dropped.
func (c *Client) HandleMessage(raw []byte) {
	resp, err := frame.DecodeResponse(raw)
	if err != nil {
		c.log.Error().Err(err).Int("len", len(raw)).Msg("dropping undecodable response")
		c.cfg.Metrics.Response(metrics.ResponseInvalid)
		return
	}

	c.trace.Debug().
		Str("request_id", fmt.Sprintf("%04x", resp.ID)).
		Uint16("type", resp.Type).
		Time("inverter_time", resp.Time()).
		Str("content", frame.FormatHex(resp.Content)).
		Msg("received response")

	if !resp.ChecksumOK {
		c.log.Warn().
			Str("request_id", fmt.Sprintf("%04x", resp.ID)).
			Str("checksum", fmt.Sprintf("%04x", resp.Checksum)).
			Msg("response checksum mismatch")
		c.cfg.Metrics.ChecksumMismatch()
	}

	if !c.table.fill(resp.ID, resp.Content, resp.ChecksumOK) {
		c.trace.Debug().Str("request_id", fmt.Sprintf("%04x", resp.ID)).Msg("no pending request for response")
		c.cfg.Metrics.Response(metrics.ResponseUnknown)
		return
	}
	c.cfg.Metrics.Response(metrics.ResponseMatched)
}

// ---- HELPERS ----

type chunk struct {
	start uint16
	count uint16
}

func splitChunks(start, count, max uint16) []chunk {
	var out []chunk
	addr := uint32(start)
	end := uint32(start) + uint32(count)
	for addr < end {
		n := end - addr
		if n > uint32(max) {
			n = uint32(max)
		}
		out = append(out, chunk{start: uint16(addr), count: uint16(n)})
		addr += n
	}
	return out
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return metrics.ResultOK
	case errors.Is(err, ErrTimeout):
		return metrics.ResultTimeout
	case errors.Is(err, ErrTransport):
		return metrics.ResultTransport
	default:
		return metrics.ResultError
	}
}
