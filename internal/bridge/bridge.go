// Package bridge wires one inverter end to end: the register client on the
// broker, a poller per dataset, delivery to state topics and Modbus targets,
// and the link status derived from poll outcomes.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tamzrod/saj-mqtt-bridge/internal/api"
	"github.com/tamzrod/saj-mqtt-bridge/internal/client"
	"github.com/tamzrod/saj-mqtt-bridge/internal/config"
	"github.com/tamzrod/saj-mqtt-bridge/internal/frame"
	"github.com/tamzrod/saj-mqtt-bridge/internal/metrics"
	"github.com/tamzrod/saj-mqtt-bridge/internal/poller"
	"github.com/tamzrod/saj-mqtt-bridge/internal/status"
	"github.com/tamzrod/saj-mqtt-bridge/internal/transport"
	"github.com/tamzrod/saj-mqtt-bridge/internal/writer"
)

// StaleFactor turns a dataset interval into the status staleness limit.
const StaleFactor = 3

// Options are the runtime collaborators of a Bridge.
type Options struct {
	// Config must have passed Validate and Normalize.
	Config *config.Config

	PubSub  transport.PubSub
	Metrics *metrics.Metrics

	// Reconnected is signalled after every broker reconnect. Nil if the
	// transport never drops.
	Reconnected <-chan struct{}

	// IDs overrides the request id source (tests).
	IDs frame.IDSource

	// Tick overrides the 1 Hz status clock (tests).
	Tick time.Duration
}

type datasetState struct {
	lastPoll time.Time
	lastErr  error
}

// Bridge is the running pipeline of one inverter.
type Bridge struct {
	cfg    *config.Config
	ps     transport.PubSub
	client *client.Client
	log    zerolog.Logger

	pollers map[string]*poller.Poller
	order   []string

	tracker   *status.Tracker
	data      writer.Writer
	statusOut writer.StatusWriter
	statusPub *writer.StatusPublisher
	topics    writer.StateTopics

	closeTargets func() error
	reconnected  <-chan struct{}
	tick         time.Duration

	mu       sync.Mutex
	datasets map[string]datasetState
}

// New builds the pipeline. Nothing is published or subscribed until Run.
func New(opts Options) (*Bridge, error) {
	c := opts.Config
	if c == nil {
		return nil, errors.New("bridge: config required")
	}
	if opts.PubSub == nil {
		return nil, errors.New("bridge: transport required")
	}

	cl, err := client.New(opts.PubSub, client.Config{
		SerialNumber: c.Inverter.SerialNumber,
		TopicPrefix:  c.Inverter.TopicPrefix,
		QoS:          c.MQTT.QoS,
		Timeout:      time.Duration(c.Inverter.TimeoutMs) * time.Millisecond,
		Debug:        c.Inverter.MQTTDebug,
		IDs:          opts.IDs,
		Metrics:      opts.Metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("bridge: client: %w", err)
	}

	b := &Bridge{
		cfg:         c,
		ps:          opts.PubSub,
		client:      cl,
		log:         log.With().Str("component", "bridge").Str("serial", c.Inverter.SerialNumber).Logger(),
		pollers:     make(map[string]*poller.Poller),
		reconnected: opts.Reconnected,
		tick:        opts.Tick,
		datasets:    make(map[string]datasetState),
		topics:      writer.NewStateTopics(c.Publish.TopicPrefix, c.Inverter.SerialNumber),
	}
	if b.tick <= 0 {
		b.tick = time.Second
	}

	// ---- pollers ----
	var slowest time.Duration
	for _, d := range c.Datasets {
		if d.Disabled {
			continue
		}
		p, err := poller.Build(d, cl, opts.Metrics)
		if err != nil {
			return nil, fmt.Errorf("bridge: dataset %s: %w", d.EffectiveID(), err)
		}
		b.pollers[p.DatasetID()] = p
		b.order = append(b.order, p.DatasetID())
		if iv := time.Duration(d.IntervalMs) * time.Millisecond; iv > slowest {
			slowest = iv
		}
	}
	if len(b.pollers) == 0 {
		return nil, errors.New("bridge: no enabled datasets")
	}
	b.tracker = status.NewTracker(StaleFactor * slowest)

	// ---- writers ----
	plan := writer.BuildPlan(c)
	clients, closeTargets := writer.BuildEndpointClients(c)
	b.closeTargets = closeTargets

	var data []writer.Writer
	if len(plan.Targets) > 0 {
		data = append(data, writer.New(plan, clients))
	}
	statusWriters := writer.NewDeviceStatusWriters(plan, clients)
	if !c.Publish.Disabled {
		data = append(data, writer.NewStatePublisher(opts.PubSub, b.topics, c.Inverter.SerialNumber, *c.MQTT.QoS, c.Publish.Retain))
		b.statusPub = writer.NewStatusPublisher(opts.PubSub, b.topics)
		statusWriters = append(statusWriters, b.statusPub)
	}
	b.data = writer.Multi(data...)
	b.statusOut = writer.MultiStatus(statusWriters...)

	return b, nil
}

// Client is the register client, for ad-hoc reads and writes.
func (b *Bridge) Client() *client.Client { return b.client }

// Topics are the state topics the bridge publishes on.
func (b *Bridge) Topics() writer.StateTopics { return b.topics }

// Run starts the client and pollers and delivers results until ctx ends.
func (b *Bridge) Run(ctx context.Context) error {
	if err := b.client.Start(); err != nil {
		return fmt.Errorf("bridge: %w", err)
	}
	defer func() {
		if err := b.client.Close(); err != nil {
			b.log.Warn().Err(err).Msg("client close")
		}
		if err := b.closeTargets(); err != nil {
			b.log.Warn().Err(err).Msg("target close")
		}
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	out := make(chan poller.PollResult)
	var wg sync.WaitGroup
	for _, id := range b.order {
		p := b.pollers[id]
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Run(ctx, out)
		}()
	}

	b.log.Info().Strs("datasets", b.order).Msg("bridge running")

	// Full block write on start (identity re-assert).
	b.writeStatus("start")

	ticker := time.NewTicker(b.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			b.goOffline()
			return nil

		case res := <-out:
			b.deliver(res)

		case now := <-ticker.C:
			if b.tracker.Tick(now) {
				b.writeStatus("tick")
			}

		case <-b.reconnected:
			b.log.Info().Msg("broker reconnected, re-asserting status")
			if b.statusPub != nil {
				b.statusPub.Reassert()
			}
			b.writeStatus("reconnect")
		}
	}
}

func (b *Bridge) deliver(res poller.PollResult) {
	b.mu.Lock()
	b.datasets[res.DatasetID] = datasetState{lastPoll: res.At, lastErr: res.Err}
	b.mu.Unlock()

	if res.Err != nil {
		b.log.Warn().Err(res.Err).Str("dataset", res.DatasetID).Msg("poll cycle failed")
	} else {
		b.log.Debug().Str("dataset", res.DatasetID).Int("blocks", len(res.Blocks)).Msg("poll cycle done")
	}

	if err := b.data.Write(res); err != nil {
		b.log.Error().Err(err).Str("dataset", res.DatasetID).Msg("writer error")
	}
	if b.tracker.Observe(res.Err, res.At) {
		b.writeStatus("poll")
	}
}

func (b *Bridge) writeStatus(reason string) {
	snap := b.tracker.Snapshot()
	if err := b.statusOut.WriteStatus(snap); err != nil {
		b.log.Warn().Err(err).Str("reason", reason).Msg("status write failed")
	}
}

// goOffline marks the inverter unavailable on a clean shutdown, the same
// message the broker would send as last will.
func (b *Bridge) goOffline() {
	if b.statusPub == nil {
		return
	}
	if err := b.ps.Publish(b.topics.Availability(), 1, true, []byte(writer.Offline)); err != nil {
		b.log.Warn().Err(err).Msg("publish offline on shutdown")
	}
}

// ---- api.Backend ----

func (b *Bridge) ReadRegisters(ctx context.Context, start, count uint16) ([]byte, error) {
	return b.client.ReadRegisters(ctx, start, count)
}

func (b *Bridge) WriteRegister(ctx context.Context, register, value uint16) ([]byte, error) {
	return b.client.WriteRegister(ctx, register, value)
}

// Refresh queues an immediate poll of dataset id. A refresh that is already
// queued absorbs the request.
func (b *Bridge) Refresh(id string) error {
	p, ok := b.pollers[id]
	if !ok {
		return fmt.Errorf("%w: dataset %q", api.ErrNotFound, id)
	}
	if !p.Refresh() {
		b.log.Debug().Str("dataset", id).Msg("refresh already queued")
	}
	return nil
}

func (b *Bridge) Status() api.Status {
	snap := b.tracker.Snapshot()

	b.mu.Lock()
	ids := make([]string, 0, len(b.pollers))
	for id := range b.pollers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	ds := make([]api.DatasetStatus, 0, len(ids))
	for _, id := range ids {
		st := b.datasets[id]
		d := api.DatasetStatus{ID: id, LastPoll: st.lastPoll}
		if st.lastErr != nil {
			d.LastError = st.lastErr.Error()
		}
		ds = append(ds, d)
	}
	b.mu.Unlock()

	return api.Status{
		Serial:   b.cfg.Inverter.SerialNumber,
		Health:   status.HealthName(snap.Health),
		Snapshot: snap,
		Pending:  b.client.Pending(),
		Datasets: ds,
	}
}
