package modbus

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/iotistica/iotistic-agent/internal/backoff"
	"github.com/iotistica/iotistic-agent/internal/domain"
)

const (
	exceptionRetries   = 3
	exceptionRetryWait = 100 * time.Millisecond
)

// TransportFactory opens a fresh transport for a channel, used to
// reconnect after a link failure.
type TransportFactory func() (domain.Transport, error)

// Channel polls one physical Modbus device on its own goroutine, with
// all register reads for that device serialized FIFO through a mutex
// so concurrent pollers never interleave requests on the same link.
type Channel struct {
	mu       sync.Mutex
	cfg      domain.SensorConfig
	open     TransportFactory
	transport domain.Transport
	batches  []batch

	reconnect backoff.Exponential
	log       *logrus.Entry

	successCount int
	totalCount   int
}

// NewChannel creates a poller for cfg, lazily opening its transport on
// the first poll.
func NewChannel(cfg domain.SensorConfig, open TransportFactory, log *logrus.Entry) *Channel {
	return &Channel{
		cfg:       cfg,
		open:      open,
		batches:   planBatches(cfg.Registers),
		reconnect: backoff.New(backoff.Config{Base: 5 * time.Second, Max: 60 * time.Second}),
		log:       log,
	}
}

// Poll runs one read cycle across all batches for this channel and
// returns a SensorFrame with one Reading per configured register,
// decoded and quality-classified. A batch failure never aborts the
// whole poll: a retryable exception (5/6) is first retried in place, a
// batch that still fails for any reason other than a dead link falls
// back to reading its registers one at a time, and only a fatal link
// error marks the rest
// of the channel's registers offline for this cycle (§4.8).
func (c *Channel) Poll(ctx context.Context) domain.SensorFrame {
	c.mu.Lock()
	defer c.mu.Unlock()

	frame := domain.SensorFrame{ChannelID: c.cfg.ChannelID, Timestamp: time.Now()}

	if c.transport == nil {
		t, err := c.open()
		if err != nil {
			frame.Err = err.Error()
			frame.Readings = badReadingsFor(allSpecs(c.batches), "DEVICE_OFFLINE")
			c.markResult(false)
			frame.CommQuality = c.quality()
			return frame
		}
		c.transport = t
	}

	ok := true
	for i, b := range c.batches {
		raw, err := c.readBatch(b)
		if err == nil {
			frame.Readings = append(frame.Readings, decodeBatch(b, raw, c.cfg.ByteOrder)...)
			continue
		}

		ok = false
		frame.Err = err.Error()

		if errors.Is(err, domain.ErrModbusLinkDown) {
			_ = c.transport.Close()
			c.transport = nil
			frame.Readings = append(frame.Readings, badReadingsFor(b.Specs, "DEVICE_OFFLINE")...)
			for _, rest := range c.batches[i+1:] {
				frame.Readings = append(frame.Readings, badReadingsFor(rest.Specs, "DEVICE_OFFLINE")...)
			}
			break
		}

		frame.Readings = append(frame.Readings, c.readSingleRegisters(b)...)
	}

	c.markResult(ok)
	frame.CommQuality = c.quality()
	return frame
}

// readBatch issues one batched read, retrying in place only when the
// device returned a retryable exception (ACKNOWLEDGE or DEVICE_BUSY);
// any other failure — including a timed-out or fatal link error — is
// returned immediately so the caller can fall back (§4.8).
func (c *Channel) readBatch(b batch) ([]byte, error) {
	var raw []byte
	var err error
	for attempt := 0; ; attempt++ {
		raw, err = c.doRead(b.FuncCode, b.Address, b.Quantity)
		if err == nil {
			return raw, nil
		}
		var merr *ModbusError
		if errors.As(err, &merr) && isRetryableException(merr.Code) && attempt < exceptionRetries {
			time.Sleep(exceptionRetryWait)
			continue
		}
		return nil, err
	}
}

// readSingleRegisters re-reads each register of a failed batch
// individually, so one bad address in a batch doesn't blank out its
// neighbors; each register that still fails gets its own BAD reading
// with a quality code classifying why.
func (c *Channel) readSingleRegisters(b batch) []domain.Reading {
	readings := make([]domain.Reading, 0, len(b.Specs))
	for _, s := range b.Specs {
		raw, err := c.doRead(s.FuncCode, s.Address, s.Quantity)
		if err != nil {
			readings = append(readings, domain.Reading{Name: s.Name, Quality: domain.QualityBad, QualityCode: qualityCodeFor(err)})
			continue
		}
		single := batch{FuncCode: s.FuncCode, Address: s.Address, Quantity: s.Quantity, Specs: []domain.RegisterSpec{s}}
		readings = append(readings, decodeBatch(single, raw, c.cfg.ByteOrder)...)
	}
	return readings
}

func (c *Channel) doRead(funcCode byte, address, quantity uint16) ([]byte, error) {
	if funcCode == 4 {
		return c.transport.ReadInputRegisters(c.cfg.UnitID, address, quantity)
	}
	return c.transport.ReadHoldingRegisters(c.cfg.UnitID, address, quantity)
}

// qualityCodeFor classifies a read failure into the symbolic code
// carried on a BAD Reading (§3, §4.8).
func qualityCodeFor(err error) string {
	var merr *ModbusError
	if errors.As(err, &merr) {
		switch merr.Code {
		case 2:
			return "ILLEGAL_ADDRESS"
		case 5, 6:
			return "DEVICE_BUSY"
		default:
			return "DEVICE_EXCEPTION"
		}
	}
	if errors.Is(err, domain.ErrModbusLinkDown) {
		return "DEVICE_OFFLINE"
	}
	return "TIMEOUT"
}

func badReadingsFor(specs []domain.RegisterSpec, code string) []domain.Reading {
	readings := make([]domain.Reading, 0, len(specs))
	for _, s := range specs {
		readings = append(readings, domain.Reading{Name: s.Name, Quality: domain.QualityBad, QualityCode: code})
	}
	return readings
}

func allSpecs(batches []batch) []domain.RegisterSpec {
	var specs []domain.RegisterSpec
	for _, b := range batches {
		specs = append(specs, b.Specs...)
	}
	return specs
}

func decodeBatch(b batch, raw []byte, byteOrder string) []domain.Reading {
	readings := make([]domain.Reading, 0, len(b.Specs))
	for _, s := range b.Specs {
		offset := int(s.Address-b.Address) * 2
		if offset+int(s.Quantity)*2 > len(raw) {
			readings = append(readings, domain.Reading{Name: s.Name, Quality: domain.QualityBad, QualityCode: "BAD_FRAME"})
			continue
		}
		window := raw[offset : offset+int(s.Quantity)*2]

		var value float64
		switch s.Quantity {
		case 2:
			value = decodeFloat32(window, byteOrder)
		case 1:
			value = float64(decodeUint16(window))
		default:
			value = float64(decodeUint16(window))
		}
		if s.Scale != 0 {
			value *= s.Scale
		}
		readings = append(readings, domain.Reading{Name: s.Name, Value: value, Quality: domain.QualityGood})
	}
	return readings
}

func (c *Channel) markResult(ok bool) {
	c.totalCount++
	if ok {
		c.successCount++
	}
	if c.totalCount > 100 {
		// Keep the rolling quality window bounded rather than averaging
		// over the channel's entire lifetime.
		c.totalCount = c.totalCount / 2
		c.successCount = c.successCount / 2
	}
}

func (c *Channel) quality() float64 {
	if c.totalCount == 0 {
		return 0
	}
	return float64(c.successCount) / float64(c.totalCount)
}

// Close releases the underlying transport, if open.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.transport == nil {
		return nil
	}
	err := c.transport.Close()
	c.transport = nil
	return err
}

// RunLoop polls this channel on its configured period until ctx is
// cancelled, delivering each frame to onFrame.
func (c *Channel) RunLoop(ctx context.Context, period time.Duration, onFrame func(domain.SensorFrame)) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			frame := c.Poll(ctx)
			if onFrame != nil {
				onFrame(frame)
			}
			if frame.Err != "" && c.log != nil {
				c.log.WithField("channelId", c.cfg.ChannelID).WithField("error", frame.Err).Debug("poll cycle failed")
			}
		}
	}
}
