package modbus

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/iotistica/iotistic-agent/internal/domain"
)

type fakeTransport struct {
	holding map[uint16][]byte
	failN   int // fail this many calls before succeeding
	fatal   bool
	calls   int
	closed  bool
}

func (f *fakeTransport) ReadHoldingRegisters(unitID byte, address, quantity uint16) ([]byte, error) {
	f.calls++
	if f.calls <= f.failN {
		if f.fatal {
			return nil, fmt.Errorf("%w: link down", domain.ErrModbusLinkDown)
		}
		return nil, errors.New("transient link error")
	}
	return f.holding[address], nil
}

func (f *fakeTransport) ReadInputRegisters(unitID byte, address, quantity uint16) ([]byte, error) {
	return f.ReadHoldingRegisters(unitID, address, quantity)
}

func (f *fakeTransport) Close() error {
	f.closed = true
	return nil
}

func TestChannelPoll_DecodesConfiguredRegisters(t *testing.T) {
	cfg := domain.SensorConfig{
		ChannelID: "ch1",
		UnitID:    1,
		ByteOrder: "ABCD",
		Registers: []domain.RegisterSpec{
			{Name: "temp", Address: 0, Quantity: 1, FuncCode: 3},
		},
	}
	ft := &fakeTransport{holding: map[uint16][]byte{0: {0x00, 0x64}}}
	ch := NewChannel(cfg, func() (domain.Transport, error) { return ft, nil }, nil)

	frame := ch.Poll(context.Background())
	if frame.Err != "" {
		t.Fatalf("unexpected error: %s", frame.Err)
	}
	if len(frame.Readings) != 1 || frame.Readings[0].Value != 100 {
		t.Fatalf("unexpected readings: %+v", frame.Readings)
	}
	if frame.Readings[0].Quality != domain.QualityGood {
		t.Fatalf("expected GOOD quality, got %v", frame.Readings[0].Quality)
	}
}

func TestChannelPoll_ReopensTransportAfterFailure(t *testing.T) {
	cfg := domain.SensorConfig{
		ChannelID: "ch1",
		Registers: []domain.RegisterSpec{{Name: "v", Address: 0, Quantity: 1, FuncCode: 3}},
	}
	attempt := 0
	ch := NewChannel(cfg, func() (domain.Transport, error) {
		attempt++
		ft := &fakeTransport{holding: map[uint16][]byte{0: {0x00, 0x01}}}
		if attempt == 1 {
			ft.failN = 1 // fatal link error on the first read, forces reconnect
			ft.fatal = true
		}
		return ft, nil
	}, nil)

	first := ch.Poll(context.Background())
	if first.Err == "" {
		t.Fatal("expected first poll to fail")
	}

	second := ch.Poll(context.Background())
	if second.Err != "" {
		t.Fatalf("expected second poll (fresh transport) to succeed, got error: %s", second.Err)
	}
}

type exceptionTransport struct {
	code      byte
	failCalls int
	failAddrs map[uint16]bool
	calls     int
	holding   map[uint16][]byte
}

func (f *exceptionTransport) ReadHoldingRegisters(unitID byte, address, quantity uint16) ([]byte, error) {
	f.calls++
	if f.failAddrs[address] || f.calls <= f.failCalls {
		return nil, &ModbusError{Code: f.code, Err: fmt.Errorf("%w: exception %d", domain.ErrModbusException, f.code)}
	}
	return f.holding[address], nil
}

func (f *exceptionTransport) ReadInputRegisters(unitID byte, address, quantity uint16) ([]byte, error) {
	return f.ReadHoldingRegisters(unitID, address, quantity)
}

func (f *exceptionTransport) Close() error { return nil }

func TestChannelPoll_RetriesRetryableException(t *testing.T) {
	cfg := domain.SensorConfig{
		ChannelID: "ch1",
		Registers: []domain.RegisterSpec{{Name: "v", Address: 0, Quantity: 1, FuncCode: 3}},
	}
	et := &exceptionTransport{code: 6, failCalls: exceptionRetries, holding: map[uint16][]byte{0: {0x00, 0x01}}}
	ch := NewChannel(cfg, func() (domain.Transport, error) { return et, nil }, nil)

	frame := ch.Poll(context.Background())
	if frame.Err != "" {
		t.Fatalf("expected retries to recover DEVICE_BUSY exception, got error: %s", frame.Err)
	}
	if len(frame.Readings) != 1 || frame.Readings[0].Quality != domain.QualityGood {
		t.Fatalf("expected GOOD reading after retry, got %+v", frame.Readings)
	}
}

func TestChannelPoll_NonRetryableExceptionFallsBackToSingleRegister(t *testing.T) {
	cfg := domain.SensorConfig{
		ChannelID: "ch1",
		Registers: []domain.RegisterSpec{
			{Name: "a", Address: 0, Quantity: 1, FuncCode: 3},
			{Name: "b", Address: 1, Quantity: 1, FuncCode: 3},
		},
	}
	et := &exceptionTransport{
		code:      2,
		failAddrs: map[uint16]bool{0: true},
		holding:   map[uint16][]byte{0: {0x00, 0x01}, 1: {0x00, 0x02}},
	}
	ch := NewChannel(cfg, func() (domain.Transport, error) { return et, nil }, nil)

	frame := ch.Poll(context.Background())
	if len(frame.Readings) != 2 {
		t.Fatalf("expected a BAD reading for register a and a GOOD reading for register b, got %+v", frame.Readings)
	}
	var bad, good domain.Reading
	for _, r := range frame.Readings {
		if r.Name == "a" {
			bad = r
		} else {
			good = r
		}
	}
	if bad.Quality != domain.QualityBad || bad.QualityCode != "ILLEGAL_ADDRESS" {
		t.Fatalf("expected register a BAD with ILLEGAL_ADDRESS, got %+v", bad)
	}
	if good.Quality != domain.QualityGood {
		t.Fatalf("expected register b to recover in single-register fallback, got %+v", good)
	}
}

func TestChannelQuality_TracksRollingSuccessRatio(t *testing.T) {
	cfg := domain.SensorConfig{
		ChannelID: "ch1",
		Registers: []domain.RegisterSpec{{Name: "v", Address: 0, Quantity: 1, FuncCode: 3}},
	}
	ft := &fakeTransport{holding: map[uint16][]byte{0: {0x00, 0x01}}}
	ch := NewChannel(cfg, func() (domain.Transport, error) { return ft, nil }, nil)

	for i := 0; i < 5; i++ {
		ch.Poll(context.Background())
	}
	if q := ch.quality(); q != 1.0 {
		t.Fatalf("expected quality 1.0 after all successes, got %v", q)
	}
}
