// Package modbus implements the industrial field-bus adapter (§4.8):
// a FIFO-serialized channel per device, batched register reads grouped
// by function code and address contiguity, byte-order decoding, and
// exception-code retry. A channel whose link fails reopens its
// transport on the next poll, with no reconnect backoff and no
// keep-alive read; reads are not wrapped in a timeout of their own.
package modbus

import (
	"errors"
	"fmt"
	"syscall"

	"github.com/goburrow/modbus"
	"go.bug.st/serial"

	"github.com/iotistica/iotistic-agent/internal/domain"
)

// ModbusError carries the protocol exception code a device returned,
// distinct from a transport-level failure (timeout, dead link). The
// poller retries exception 5 (ACKNOWLEDGE) and 6 (DEVICE_BUSY); any
// other code is treated as a permanent per-register fault (§4.8).
type ModbusError struct {
	Code byte
	Err  error
}

func (e *ModbusError) Error() string { return fmt.Sprintf("modbus exception %d: %v", e.Code, e.Err) }
func (e *ModbusError) Unwrap() error { return e.Err }

// isRetryableException reports whether a Modbus exception code is
// transient and worth retrying rather than immediately classifying the
// affected registers as bad (§4.8).
func isRetryableException(code byte) bool {
	return code == 5 || code == 6 // ACKNOWLEDGE, DEVICE_BUSY
}

// tcpTransport adapts goburrow/modbus's TCP client to domain.Transport.
type tcpTransport struct {
	handler *modbus.TCPClientHandler
	client  modbus.Client
}

// NewTCPTransport dials a Modbus TCP gateway at address (host:port).
func NewTCPTransport(address string) (domain.Transport, error) {
	handler := modbus.NewTCPClientHandler(address)
	if err := handler.Connect(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrModbusChannelClosed, err)
	}
	return &tcpTransport{handler: handler, client: modbus.NewClient(handler)}, nil
}

func (t *tcpTransport) ReadHoldingRegisters(unitID byte, address, quantity uint16) ([]byte, error) {
	t.handler.SlaveId = unitID
	return classify(t.client.ReadHoldingRegisters(address, quantity))
}

func (t *tcpTransport) ReadInputRegisters(unitID byte, address, quantity uint16) ([]byte, error) {
	t.handler.SlaveId = unitID
	return classify(t.client.ReadInputRegisters(address, quantity))
}

func (t *tcpTransport) Close() error {
	return t.handler.Close()
}

// rtuTransport adapts goburrow/modbus's RTU client, whose handler opens
// the serial port itself, for Modbus channels that speak RTU
// rather than TCP/Modbus-gateway.
type rtuTransport struct {
	handler *modbus.RTUClientHandler
	client  modbus.Client
	port    serial.Port
}

// NewRTUTransport opens a serial port at portName and wraps it in a
// Modbus RTU client.
func NewRTUTransport(portName string, baud int) (domain.Transport, error) {
	handler := modbus.NewRTUClientHandler(portName)
	handler.BaudRate = baud
	handler.DataBits = 8
	handler.Parity = "N"
	handler.StopBits = 1
	if err := handler.Connect(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrModbusChannelClosed, err)
	}
	return &rtuTransport{handler: handler, client: modbus.NewClient(handler)}, nil
}

func (t *rtuTransport) ReadHoldingRegisters(unitID byte, address, quantity uint16) ([]byte, error) {
	t.handler.SlaveId = unitID
	return classify(t.client.ReadHoldingRegisters(address, quantity))
}

func (t *rtuTransport) ReadInputRegisters(unitID byte, address, quantity uint16) ([]byte, error) {
	t.handler.SlaveId = unitID
	return classify(t.client.ReadInputRegisters(address, quantity))
}

func (t *rtuTransport) Close() error {
	return t.handler.Close()
}

// classify maps goburrow/modbus and transport-level errors onto the
// domain error taxonomy so the poller can decide which are worth
// retrying (protocol exceptions 5/6) versus which indicate the link
// itself is down (§4.8).
func classify(data []byte, err error) ([]byte, error) {
	if err == nil {
		return data, nil
	}
	if fe, ok := err.(*modbus.ModbusError); ok {
		return nil, &ModbusError{Code: fe.ExceptionCode, Err: fmt.Errorf("%w: exception %d", domain.ErrModbusException, fe.ExceptionCode)}
	}
	if isFatalLinkError(err) {
		return nil, fmt.Errorf("%w: %v", domain.ErrModbusLinkDown, err)
	}
	return nil, fmt.Errorf("%w: %v", domain.ErrModbusTimeout, err)
}

// isFatalLinkError reports whether err indicates the underlying serial
// or TCP link itself has failed (broken pipe, device unplugged, port
// closed under us) rather than a single request simply timing out. A
// fatal link error drops the whole channel rather than retrying the
// one batch (§4.8).
func isFatalLinkError(err error) bool {
	if errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.EIO) || errors.Is(err, syscall.ENODEV) {
		return true
	}
	var portErr *serial.PortError
	if errors.As(err, &portErr) {
		switch portErr.Code() {
		case serial.PortClosed, serial.InvalidSerialPort, serial.PortBusy:
			return true
		}
	}
	return false
}
