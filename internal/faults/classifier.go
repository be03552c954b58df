// Package faults classifies acquisition-layer errors, drives the §4.3
// retry/backoff policy, and keeps the circular fault-event log.
package faults

import (
	"errors"
	"fmt"
	"time"

	"github.com/ecowatt/agent/internal/logger"
	"github.com/ecowatt/agent/internal/modbus"
	"github.com/ecowatt/agent/internal/ringbuffer"
)

// Kind enumerates the fault taxonomy of §4.3.
type Kind int

const (
	Timeout Kind = iota
	CrcMismatch
	Malformed
	ModbusException
	BufferOverflow
	CorruptResponse
)

func (k Kind) String() string {
	switch k {
	case Timeout:
		return "Timeout"
	case CrcMismatch:
		return "CrcMismatch"
	case Malformed:
		return "Malformed"
	case ModbusException:
		return "ModbusException"
	case BufferOverflow:
		return "BufferOverflow"
	case CorruptResponse:
		return "CorruptResponse"
	default:
		return "Unknown"
	}
}

// Fault is a classified acquisition failure, carrying the Modbus
// exception code when Kind == ModbusException.
type Fault struct {
	Kind Kind
	Code byte
}

func (f *Fault) Error() string {
	if f.Kind == ModbusException {
		return fmt.Sprintf("%s(%d)", f.Kind, f.Code)
	}
	return f.Kind.String()
}

// Event is one circular-fault-log entry (§4.3: "produces a log entry with
// (timestamp, type, slave, function, addr, retry#)").
type Event struct {
	Timestamp time.Time
	Kind      Kind
	Code      byte
	Slave     byte
	Function  byte
	Addr      uint16
	Retry     int
}

const logCapacity = 100

// Classifier owns the circular fault-event log and emits Recovered
// events via the injected logger; it holds no back-pointer into the
// acquisition driver (§9: "non-owning references").
type Classifier struct {
	log *ringbuffer.Buffer[Event]
	lg  *logger.Logger
}

// New builds a Classifier with the fixed 100-entry circular log of §4.3.
func New(lg *logger.Logger) *Classifier {
	return &Classifier{
		log: ringbuffer.New[Event](logCapacity),
		lg:  lg,
	}
}

// Record appends a fault event to the circular log and logs it.
func (c *Classifier) Record(ev Event) {
	c.log.Push(ev)
	c.lg.Warnf("fault slave=%d fn=%#02x addr=%d kind=%s code=%d retry=%d",
		ev.Slave, ev.Function, ev.Addr, ev.Kind, ev.Code, ev.Retry)
}

// Recovered emits the one "Recovered(after N retries)" event §4.3
// requires once an operation that needed retries finally succeeds.
func (c *Classifier) Recovered(slave, function byte, addr uint16, afterRetries int) {
	if afterRetries == 0 {
		return
	}
	c.lg.Successf("recovered slave=%d fn=%#02x addr=%d after %d retries",
		slave, function, addr, afterRetries)
}

// Events returns a FIFO-ordered snapshot of the circular fault log
// without draining it, for diagnostics/status reporting.
func (c *Classifier) Events() []Event {
	all := c.log.DrainAll()
	for _, ev := range all {
		c.log.Push(ev)
	}
	return all
}

// Classify maps a low-level acquisition error into a Fault. decodeErr is
// the error surfaced by the protocol adapter or modbus parser; timedOut
// and overflowed are surfaced by the transport boundary directly since
// they are not representable as parse errors.
func Classify(decodeErr error, timedOut, overflowed bool) *Fault {
	switch {
	case overflowed:
		return &Fault{Kind: BufferOverflow}
	case timedOut:
		return &Fault{Kind: Timeout}
	case decodeErr == nil:
		return nil
	default:
		return classifyParseError(decodeErr)
	}
}

func classifyParseError(err error) *Fault {
	var pe *modbus.ParseError
	if !errors.As(err, &pe) {
		return &Fault{Kind: Malformed}
	}
	switch pe.Kind {
	case modbus.CrcMismatch:
		return &Fault{Kind: CrcMismatch}
	case modbus.ModbusException:
		return &Fault{Kind: ModbusException, Code: pe.Code}
	case modbus.TooShort, modbus.BadOpcode, modbus.BadByteCount:
		return &Fault{Kind: Malformed}
	default:
		return &Fault{Kind: Malformed}
	}
}
