package acquisition

import (
	"context"
	"fmt"
	"sort"
	"time"

	mapset "github.com/deckarep/golang-set"

	"github.com/ecowatt/agent/internal/faults"
	"github.com/ecowatt/agent/internal/logger"
	"github.com/ecowatt/agent/internal/modbus"
)

// AcqError reports a local configuration error (ConfigInvalid) to callers
// of Poll/SetPowerPercent. Faults classified by the retry runner are
// returned by Poll and SetPowerPercent as the *faults.Fault itself; they
// are not wrapped in an AcqError.
type AcqError struct {
	Fault         *faults.Fault
	ConfigInvalid bool
	msg           string
}

func (e *AcqError) Error() string {
	if e.ConfigInvalid {
		return e.msg
	}
	return e.Fault.Error()
}

func (e *AcqError) Unwrap() error {
	if e.Fault == nil {
		return nil
	}
	return e.Fault
}

// Driver issues range-batched reads and verified single-register writes
// against the inverter gateway, retrying transient faults per §4.3.
type Driver struct {
	slave     byte
	transport Transport
	classify  *faults.Classifier
	lg        *logger.Logger
	sleep     func(time.Duration)
	now       func() time.Time
}

// Option configures a Driver.
type Option func(*Driver)

// WithSleep overrides the backoff sleep function; tests inject a no-op.
func WithSleep(sleep func(time.Duration)) Option {
	return func(d *Driver) { d.sleep = sleep }
}

// New builds a Driver for the given slave address.
func New(slave byte, transport Transport, classify *faults.Classifier, lg *logger.Logger, opts ...Option) *Driver {
	d := &Driver{
		slave:     slave,
		transport: transport,
		classify:  classify,
		lg:        lg,
		sleep:     time.Sleep,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// addrRange is a contiguous (start, count) run of register addresses
// folded from the selection during range batching (§4.2 step 2).
type addrRange struct {
	start uint16
	count uint16
}

// Poll resolves selection to register addresses, groups adjacent
// addresses into contiguous read ranges, issues one 0x03 request per
// range, and reassembles the decoded values in the caller's selection
// order (§4.2 "range batching").
func (d *Driver) Poll(ctx context.Context, selection []RegID) ([]uint16, error) {
	addrs := make([]uint16, len(selection))
	distinct := mapset.NewThreadUnsafeSet()
	for i, id := range selection {
		addr, ok := AddrOf(id)
		if !ok {
			return nil, &AcqError{ConfigInvalid: true, msg: fmt.Sprintf("acquisition: unknown register id %d", id)}
		}
		addrs[i] = addr
		distinct.Add(addr)
	}

	sorted := make([]uint16, 0, distinct.Cardinality())
	for v := range distinct.Iter() {
		sorted = append(sorted, v.(uint16))
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	ranges := foldRanges(sorted)

	values := make(map[uint16]uint16, len(sorted))
	for _, r := range ranges {
		got, err := d.readRange(ctx, r)
		if err != nil {
			return nil, err
		}
		for i := uint16(0); i < r.count; i++ {
			values[r.start+i] = got[i]
		}
	}

	out := make([]uint16, len(selection))
	for i, a := range addrs {
		out[i] = values[a]
	}
	return out, nil
}

// foldRanges folds a sorted, distinct slice of addresses into contiguous
// (start, count) runs (§4.2 step 2).
func foldRanges(sorted []uint16) []addrRange {
	var ranges []addrRange
	for i := 0; i < len(sorted); {
		start := sorted[i]
		count := uint16(1)
		j := i + 1
		for j < len(sorted) && sorted[j] == start+count {
			count++
			j++
		}
		ranges = append(ranges, addrRange{start: start, count: count})
		i = j
	}
	return ranges
}

func (d *Driver) readRange(ctx context.Context, r addrRange) ([]uint16, error) {
	retryCtx := faults.Context{Slave: d.slave, Function: modbus.FuncReadHolding, Addr: r.start}
	return faults.Run(d.classify, retryCtx, d.sleep, func(attempt int) ([]uint16, *faults.Fault) {
		frame := modbus.BuildRead(d.slave, r.start, r.count)
		resp, terr := d.transport.Read(ctx, frame)
		if terr != nil {
			return nil, faults.Classify(terr.Err, terr.TimedOut, terr.Overflowed)
		}
		vals, err := modbus.ParseReadResponse(resp, int(r.count))
		if err != nil {
			return nil, faults.Classify(err, false, false)
		}
		return vals, nil
	})
}

// SetPowerPercent issues a 0x06 write to the Export% register (§6.1),
// verifying the gateway echoed the request byte-for-byte (§4.2). pct
// outside [0,100] is a local configuration error and never reaches the
// wire.
func (d *Driver) SetPowerPercent(ctx context.Context, pct uint8) error {
	if pct > 100 {
		return &AcqError{ConfigInvalid: true, msg: fmt.Sprintf("acquisition: power percent %d out of range [0,100]", pct)}
	}
	addr, _ := AddrOf(ExportPct)
	retryCtx := faults.Context{Slave: d.slave, Function: modbus.FuncWriteSingle, Addr: addr}
	_, err := faults.Run(d.classify, retryCtx, d.sleep, func(attempt int) (struct{}, *faults.Fault) {
		frame := modbus.BuildWriteSingle(d.slave, addr, uint16(pct))
		echo, terr := d.transport.Write(ctx, frame)
		if terr != nil {
			return struct{}{}, faults.Classify(terr.Err, terr.TimedOut, terr.Overflowed)
		}
		if !bytesEqual(echo, frame) {
			return struct{}{}, &faults.Fault{Kind: faults.CorruptResponse}
		}
		return struct{}{}, nil
	})
	return err
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
