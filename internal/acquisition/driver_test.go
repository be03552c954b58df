package acquisition

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/ecowatt/agent/internal/faults"
	"github.com/ecowatt/agent/internal/logger"
	"github.com/ecowatt/agent/internal/modbus"
)

// fakeTransport answers reads/writes from a scripted table keyed by the
// request frame's address/count, so tests can assert range batching.
type fakeTransport struct {
	reads    map[string][]uint16 // key: fmt of (start,count)
	writeErr *TransportError
	lastRead []uint16
}

func rangeKey(start, count uint16) string {
	return fmt.Sprintf("%d:%d", start, count)
}

func (f *fakeTransport) Read(ctx context.Context, frame []byte) ([]byte, *TransportError) {
	start := uint16(frame[2])<<8 | uint16(frame[3])
	count := uint16(frame[4])<<8 | uint16(frame[5])
	vals, ok := f.reads[rangeKey(start, count)]
	if !ok {
		return nil, &TransportError{Err: errors.New("unscripted range")}
	}
	return modbus.BuildReadResponse(frame[0], vals), nil
}

func (f *fakeTransport) Write(ctx context.Context, frame []byte) ([]byte, *TransportError) {
	if f.writeErr != nil {
		return nil, f.writeErr
	}
	return frame, nil
}

func TestPollThreeRegisterHappyPath(t *testing.T) {
	ft := &fakeTransport{reads: map[string][]uint16{
		rangeKey(0, 2): {2300, 150},
		rangeKey(9, 1): {3450},
	}}
	d := New(0x11, ft, faults.New(logger.New("test")), logger.New("test"), WithSleep(func(time.Duration) {}))

	got, err := d.Poll(context.Background(), []RegID{VAC1, IAC1, PAC})
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	want := []uint16{2300, 150, 3450}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestSetPowerPercentConfigInvalid(t *testing.T) {
	ft := &fakeTransport{}
	d := New(0x11, ft, faults.New(logger.New("test")), logger.New("test"))
	err := d.SetPowerPercent(context.Background(), 101)
	var ae *AcqError
	if !errors.As(err, &ae) || !ae.ConfigInvalid {
		t.Fatalf("got %v, want ConfigInvalid", err)
	}
}

func TestSetPowerPercentVerifiesEcho(t *testing.T) {
	ft := &fakeTransport{}
	d := New(0x11, ft, faults.New(logger.New("test")), logger.New("test"))
	if err := d.SetPowerPercent(context.Background(), 50); err != nil {
		t.Fatalf("SetPowerPercent: %v", err)
	}
}

func TestFoldRangesContiguous(t *testing.T) {
	got := foldRanges([]uint16{0, 1, 9, 3, 4}[:0]) // empty
	if len(got) != 0 {
		t.Fatalf("expected no ranges for empty input, got %v", got)
	}
	got = foldRanges([]uint16{0, 1, 3, 4, 9})
	want := []addrRange{{start: 0, count: 2}, {start: 3, count: 2}, {start: 9, count: 1}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}
