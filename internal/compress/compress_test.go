package compress

import (
	"math/rand"
	"reflect"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/gofuzz"
)

func roundTrip(t *testing.T, x []uint16) Result {
	t.Helper()
	res, err := Compress(x)
	if err != nil {
		t.Fatalf("Compress(%v): %v", x, err)
	}
	got, err := Decompress(res.Frame)
	if err != nil {
		t.Fatalf("Decompress: %v", err)
	}
	if diff := cmp.Diff(x, got); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
	return res
}

func TestEmptyBatch(t *testing.T) {
	res := roundTrip(t, []uint16{})
	if res.Chosen != TagRaw {
		t.Fatalf("chosen = %v, want RAW for empty batch", res.Chosen)
	}
	if len(res.Frame) != 3 {
		t.Fatalf("frame len = %d, want 3", len(res.Frame))
	}
}

func TestSingleValueAlwaysRaw(t *testing.T) {
	res := roundTrip(t, []uint16{42})
	if res.Chosen != TagRaw {
		t.Fatalf("chosen = %v, want RAW for a single value", res.Chosen)
	}
}

func TestAllEqualChoosesRLE(t *testing.T) {
	x := make([]uint16, 50)
	for i := range x {
		x[i] = 777
	}
	res := roundTrip(t, x)
	if res.Chosen != TagRLE {
		t.Fatalf("chosen = %v, want RLE for an all-equal batch", res.Chosen)
	}
}

// TestStableBatchRoundTrip covers §4.5/§8 scenario 2: a batch where each
// register's reading is stable across samples. The batch is laid out
// per register (each of the 10 values held for 7 consecutive samples),
// since that is the layout in which repeated readings are actually
// adjacent and RLE can collapse them into one run apiece; a row-major
// interleaving of the 10 values has no adjacent repeats at all and
// would make DICT win instead, defeating the point of the scenario.
func TestStableBatchRoundTrip(t *testing.T) {
	values := []uint16{2400, 180, 50, 4200, 70, 600, 70, 35, 100, 1500}
	const samplesPerRegister = 7
	x := make([]uint16, 0, len(values)*samplesPerRegister)
	for _, v := range values {
		for i := 0; i < samplesPerRegister; i++ {
			x = append(x, v)
		}
	}
	res := roundTrip(t, x)
	rawLen := len(encodeRaw(x))
	if len(res.Frame) >= rawLen {
		t.Fatalf("frame len = %d, want well under RAW's %d bytes", len(res.Frame), rawLen)
	}
	if len(res.Frame) > 40 {
		t.Fatalf("frame len = %d, want <= 40", len(res.Frame))
	}
	if res.Chosen != TagRLE {
		t.Fatalf("chosen = %v, want RLE for a per-register-stable batch", res.Chosen)
	}
}

func TestSelectorNeverLosesToRaw(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	for trial := 0; trial < 200; trial++ {
		n := r.Intn(200)
		x := make([]uint16, n)
		for i := range x {
			x[i] = uint16(r.Intn(65536))
		}
		res := roundTrip(t, x)
		rawLen := len(encodeRaw(x))
		if len(res.Frame) > rawLen {
			t.Fatalf("selected frame (%d bytes) larger than RAW (%d bytes) for %v", len(res.Frame), rawLen, x)
		}
	}
}

func TestFuzzRoundTrip(t *testing.T) {
	fz := fuzz.New().NilChance(0).NumElements(0, 500)
	for trial := 0; trial < 100; trial++ {
		var x []uint16
		fz.Fuzz(&x)
		if len(x) > maxInputLen {
			x = x[:maxInputLen]
		}
		roundTrip(t, x)
	}
}

func TestDeltaWidthSelection(t *testing.T) {
	x := []uint16{100, 101, 99, 105, 95}
	frame, ok := encodeDelta(x)
	if !ok {
		t.Fatal("expected DELTA applicable")
	}
	width := frame[5]
	if width != 8 {
		t.Fatalf("width = %d, want 8 (delta -10 is outside the 4-bit range)", width)
	}
	got, err := decodeDelta(frame[1:])
	if err != nil {
		t.Fatalf("decodeDelta: %v", err)
	}
	if !reflect.DeepEqual(got, x) {
		t.Fatalf("got %v, want %v", got, x)
	}
}

func TestDictSkippedBeyond16Distinct(t *testing.T) {
	x := make([]uint16, 20)
	for i := range x {
		x[i] = uint16(i)
	}
	_, ok := encodeDict(x)
	if ok {
		t.Fatal("expected DICT to be skipped for 20 distinct values")
	}
}
