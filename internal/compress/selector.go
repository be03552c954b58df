package compress

import "time"

// Stat records one encoder's outcome during selection, for the §4.5
// "benchmark obligations": each encoder records compressed size and
// time, and the selector's choice is reported for observability.
type Stat struct {
	Tag      Tag
	Size     int
	Elapsed  time.Duration
	Skipped  bool // not applicable to this batch (e.g. DICT with >16 distinct values)
}

// Result is the outcome of Compress: the chosen frame plus every
// candidate's benchmark stat, in encoder preference order.
type Result struct {
	Frame []byte
	Chosen Tag
	Stats []Stat
}

// preference order: DELTA < DICT < RLE < BITPACK < RAW (earlier wins
// ties), per §4.5 "Selector".
var preferenceOrder = []Tag{TagDelta, TagDict, TagRLE, TagBitpack, TagRaw}

// Compress runs every applicable encoder over x and returns the smallest
// valid frame, breaking ties by preference order. Empty and single-value
// input always yields RAW, with only RAW's stat recorded. Input longer than
// 65535 samples is rejected (§4.5/§7 InputTooLong); this never happens
// within the agent since the ring buffer and batches are bounded far
// below that, but the guard mirrors the documented contract.
func Compress(x []uint16) (Result, error) {
	if len(x) > maxInputLen {
		return Result{}, errorf("compress: input too long (%d > %d)", len(x), maxInputLen)
	}

	if len(x) <= 1 {
		frame := encodeRaw(x)
		return Result{
			Frame:  frame,
			Chosen: TagRaw,
			Stats:  []Stat{{Tag: TagRaw, Size: len(frame)}},
		}, nil
	}

	candidates := make(map[Tag][]byte, len(preferenceOrder))
	stats := make([]Stat, 0, len(preferenceOrder))

	record := func(tag Tag, frame []byte, applicable bool, elapsed time.Duration) {
		if !applicable {
			stats = append(stats, Stat{Tag: tag, Skipped: true})
			return
		}
		candidates[tag] = frame
		stats = append(stats, Stat{Tag: tag, Size: len(frame), Elapsed: elapsed})
	}

	for _, tag := range preferenceOrder {
		start := time.Now()
		switch tag {
		case TagDelta:
			frame, ok := encodeDelta(x)
			record(tag, frame, ok, time.Since(start))
		case TagDict:
			frame, ok := encodeDict(x)
			record(tag, frame, ok, time.Since(start))
		case TagRLE:
			frame := encodeRLE(x)
			record(tag, frame, true, time.Since(start))
		case TagBitpack:
			frame := encodeBitpack(x)
			record(tag, frame, true, time.Since(start))
		case TagRaw:
			frame := encodeRaw(x)
			record(tag, frame, true, time.Since(start))
		}
	}

	var best Tag
	var bestFrame []byte
	for _, tag := range preferenceOrder {
		frame, ok := candidates[tag]
		if !ok {
			continue
		}
		if bestFrame == nil || len(frame) < len(bestFrame) {
			best = tag
			bestFrame = frame
		}
	}
	return Result{Frame: bestFrame, Chosen: best, Stats: stats}, nil
}
