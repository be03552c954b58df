package compress

import mapset "github.com/deckarep/golang-set"

const maxDictSize = 16

// encodeDict implements §4.5.3: a table of up to 16 distinct values plus
// a 4-bit-per-index bitmask stream. Skipped (not applicable) when the
// batch carries more than 16 distinct values.
func encodeDict(x []uint16) ([]byte, bool) {
	distinct := mapset.NewThreadUnsafeSet()
	for _, v := range x {
		distinct.Add(v)
	}
	if distinct.Cardinality() > maxDictSize {
		return nil, false
	}

	dict := make([]uint16, 0, distinct.Cardinality())
	index := make(map[uint16]int, distinct.Cardinality())
	for _, v := range x {
		if _, ok := index[v]; !ok {
			index[v] = len(dict)
			dict = append(dict, v)
		}
	}

	out := make([]byte, 0, 4+2*len(dict)+(len(x)+1)/2)
	out = append(out, byte(TagDict))
	out = append(out, byte(len(x)>>8), byte(len(x)))
	out = append(out, byte(len(dict)))
	for _, v := range dict {
		out = append(out, byte(v>>8), byte(v))
	}
	w := &bitWriter{}
	for _, v := range x {
		w.writeBits(uint32(index[v]), 4)
	}
	out = append(out, w.flush()...)
	return out, true
}

func decodeDict(payload []byte) ([]uint16, error) {
	if len(payload) < 3 {
		return nil, errorf("compress: DICT payload too short")
	}
	n := int(readBE16(payload[:2]))
	dictSize := int(payload[2])
	payload = payload[3:]
	if dictSize > maxDictSize || len(payload) < 2*dictSize {
		return nil, errorf("compress: DICT malformed table")
	}
	dict := make([]uint16, dictSize)
	for i := 0; i < dictSize; i++ {
		dict[i] = readBE16(payload[2*i : 2*i+2])
	}
	payload = payload[2*dictSize:]

	r := newBitReader(payload)
	out := make([]uint16, n)
	for i := 0; i < n; i++ {
		idx := r.readBits(4)
		if int(idx) >= dictSize {
			return nil, errorf("compress: DICT index out of range")
		}
		out[i] = dict[idx]
	}
	return out, nil
}
