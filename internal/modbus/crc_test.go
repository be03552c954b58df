package modbus

import "testing"

func TestCRC16Vector(t *testing.T) {
	// §8 precomputed vector: 11 03 00 6B 00 02 -> CRC 0x0BC4, wire order C4 0B.
	data := []byte{0x11, 0x03, 0x00, 0x6B, 0x00, 0x02}
	crc := CRC16(data)
	if crc != 0x0BC4 {
		t.Fatalf("CRC16 = %#04x, want 0x0BC4", crc)
	}
	framed := appendCRC(append([]byte{}, data...))
	if framed[len(framed)-2] != 0xC4 || framed[len(framed)-1] != 0x0B {
		t.Fatalf("wire order = % X, want C4 0B", framed[len(framed)-2:])
	}
}

func TestCheckCRCRoundTrip(t *testing.T) {
	frame := appendCRC([]byte{0x11, 0x03, 0x00, 0x6B, 0x00, 0x02})
	if !checkCRC(frame) {
		t.Fatal("expected valid CRC")
	}
	frame[0] ^= 0xFF
	if checkCRC(frame) {
		t.Fatal("expected corrupted frame to fail CRC check")
	}
}
