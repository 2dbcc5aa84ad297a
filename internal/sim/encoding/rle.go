// Package encoding packs obstacle masks into a compact text form for the run
// index and admin tooling.
package encoding

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
)

// EncodeMask packs a row-major 0/1 mask as base64 of uvarints: the value of the
// first cell, then the length of every run. Runs alternate between 0 and 1, so
// no value is stored after the first. Any nonzero cell counts as 1.
func EncodeMask(mask []uint8) string {
	buf := make([]byte, 0, 16)
	cur := uint8(0)
	if len(mask) > 0 && mask[0] != 0 {
		cur = 1
	}
	buf = binary.AppendUvarint(buf, uint64(cur))

	run := uint64(0)
	for _, v := range mask {
		if v != 0 {
			v = 1
		}
		if v != cur {
			buf = binary.AppendUvarint(buf, run)
			cur, run = v, 0
		}
		run++
	}
	if run > 0 {
		buf = binary.AppendUvarint(buf, run)
	}
	return base64.StdEncoding.EncodeToString(buf)
}

// DecodeMask reverses EncodeMask. cells is the expected mask length; the
// decoder refuses to expand past it.
func DecodeMask(b64 string, cells int) ([]uint8, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, err
	}
	first, n := binary.Uvarint(raw)
	if n <= 0 {
		return nil, fmt.Errorf("bad mask header")
	}
	if first > 1 {
		return nil, fmt.Errorf("mask value out of range: %d", first)
	}
	raw = raw[n:]

	out := make([]uint8, 0, cells)
	cur := uint8(first)
	for len(raw) > 0 {
		run, n := binary.Uvarint(raw)
		if n <= 0 {
			return nil, fmt.Errorf("bad run length")
		}
		raw = raw[n:]
		if run == 0 {
			return nil, fmt.Errorf("empty run at cell %d", len(out))
		}
		if run > uint64(cells-len(out)) {
			return nil, fmt.Errorf("run of %d overflows %d cells", run, cells)
		}
		for k := uint64(0); k < run; k++ {
			out = append(out, cur)
		}
		cur ^= 1
	}
	if len(out) != cells {
		return nil, fmt.Errorf("decoded %d cells, want %d", len(out), cells)
	}
	return out, nil
}
