package protocol

import (
	"fmt"
	"math"

	"gridwalk.ai/internal/sim/stats"
)

// Step is the INTERACTIVE_STEP payload.
type Step struct {
	X                 int32
	Y                 int32
	Step              uint32
	Replication       uint32
	TotalReplications uint32
}

const StepSize = 20

func EncodeStep(s Step) []byte {
	b := make([]byte, StepSize)
	order.PutUint32(b[0:], uint32(s.X))
	order.PutUint32(b[4:], uint32(s.Y))
	order.PutUint32(b[8:], s.Step)
	order.PutUint32(b[12:], s.Replication)
	order.PutUint32(b[16:], s.TotalReplications)
	return b
}

func DecodeStep(b []byte) (Step, error) {
	if len(b) != StepSize {
		return Step{}, fmt.Errorf("protocol: INTERACTIVE_STEP payload is %d bytes, want %d", len(b), StepSize)
	}
	return Step{
		X:                 int32(order.Uint32(b[0:])),
		Y:                 int32(order.Uint32(b[4:])),
		Step:              order.Uint32(b[8:]),
		Replication:       order.Uint32(b[12:]),
		TotalReplications: order.Uint32(b[16:]),
	}, nil
}

// EncodeObstacles copies the row-major 0/1 mask. A nil mask means no obstacles.
func EncodeObstacles(mask []uint8, cells int) []byte {
	out := make([]byte, cells)
	copy(out, mask)
	return out
}

func DecodeObstacles(b []byte, cells int) ([]uint8, error) {
	if len(b) != cells {
		return nil, fmt.Errorf("protocol: OBSTACLES payload is %d bytes, want %d", len(b), cells)
	}
	out := make([]uint8, cells)
	for i, v := range b {
		if v > 1 {
			return nil, fmt.Errorf("protocol: OBSTACLES cell %d has value %d", i, v)
		}
		out[i] = v
	}
	return out, nil
}

// SummaryCellSize is the encoded size of one {avg, probability} pair.
const SummaryCellSize = 16

func EncodeSummary(s *stats.Summary) []byte {
	out := make([]byte, s.Len()*SummaryCellSize)
	for i := 0; i < s.Len(); i++ {
		c := s.At(i)
		off := i * SummaryCellSize
		order.PutUint64(out[off:], math.Float64bits(c.AvgSteps))
		order.PutUint64(out[off+8:], math.Float64bits(c.Probability))
	}
	return out
}

func DecodeSummary(b []byte, width, height int) (*stats.Summary, error) {
	n := width * height
	if len(b) != n*SummaryCellSize {
		return nil, fmt.Errorf("protocol: SUMMARY_DATA payload is %d bytes, want %d", len(b), n*SummaryCellSize)
	}
	cells := make([]stats.SummaryCell, n)
	for i := range cells {
		off := i * SummaryCellSize
		cells[i] = stats.SummaryCell{
			AvgSteps:    math.Float64frombits(order.Uint64(b[off:])),
			Probability: math.Float64frombits(order.Uint64(b[off+8:])),
		}
	}
	return stats.NewSummary(width, height, cells)
}
