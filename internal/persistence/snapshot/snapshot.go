// Package snapshot reads and writes finished runs as a labelled text file.
// Paths ending in .zst are zstd-compressed.
package snapshot

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zstd"

	"gridwalk.ai/internal/protocol"
	"gridwalk.ai/internal/sim/stats"
	"gridwalk.ai/internal/sim/walker"
	"gridwalk.ai/internal/sim/world"
)

var ErrMalformed = errors.New("snapshot: malformed file")

type Snapshot struct {
	Width           int
	Height          int
	Replications    uint32
	MaxSteps        uint32
	Probs           walker.Probabilities
	WorldType       protocol.WorldType
	ObstacleDensity float64
	// Walls is stored as an optional BOUNDARY line; files without it wrap.
	Walls     bool
	Obstacles []uint8
	Summary   *stats.Summary
}

// FromRun captures a finished run. field may be nil for obstacle-free worlds.
func FromRun(cfg protocol.Config, field *world.Field, summary *stats.Summary) Snapshot {
	w, h := int(cfg.Width), int(cfg.Height)
	mask := world.EmptyMask(w, h)
	if field != nil {
		mask = field.Mask()
	}
	return Snapshot{
		Width:           w,
		Height:          h,
		Replications:    cfg.Replications,
		MaxSteps:        cfg.MaxSteps,
		Probs:           cfg.Probabilities(),
		WorldType:       cfg.WorldType,
		ObstacleDensity: cfg.ObstacleDensity,
		Walls:           cfg.Boundary == protocol.BoundaryWalls,
		Obstacles:       mask,
		Summary:         summary,
	}
}

// Config rebuilds the run parameters a LOAD installs. The interactive start is
// not stored and comes back as the target.
func (s Snapshot) Config() protocol.Config {
	c := protocol.Config{
		StartType:       protocol.StartLoad,
		Mode:            protocol.ModeSummary,
		WorldType:       s.WorldType,
		ObstacleDensity: s.ObstacleDensity,
		Width:           int32(s.Width),
		Height:          int32(s.Height),
		Replications:    s.Replications,
		MaxSteps:        s.MaxSteps,
		Probs:           protocol.Probs{Up: s.Probs.Up, Down: s.Probs.Down, Left: s.Probs.Left, Right: s.Probs.Right},
	}
	if s.Walls {
		c.Boundary = protocol.BoundaryWalls
	}
	return c
}

// Field returns the obstacle field, or nil when no cell is blocked.
func (s Snapshot) Field() (*world.Field, error) {
	f, err := world.NewField(s.Width, s.Height, s.Obstacles)
	if err != nil {
		return nil, err
	}
	if f.Count() == 0 {
		return nil, nil
	}
	return f, nil
}

func Write(path string, snap Snapshot) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	return writeTo(f, strings.HasSuffix(path, ".zst"), snap)
}

// writeTo encodes snap into dst and closes it. Errors from flushing the
// compressor or closing dst are returned.
func writeTo(dst io.WriteCloser, compress bool, snap Snapshot) error {
	var (
		w   io.Writer = dst
		enc *zstd.Encoder
	)
	if compress {
		var err error
		enc, err = zstd.NewWriter(dst, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			_ = dst.Close()
			return err
		}
		w = enc
	}
	if err := Encode(w, snap); err != nil {
		if enc != nil {
			_ = enc.Close()
		}
		_ = dst.Close()
		return err
	}
	if enc != nil {
		if err := enc.Close(); err != nil {
			_ = dst.Close()
			return err
		}
	}
	return dst.Close()
}

func Read(path string) (Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return Snapshot{}, err
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".zst") {
		dec, err := zstd.NewReader(f)
		if err != nil {
			return Snapshot{}, err
		}
		defer dec.Close()
		r = dec
	}
	return Decode(r)
}

func Encode(w io.Writer, s Snapshot) error {
	if s.Summary == nil {
		return fmt.Errorf("snapshot: no summary")
	}
	if s.Summary.Len() != s.Width*s.Height || len(s.Obstacles) != s.Width*s.Height {
		return fmt.Errorf("snapshot: grids do not match %dx%d", s.Width, s.Height)
	}
	bw := bufio.NewWriterSize(w, 256*1024)
	fmt.Fprintf(bw, "WIDTH %d\n", s.Width)
	fmt.Fprintf(bw, "HEIGHT %d\n", s.Height)
	fmt.Fprintf(bw, "REPLICATIONS %d\n", s.Replications)
	fmt.Fprintf(bw, "MAX_STEPS %d\n", s.MaxSteps)
	fmt.Fprintf(bw, "PROBS %s %s %s %s\n", ff(s.Probs.Up), ff(s.Probs.Down), ff(s.Probs.Left), ff(s.Probs.Right))
	fmt.Fprintf(bw, "WORLD_TYPE %d\n", s.WorldType)
	fmt.Fprintf(bw, "OBSTACLE_DENSITY %s\n", ff(s.ObstacleDensity))
	if s.Walls {
		bw.WriteString("BOUNDARY walls\n")
	}
	bw.WriteString("OBSTACLES\n")
	for y := 0; y < s.Height; y++ {
		row := s.Obstacles[y*s.Width : (y+1)*s.Width]
		for x, v := range row {
			if x > 0 {
				bw.WriteByte(' ')
			}
			bw.WriteByte('0' + v)
		}
		bw.WriteByte('\n')
	}
	bw.WriteString("SUMMARY\n")
	for i := 0; i < s.Summary.Len(); i++ {
		c := s.Summary.At(i)
		fmt.Fprintf(bw, "%s %s\n", ff(c.AvgSteps), ff(c.Probability))
	}
	return bw.Flush()
}

func ff(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }

// Decode parses the text form. Header keywords may come in any order but must
// all precede OBSTACLES, and SUMMARY comes last.
func Decode(r io.Reader) (Snapshot, error) {
	p := &parser{sc: bufio.NewScanner(r)}
	p.sc.Buffer(make([]byte, 64*1024), 16<<20)
	s, err := p.parse()
	if err != nil {
		return Snapshot{}, err
	}
	return s, nil
}

type parser struct {
	sc   *bufio.Scanner
	line int
}

func (p *parser) fail(format string, args ...any) error {
	return fmt.Errorf("%w: line %d: %s", ErrMalformed, p.line, fmt.Sprintf(format, args...))
}

// next returns the fields of the next non-blank line.
func (p *parser) next() ([]string, error) {
	for p.sc.Scan() {
		p.line++
		if f := strings.Fields(p.sc.Text()); len(f) > 0 {
			return f, nil
		}
	}
	if err := p.sc.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

func (p *parser) parse() (Snapshot, error) {
	var s Snapshot
	seen := map[string]bool{}
	for {
		f, err := p.next()
		if errors.Is(err, io.EOF) {
			return s, p.fail("missing OBSTACLES section")
		}
		if err != nil {
			return s, err
		}
		key := f[0]
		if seen[key] {
			return s, p.fail("duplicate %s", key)
		}
		seen[key] = true
		if key == "OBSTACLES" {
			break
		}
		if err := p.header(&s, key, f[1:]); err != nil {
			return s, err
		}
	}
	for _, key := range []string{"WIDTH", "HEIGHT", "REPLICATIONS", "MAX_STEPS", "PROBS", "WORLD_TYPE", "OBSTACLE_DENSITY"} {
		if !seen[key] {
			return s, p.fail("missing %s", key)
		}
	}

	s.Obstacles = make([]uint8, 0, s.Width*s.Height)
	for y := 0; y < s.Height; y++ {
		f, err := p.next()
		if err != nil {
			return s, p.fail("obstacle row %d: %v", y, err)
		}
		if len(f) != s.Width {
			return s, p.fail("obstacle row %d has %d columns, want %d", y, len(f), s.Width)
		}
		for _, tok := range f {
			switch tok {
			case "0":
				s.Obstacles = append(s.Obstacles, 0)
			case "1":
				s.Obstacles = append(s.Obstacles, 1)
			default:
				return s, p.fail("obstacle value %q", tok)
			}
		}
	}

	f, err := p.next()
	if err != nil || len(f) != 1 || f[0] != "SUMMARY" {
		return s, p.fail("missing SUMMARY section")
	}
	cells := make([]stats.SummaryCell, s.Width*s.Height)
	for i := range cells {
		f, err := p.next()
		if err != nil {
			return s, p.fail("summary cell %d: %v", i, err)
		}
		if len(f) != 2 {
			return s, p.fail("summary cell %d has %d values, want 2", i, len(f))
		}
		avg, err1 := strconv.ParseFloat(f[0], 64)
		prob, err2 := strconv.ParseFloat(f[1], 64)
		if err1 != nil || err2 != nil {
			return s, p.fail("summary cell %d: bad number", i)
		}
		cells[i] = stats.SummaryCell{AvgSteps: avg, Probability: prob}
	}
	if f, err := p.next(); err == nil {
		return s, p.fail("unexpected %q after SUMMARY", f[0])
	}
	s.Summary, err = stats.NewSummary(s.Width, s.Height, cells)
	if err != nil {
		return s, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return s, nil
}

func (p *parser) header(s *Snapshot, key string, args []string) error {
	want := 1
	if key == "PROBS" {
		want = 4
	}
	if len(args) != want {
		return p.fail("%s takes %d values, got %d", key, want, len(args))
	}
	switch key {
	case "WIDTH", "HEIGHT":
		v, err := strconv.Atoi(args[0])
		if err != nil || v <= 0 {
			return p.fail("%s must be a positive integer: %q", key, args[0])
		}
		if key == "WIDTH" {
			s.Width = v
		} else {
			s.Height = v
		}
	case "REPLICATIONS", "MAX_STEPS":
		v, err := strconv.ParseUint(args[0], 10, 32)
		if err != nil {
			return p.fail("%s: %q", key, args[0])
		}
		if key == "REPLICATIONS" {
			s.Replications = uint32(v)
		} else {
			s.MaxSteps = uint32(v)
		}
	case "PROBS":
		var vals [4]float64
		for i, a := range args {
			v, err := strconv.ParseFloat(a, 64)
			if err != nil {
				return p.fail("PROBS: %q", a)
			}
			vals[i] = v
		}
		s.Probs = walker.Probabilities{Up: vals[0], Down: vals[1], Left: vals[2], Right: vals[3]}
	case "WORLD_TYPE":
		v, err := strconv.ParseUint(args[0], 10, 32)
		if err != nil {
			return p.fail("WORLD_TYPE: %q", args[0])
		}
		s.WorldType = protocol.WorldType(v)
	case "OBSTACLE_DENSITY":
		v, err := strconv.ParseFloat(args[0], 64)
		if err != nil {
			return p.fail("OBSTACLE_DENSITY: %q", args[0])
		}
		s.ObstacleDensity = v
	case "BOUNDARY":
		switch args[0] {
		case "wrap":
		case "walls":
			s.Walls = true
		default:
			return p.fail("BOUNDARY: %q", args[0])
		}
	default:
		return p.fail("unknown keyword %q", key)
	}
	return nil
}
