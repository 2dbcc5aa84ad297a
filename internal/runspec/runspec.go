// Package runspec reads run definition files: YAML documents describing one
// simulation, checked against an embedded JSON Schema and turned into the
// CONFIG payload the session server accepts.
package runspec

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"gridwalk.ai/internal/protocol"
)

//go:embed schema.json
var schemaJSON string

const schemaURL = "https://gridwalk.ai/schemas/run.schema.json"

var schema = func() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(schemaURL, strings.NewReader(schemaJSON)); err != nil {
		panic(err)
	}
	return c.MustCompile(schemaURL)
}()

type Spec struct {
	Start        string `yaml:"start"`
	Mode         string `yaml:"mode"`
	World        World  `yaml:"world"`
	Replications uint32 `yaml:"replications"`
	MaxSteps     uint32 `yaml:"max_steps"`
	Probs        Probs  `yaml:"probs"`
	StartX       int32  `yaml:"start_x"`
	StartY       int32  `yaml:"start_y"`
	InputFile    string `yaml:"input_file"`
	OutputFile   string `yaml:"output_file"`
}

type World struct {
	Width    int32   `yaml:"width"`
	Height   int32   `yaml:"height"`
	Type     string  `yaml:"type"`
	Density  float64 `yaml:"density"`
	Boundary string  `yaml:"boundary"`
}

type Probs struct {
	Up    float64 `yaml:"up"`
	Down  float64 `yaml:"down"`
	Left  float64 `yaml:"left"`
	Right float64 `yaml:"right"`
}

func Load(path string) (Spec, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Spec{}, err
	}
	s, err := Parse(raw)
	if err != nil {
		return Spec{}, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// Parse validates raw against the schema before decoding it.
func Parse(raw []byte) (Spec, error) {
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return Spec{}, fmt.Errorf("yaml: %w", err)
	}
	// The validator wants encoding/json shaped values.
	js, err := json.Marshal(doc)
	if err != nil {
		return Spec{}, fmt.Errorf("yaml to json: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(js))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return Spec{}, fmt.Errorf("yaml to json: %w", err)
	}
	if err := schema.Validate(v); err != nil {
		return Spec{}, fmt.Errorf("schema: %w", err)
	}

	var s Spec
	if err := yaml.Unmarshal(raw, &s); err != nil {
		return Spec{}, fmt.Errorf("yaml: %w", err)
	}
	return s, nil
}

// Config builds and validates the CONFIG payload. Omitted enums default to an
// obstacle-free wrapping world.
func (s Spec) Config() (protocol.Config, error) {
	c := protocol.Config{
		ObstacleDensity: s.World.Density,
		Width:           s.World.Width,
		Height:          s.World.Height,
		Replications:    s.Replications,
		MaxSteps:        s.MaxSteps,
		Probs:           protocol.Probs(s.Probs),
		StartX:          s.StartX,
		StartY:          s.StartY,
		WorldType:       protocol.WorldEmpty,
		Boundary:        protocol.BoundaryWrap,
	}
	switch s.Start {
	case "new":
		c.StartType = protocol.StartNew
	case "load":
		c.StartType = protocol.StartLoad
	}
	switch s.Mode {
	case "interactive":
		c.Mode = protocol.ModeInteractive
	case "summary":
		c.Mode = protocol.ModeSummary
	}
	if s.World.Type == "obstacles" {
		c.WorldType = protocol.WorldObstacles
	}
	if s.World.Boundary == "walls" {
		c.Boundary = protocol.BoundaryWalls
	}
	if err := c.SetInputPath(s.InputFile); err != nil {
		return c, err
	}
	if err := c.SetOutputPath(s.OutputFile); err != nil {
		return c, err
	}
	if err := c.Validate(); err != nil {
		return c, err
	}
	return c, nil
}
