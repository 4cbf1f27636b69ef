package mock

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/KevinKickass/OpenRemoteIO/internal/canbus"
	"github.com/KevinKickass/OpenRemoteIO/internal/node"
	"github.com/KevinKickass/OpenRemoteIO/internal/protocol"
)

//go:embed schema/scenario-v1.json
var scenarioSchemaJSON string

var ErrStreamMismatch = errors.New("frame stream mismatch")

// Scenario is a scripted command sequence against one mock node and the
// frame stream it must produce.
type Scenario struct {
	Name            string   `yaml:"name" json:"name"`
	Description     string   `yaml:"description,omitempty" json:"description,omitempty"`
	NodeID          uint8    `yaml:"node_id" json:"node_id"`
	Inputs          uint8    `yaml:"inputs,omitempty" json:"inputs,omitempty"`
	ScanPeriod      Duration `yaml:"scan_period,omitempty" json:"scan_period,omitempty"`
	HeartbeatPeriod Duration `yaml:"heartbeat_period,omitempty" json:"heartbeat_period,omitempty"`
	StatePeriod     Duration `yaml:"state_period,omitempty" json:"state_period,omitempty"`
	Steps           []Step   `yaml:"steps" json:"steps"`
	Expect          []string `yaml:"expect,omitempty" json:"expect,omitempty"`
}

// Step holds exactly one action; Note is free text.
type Step struct {
	Note        string       `yaml:"note,omitempty" json:"note,omitempty"`
	Output      *uint8       `yaml:"output,omitempty" json:"output,omitempty"`
	Command     *CommandStep `yaml:"command,omitempty" json:"command,omitempty"`
	ClearErrors bool         `yaml:"clear_errors,omitempty" json:"clear_errors,omitempty"`
	SetInput    *InputStep   `yaml:"set_input,omitempty" json:"set_input,omitempty"`
	SetAnalog   *AnalogStep  `yaml:"set_analog,omitempty" json:"set_analog,omitempty"`
	Fault       *FaultStep   `yaml:"fault,omitempty" json:"fault,omitempty"`
	ClearFault  *FaultStep   `yaml:"clear_fault,omitempty" json:"clear_fault,omitempty"`
	Advance     int          `yaml:"advance,omitempty" json:"advance,omitempty"`
	Frame       string       `yaml:"frame,omitempty" json:"frame,omitempty"`
}

func (st Step) actions() int {
	n := 0
	for _, set := range []bool{
		st.Output != nil, st.Command != nil, st.ClearErrors, st.SetInput != nil,
		st.SetAnalog != nil, st.Fault != nil, st.ClearFault != nil,
		st.Advance > 0, st.Frame != "",
	} {
		if set {
			n++
		}
	}
	return n
}

type CommandStep struct {
	Code string `yaml:"code" json:"code"`
	Arg  uint32 `yaml:"arg,omitempty" json:"arg,omitempty"`
}

type InputStep struct {
	Channel int  `yaml:"channel" json:"channel"`
	Level   bool `yaml:"level" json:"level"`
}

type AnalogStep struct {
	Index int    `yaml:"index" json:"index"`
	Value uint16 `yaml:"value" json:"value"`
}

type FaultStep struct {
	Channel int    `yaml:"channel" json:"channel"`
	Kind    string `yaml:"kind" json:"kind"`
}

// Duration is a wrapper around time.Duration that parses "10ms", "1s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalYAML() (any, error) { return d.String(), nil }

// MarshalJSON serializes duration as string
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d Duration) IsZero() bool { return d.Duration == 0 }

// ScenarioValidator checks scenario documents against the embedded schema.
type ScenarioValidator struct {
	schema *jsonschema.Schema
}

func NewScenarioValidator() (*ScenarioValidator, error) {
	compiler := jsonschema.NewCompiler()

	if err := compiler.AddResource("scenario-v1.json",
		strings.NewReader(scenarioSchemaJSON)); err != nil {
		return nil, fmt.Errorf("failed to add schema resource: %w", err)
	}

	schema, err := compiler.Compile("scenario-v1.json")
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}

	return &ScenarioValidator{schema: schema}, nil
}

// Validate checks a YAML (or JSON) document.
func (v *ScenarioValidator) Validate(data []byte) error {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("invalid YAML: %w", err)
	}
	// YAML -> JSON, damit das Schema die gleichen Typen sieht
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("scenario is not JSON compatible: %w", err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return err
	}
	if err := v.schema.Validate(generic); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	return nil
}

// ParseScenario validates and decodes a scenario document.
func ParseScenario(data []byte) (*Scenario, error) {
	v, err := NewScenarioValidator()
	if err != nil {
		return nil, err
	}
	if err := v.Validate(data); err != nil {
		return nil, err
	}
	var sc Scenario
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&sc); err != nil {
		return nil, fmt.Errorf("decode scenario: %w", err)
	}
	for i, st := range sc.Steps {
		if n := st.actions(); n != 1 {
			return nil, fmt.Errorf("step %d: want exactly one action, got %d", i, n)
		}
	}
	return &sc, nil
}

func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	sc, err := ParseScenario(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return sc, nil
}

// NodeConfig returns the node configuration the scenario runs with.
func (sc *Scenario) NodeConfig() node.Config {
	cfg := DefaultConfig(protocol.NodeID(sc.NodeID))
	cfg.Inputs = sc.Inputs
	if !sc.ScanPeriod.IsZero() {
		cfg.ScanPeriod = sc.ScanPeriod.Duration
	}
	if !sc.HeartbeatPeriod.IsZero() {
		cfg.HeartbeatPeriod = sc.HeartbeatPeriod.Duration
	}
	if !sc.StatePeriod.IsZero() {
		cfg.StatePeriod = sc.StatePeriod.Duration
	}
	return cfg
}

// ExpectedFrames parses the expect list.
func (sc *Scenario) ExpectedFrames() ([]canbus.Frame, error) {
	out := make([]canbus.Frame, 0, len(sc.Expect))
	for i, s := range sc.Expect {
		f, err := canbus.ParseFrame(s)
		if err != nil {
			return nil, fmt.Errorf("expect[%d]: %w", i, err)
		}
		out = append(out, f)
	}
	return out, nil
}

// Result is the outcome of a scenario run.
type Result struct {
	Frames []canbus.Frame
	Edges  []protocol.Edge
	Ticks  uint64
}

// RunScenario plays sc against a fresh mock in step mode and compares the
// emitted frames byte for byte with sc.Expect when it is set.
func RunScenario(ctx context.Context, sc *Scenario, logger *zap.Logger) (*Result, error) {
	expected, err := sc.ExpectedFrames()
	if err != nil {
		return nil, err
	}
	m, err := New(sc.NodeConfig(), sinkBus{}, logger)
	if err != nil {
		return nil, err
	}

	id := protocol.NodeID(sc.NodeID)
	for i, st := range sc.Steps {
		if err := m.apply(ctx, id, st); err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
	}

	res := &Result{Frames: m.Frames(), Edges: m.Edges(), Ticks: m.Stats().Ticks}
	if len(sc.Expect) > 0 {
		if err := CompareFrames(expected, res.Frames); err != nil {
			return res, err
		}
	}
	return res, nil
}

func (m *Mock) apply(ctx context.Context, id protocol.NodeID, st Step) error {
	switch {
	case st.Output != nil:
		return m.InjectMessage(protocol.OutputCommand{NodeID: id, Mask: *st.Output})
	case st.Command != nil:
		code, err := protocol.ParseCommandCode(st.Command.Code)
		if err != nil {
			return err
		}
		return m.InjectMessage(protocol.Command{NodeID: id, Code: code, Argument: st.Command.Arg})
	case st.ClearErrors:
		return m.InjectMessage(protocol.ClearErrors{NodeID: id})
	case st.SetInput != nil:
		return m.SetInput(st.SetInput.Channel, st.SetInput.Level)
	case st.SetAnalog != nil:
		return m.SetAnalog(st.SetAnalog.Index, st.SetAnalog.Value)
	case st.Fault != nil:
		kind, err := node.ParseFaultKind(st.Fault.Kind)
		if err != nil {
			return err
		}
		return m.InjectFault(st.Fault.Channel, kind)
	case st.ClearFault != nil:
		kind, err := node.ParseFaultKind(st.ClearFault.Kind)
		if err != nil {
			return err
		}
		m.RemoveFault(st.ClearFault.Channel, kind)
		return nil
	case st.Advance > 0:
		return m.Advance(ctx, st.Advance)
	case st.Frame != "":
		f, err := canbus.ParseFrame(st.Frame)
		if err != nil {
			return err
		}
		m.Inject(f)
		return nil
	}
	return nil
}

// CompareFrames reports the first difference between two frame streams.
func CompareFrames(want, got []canbus.Frame) error {
	for i := 0; i < len(want) && i < len(got); i++ {
		if want[i] != got[i] {
			return fmt.Errorf("%w: frame %d: got %s, want %s", ErrStreamMismatch, i, got[i], want[i])
		}
	}
	if len(want) != len(got) {
		return fmt.Errorf("%w: got %d frames, want %d", ErrStreamMismatch, len(got), len(want))
	}
	return nil
}

// sinkBus accepts every frame and never receives.
type sinkBus struct{}

func (sinkBus) Send(context.Context, canbus.Frame) error { return nil }

func (sinkBus) Receive(ctx context.Context) (canbus.Frame, error) {
	<-ctx.Done()
	return canbus.Frame{}, ctx.Err()
}

func (sinkBus) Close() error { return nil }
