package devices

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/KevinKickass/OpenRemoteIO/internal/protocol"
	"github.com/KevinKickass/OpenRemoteIO/internal/types"
)

//go:embed schema/node-profile-v1.json
var nodeProfileSchemaJSON string

type Validator struct {
	schema *jsonschema.Schema
}

func NewValidator() (*Validator, error) {
	compiler := jsonschema.NewCompiler()

	if err := compiler.AddResource("node-profile-v1.json",
		strings.NewReader(nodeProfileSchemaJSON)); err != nil {
		return nil, fmt.Errorf("failed to add schema resource: %w", err)
	}

	schema, err := compiler.Compile("node-profile-v1.json")
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}

	return &Validator{schema: schema}, nil
}

func (v *Validator) ValidateProfile(data []byte) error {
	var profile interface{}
	if err := json.Unmarshal(data, &profile); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}

	if err := v.schema.Validate(profile); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}

	return nil
}

// CheckConsistency catches what the schema cannot express: duplicate
// channels or names, and directions that disagree with the inputs mask.
func CheckConsistency(p *types.NodeProfileDefinition) error {
	seenCh := make(map[int]bool)
	seenName := make(map[string]bool)
	for _, ch := range p.Channels {
		if seenCh[ch.Channel] {
			return fmt.Errorf("channel %d defined twice", ch.Channel)
		}
		if seenName[ch.Name] {
			return fmt.Errorf("channel name %q used twice", ch.Name)
		}
		seenCh[ch.Channel] = true
		seenName[ch.Name] = true

		isInput := protocol.Bit(p.Inputs, ch.Channel)
		if isInput != (ch.Direction == types.DirectionInput) {
			return fmt.Errorf("channel %d (%s) is %s but inputs mask is 0x%02X", ch.Channel, ch.Name, ch.Direction, p.Inputs)
		}
	}
	return nil
}
