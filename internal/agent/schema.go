package agent

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// reflectSchema builds an inline JSON schema for v suitable for strict
// structured output: no $ref, no $schema or $id, no additional properties.
func reflectSchema(v any) json.RawMessage {
	r := &jsonschema.Reflector{ExpandedStruct: true, DoNotReference: true}
	s := r.Reflect(v)
	s.Version = ""
	s.ID = ""
	data, err := json.Marshal(s)
	if err != nil {
		panic(fmt.Sprintf("reflect schema %T: %v", v, err))
	}
	return data
}
