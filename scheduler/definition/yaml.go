package definition

import (
	"bytes"

	"gopkg.in/yaml.v3"

	"github.com/twitter/vosges/scheduler/domain"
)

// ParseYAML decodes a YAML definition:
//
//	name: resnet
//	options: {parallel_jobs: 8}
//	groups:
//	  - name: train
//	    jobs:
//	      - name: lr1
//	        command: [train.py, --lr, "0.1"]
//	  - name: eval
//	    depends_on: [/train]
//	    jobs:
//	      - command: [eval.py]
//
// Unknown keys are errors.
func ParseYAML(src []byte) (*Definition, error) {
	if len(bytes.TrimSpace(src)) == 0 {
		return nil, domain.NewDefinitionError("definition is empty")
	}
	dec := yaml.NewDecoder(bytes.NewReader(src))
	dec.KnownFields(true)
	var def Definition
	if err := dec.Decode(&def); err != nil {
		return nil, domain.NewDefinitionError("failed to decode YAML definition: %v", err)
	}
	return &def, nil
}
