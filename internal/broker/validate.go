package broker

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// createTaskInputSchema is compiled once and reused for every POST /tasks.
// It enforces the structural constraints spec §4.1/§5 describe for
// CreateTaskInput beyond what a plain Go struct decode can express.
const createTaskInputSchemaJSON = `{
  "type": "object",
  "properties": {
    "title": {"type": "string", "minLength": 3, "maxLength": 120},
    "description": {"type": "string"},
    "repoUrl": {"type": "string"},
    "branch": {"type": "string"},
    "baseBranch": {"type": "string"},
    "constraints": {"type": "array", "items": {"type": "string"}},
    "parentTaskId": {"type": "string"}
  },
  "required": ["title"]
}`

// InputValidator compiles and applies the CreateTaskInput JSON Schema.
type InputValidator struct {
	schema *jsonschema.Schema
}

// NewInputValidator compiles the schema once at startup.
func NewInputValidator() (*InputValidator, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(createTaskInputSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal create-task schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("create_task_input.json", doc); err != nil {
		return nil, fmt.Errorf("add create-task schema resource: %w", err)
	}
	schema, err := c.Compile("create_task_input.json")
	if err != nil {
		return nil, fmt.Errorf("compile create-task schema: %w", err)
	}
	return &InputValidator{schema: schema}, nil
}

// ValidateCreateTaskInput runs the compiled schema against raw, then applies
// the additional semantic checks spec §4.1 Create() names explicitly
// (title length, repoUrl well-formedness) that a structural schema alone
// cannot fully express.
func (v *InputValidator) ValidateCreateTaskInput(raw []byte) (CreateTaskInput, error) {
	var input CreateTaskInput
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return input, InvalidInput("malformed JSON body")
	}
	if err := v.schema.Validate(doc); err != nil {
		return input, InvalidInput(fmt.Sprintf("schema violation: %v", err))
	}
	if err := json.Unmarshal(raw, &input); err != nil {
		return input, InvalidInput("malformed JSON body")
	}
	if len(strings.TrimSpace(input.Title)) < 3 {
		return input, InvalidInput("title must be at least 3 characters")
	}
	if input.RepoURL != "" {
		u, err := url.Parse(input.RepoURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return input, InvalidInput("repoUrl must be a well-formed URL")
		}
	}
	return input, nil
}
