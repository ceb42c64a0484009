package workflow

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"localcloud/internal/api"
)

// Definition is a parsed state-machine document.
type Definition struct {
	Comment string            `json:"Comment"`
	StartAt string            `json:"StartAt"`
	States  map[string]*State `json:"States"`
}

// State is one node of the machine. Which fields apply depends on Type.
type State struct {
	Type    string `json:"Type"`
	Comment string `json:"Comment"`
	Next    string `json:"Next"`
	End     bool   `json:"End"`

	InputPath      string                 `json:"InputPath"`
	Parameters     map[string]interface{} `json:"Parameters"`
	ResultSelector map[string]interface{} `json:"ResultSelector"`
	// ResultPath distinguishes three forms: absent (replace the input with
	// the result), explicit null (discard the result, pass the input
	// through), and a path (inject the result there).
	ResultPath json.RawMessage `json:"ResultPath"`
	OutputPath string          `json:"OutputPath"`

	// Pass
	Result json.RawMessage `json:"Result"`

	// Task
	Resource       string `json:"Resource"`
	TimeoutSeconds int    `json:"TimeoutSeconds"`

	// Wait
	Seconds       int    `json:"Seconds"`
	SecondsPath   string `json:"SecondsPath"`
	Timestamp     string `json:"Timestamp"`
	TimestampPath string `json:"TimestampPath"`

	// Choice
	Choices []*ChoiceRule `json:"Choices"`
	Default string        `json:"Default"`

	// Fail
	Error string `json:"Error"`
	Cause string `json:"Cause"`
}

// ParseDefinition decodes and validates a state-machine document: the start
// state and every Next/Default/choice transition must name a defined state,
// and every state needs a way to terminate or continue.
func ParseDefinition(raw string) (*Definition, error) {
	var def Definition
	if err := json.Unmarshal([]byte(raw), &def); err != nil {
		return nil, api.NewValidation("InvalidDefinition", "definition is not valid JSON: %v", err)
	}
	if def.StartAt == "" {
		return nil, api.NewValidation("InvalidDefinition", "definition has no StartAt")
	}
	if _, ok := def.States[def.StartAt]; !ok {
		return nil, api.NewValidation("InvalidDefinition", "StartAt names unknown state %q", def.StartAt)
	}
	for name, state := range def.States {
		if err := validateState(&def, name, state); err != nil {
			return nil, err
		}
	}
	return &def, nil
}

func validateState(def *Definition, name string, state *State) error {
	checkNext := func(next string) error {
		if next == "" {
			return nil
		}
		if _, ok := def.States[next]; !ok {
			return api.NewValidation("InvalidDefinition", "state %q transitions to unknown state %q", name, next)
		}
		return nil
	}

	switch state.Type {
	case "Pass", "Task", "Wait":
		if !state.End && state.Next == "" {
			return api.NewValidation("InvalidDefinition", "state %q has neither Next nor End", name)
		}
		if state.Type == "Task" && state.Resource == "" {
			return api.NewValidation("InvalidDefinition", "task state %q has no Resource", name)
		}
		return checkNext(state.Next)

	case "Choice":
		if len(state.Choices) == 0 {
			return api.NewValidation("InvalidDefinition", "choice state %q has no Choices", name)
		}
		for _, rule := range state.Choices {
			if rule.Next == "" {
				return api.NewValidation("InvalidDefinition", "choice rule in %q has no Next", name)
			}
			if err := checkNext(rule.Next); err != nil {
				return err
			}
		}
		return checkNext(state.Default)

	case "Succeed", "Fail":
		return nil

	default:
		return api.NewValidation("InvalidDefinition", "state %q has unknown type %q", name, state.Type)
	}
}

// toDotPath converts the "$.a.b[0].c" reference form into the dotted form
// the JSON accessors take. "$" maps to the empty path meaning the whole
// document.
func toDotPath(path string) string {
	trimmed := strings.TrimPrefix(path, "$")
	trimmed = strings.TrimPrefix(trimmed, ".")
	trimmed = strings.ReplaceAll(trimmed, "[", ".")
	trimmed = strings.ReplaceAll(trimmed, "]", "")
	return trimmed
}

// getPath applies a reference path to a document. An empty or "$" path
// returns the document unchanged; a missing path is an error.
func getPath(doc json.RawMessage, path string) (json.RawMessage, error) {
	dotted := toDotPath(path)
	if dotted == "" {
		return doc, nil
	}
	result := gjson.GetBytes(doc, dotted)
	if !result.Exists() {
		return nil, fmt.Errorf("path %s not found in input", path)
	}
	return json.RawMessage(result.Raw), nil
}

// setPath injects value at path inside doc, returning the new document.
// A "$" path replaces the document entirely.
func setPath(doc json.RawMessage, path string, value json.RawMessage) (json.RawMessage, error) {
	dotted := toDotPath(path)
	if dotted == "" {
		return value, nil
	}
	out, err := sjson.SetRawBytes(doc, dotted, value)
	if err != nil {
		return nil, fmt.Errorf("cannot set path %s: %w", path, err)
	}
	return out, nil
}

// resolveTemplate materializes a Parameters/ResultSelector template: keys
// ending in ".$" have their string values resolved as paths against the
// document ("$...") or the execution context ("$$...").
func resolveTemplate(template map[string]interface{}, doc, contextDoc json.RawMessage) (json.RawMessage, error) {
	resolved, err := resolveTemplateValue(template, doc, contextDoc)
	if err != nil {
		return nil, err
	}
	return json.Marshal(resolved)
}

func resolveTemplateValue(value interface{}, doc, contextDoc json.RawMessage) (interface{}, error) {
	switch v := value.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for key, inner := range v {
			if strings.HasSuffix(key, ".$") {
				pathExpr, ok := inner.(string)
				if !ok {
					return nil, fmt.Errorf("template key %s needs a string path", key)
				}
				source := doc
				if strings.HasPrefix(pathExpr, "$$") {
					source = contextDoc
					pathExpr = pathExpr[1:]
				}
				raw, err := getPath(source, pathExpr)
				if err != nil {
					return nil, err
				}
				var decoded interface{}
				if err := json.Unmarshal(raw, &decoded); err != nil {
					return nil, err
				}
				out[strings.TrimSuffix(key, ".$")] = decoded
				continue
			}
			resolved, err := resolveTemplateValue(inner, doc, contextDoc)
			if err != nil {
				return nil, err
			}
			out[key] = resolved
		}
		return out, nil

	case []interface{}:
		out := make([]interface{}, len(v))
		for i, inner := range v {
			resolved, err := resolveTemplateValue(inner, doc, contextDoc)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil

	default:
		return v, nil
	}
}
