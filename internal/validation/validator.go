package validation

import (
	"errors"
	"fmt"
	"sort"

	"github.com/pelletier/go-toml/v2"
)

// Error codes reported by the validator.
const (
	CodeTOMLSyntax    = "TOML_SYNTAX"
	CodeUnknownKey    = "UNKNOWN_KEY"
	CodeNoSources     = "NO_SOURCES"
	CodeNoSinks       = "NO_SINKS"
	CodeMissingType   = "MISSING_TYPE"
	CodeInvalidInput  = "INVALID_INPUT"
	CodeMissingInputs = "MISSING_INPUTS"
	CodeEngineFailed  = "VECTOR_VALIDATE"
	CodeEngineMissing = "VECTOR_NOT_FOUND"
)

// Error is one hard validation failure.
type Error struct {
	Code      string  `json:"code"`
	Message   string  `json:"message"`
	Line      *int    `json:"line,omitempty"`
	Column    *int    `json:"column,omitempty"`
	Component *string `json:"component,omitempty"`
}

// Warning is advisory only and never makes a document invalid.
type Warning struct {
	Code      string  `json:"code"`
	Message   string  `json:"message"`
	Component *string `json:"component,omitempty"`
}

// Result accumulates the outcome of all layers. Validity is purely the
// absence of errors.
type Result struct {
	Errors   []Error   `json:"errors"`
	Warnings []Warning `json:"warnings"`
}

// Valid reports whether no layer produced a hard error.
func (r *Result) Valid() bool {
	return len(r.Errors) == 0
}

func (r *Result) addError(e Error) {
	r.Errors = append(r.Errors, e)
}

func (r *Result) addWarning(w Warning) {
	r.Warnings = append(r.Warnings, w)
}

// knownTopLevel is the closed whitelist of recognized document sections.
var knownTopLevel = map[string]bool{
	"api":               true,
	"sources":           true,
	"transforms":        true,
	"sinks":             true,
	"tests":             true,
	"enrichment_tables": true,
	"secret":            true,
}

// Validate runs the syntax, schema and component-graph layers over the
// document. It is a pure function of the text and safe for unbounded
// concurrent use.
func Validate(content string) *Result {
	res := &Result{}

	var doc map[string]any
	if err := toml.Unmarshal([]byte(content), &doc); err != nil {
		e := Error{Code: CodeTOMLSyntax, Message: err.Error()}
		var de *toml.DecodeError
		if errors.As(err, &de) {
			line, col := de.Position()
			e.Line = &line
			e.Column = &col
		}
		res.addError(e)
		// syntax failure short-circuits the remaining layers
		return res
	}

	checkSchema(doc, res)
	checkComponents(doc, res)
	return res
}

func checkSchema(doc map[string]any, res *Result) {
	for _, key := range sortedKeys(doc) {
		if !knownTopLevel[key] {
			res.addWarning(Warning{
				Code:    CodeUnknownKey,
				Message: fmt.Sprintf("unknown top-level section %q", key),
			})
		}
	}
	if len(section(doc, "sources")) == 0 {
		res.addWarning(Warning{Code: CodeNoSources, Message: "configuration defines no sources"})
	}
	if len(section(doc, "sinks")) == 0 {
		res.addWarning(Warning{Code: CodeNoSinks, Message: "configuration defines no sinks"})
	}
}

func checkComponents(doc map[string]any, res *Result) {
	sources := section(doc, "sources")
	transforms := section(doc, "transforms")
	sinks := section(doc, "sinks")

	// every declared source and transform id is a valid upstream
	upstream := make(map[string]bool, len(sources)+len(transforms))
	for id := range sources {
		upstream[id] = true
	}
	for id := range transforms {
		upstream[id] = true
	}

	for _, id := range sortedKeys(sources) {
		body, _ := sources[id].(map[string]any)
		requireType(id, body, res)
	}
	for _, id := range sortedKeys(transforms) {
		body, _ := transforms[id].(map[string]any)
		requireType(id, body, res)
		checkInputs(id, body, upstream, res)
	}
	for _, id := range sortedKeys(sinks) {
		body, _ := sinks[id].(map[string]any)
		requireType(id, body, res)
		checkInputs(id, body, upstream, res)
	}
}

func requireType(id string, body map[string]any, res *Result) {
	if _, ok := body["type"]; !ok {
		comp := id
		res.addError(Error{
			Code:      CodeMissingType,
			Message:   fmt.Sprintf("component %q has no type field", id),
			Component: &comp,
		})
	}
}

func checkInputs(id string, body map[string]any, upstream map[string]bool, res *Result) {
	raw, ok := body["inputs"]
	if !ok {
		comp := id
		res.addWarning(Warning{
			Code:      CodeMissingInputs,
			Message:   fmt.Sprintf("component %q declares no inputs", id),
			Component: &comp,
		})
		return
	}
	inputs, _ := raw.([]any)
	for _, in := range inputs {
		name, _ := in.(string)
		if !upstream[name] {
			comp := id
			res.addError(Error{
				Code:      CodeInvalidInput,
				Message:   fmt.Sprintf("component %q references unknown input %q", id, name),
				Component: &comp,
			})
		}
	}
}

func section(doc map[string]any, name string) map[string]any {
	m, _ := doc[name].(map[string]any)
	return m
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
