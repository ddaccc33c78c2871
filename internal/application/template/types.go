// Package template provides a template engine for resolving variables in
// node configurations before a job is dispatched.
//
// The template engine supports the following reference forms:
//   - {{$env.KEY}}        - a decrypted workflow secret or configured env value
//   - {{$trigger.path}}   - a field of the run's triggering input
//   - {{$input.path}}     - alias of $trigger, kept for readability at the
//     entry node where "the input" reads more naturally than "the trigger"
//   - {{nodeId}}          - the full output of a predecessor node
//   - {{nodeId.path}}     - a nested field of a predecessor node's output
//
// The engine supports both strict and non-strict modes:
//   - Strict mode: Missing variables cause execution to fail with an error
//   - Non-strict mode: Missing variables are replaced with empty string or kept as placeholder
package template

import (
	"errors"
	"fmt"
)

// VariableContext holds everything a single node's interpolation pass can
// reference: the resolved environment/secrets, the run's trigger input,
// and the outputs already produced by upstream nodes in this run.
type VariableContext struct {
	// Env contains decrypted secrets and configured environment values,
	// referenced as {{$env.KEY}}.
	Env map[string]interface{}

	// Trigger contains the run's triggering input, referenced as
	// {{$trigger.path}} or its {{$input.path}} alias.
	Trigger map[string]interface{}

	// NodeOutputs maps node ID to that node's completed output, referenced
	// as bare {{nodeId}} or {{nodeId.path}}.
	NodeOutputs map[string]interface{}
}

// NewVariableContext creates a new, empty variable context.
func NewVariableContext() *VariableContext {
	return &VariableContext{
		Env:         make(map[string]interface{}),
		Trigger:     make(map[string]interface{}),
		NodeOutputs: make(map[string]interface{}),
	}
}

// GetEnvVariable retrieves a $env value by name.
func (c *VariableContext) GetEnvVariable(name string) (interface{}, bool) {
	val, ok := c.Env[name]
	return val, ok
}

// GetInputVariable retrieves a $trigger/$input value by name.
func (c *VariableContext) GetInputVariable(name string) (interface{}, bool) {
	val, ok := c.Trigger[name]
	return val, ok
}

// GetNodeOutput retrieves the recorded output of a predecessor node.
func (c *VariableContext) GetNodeOutput(nodeID string) (interface{}, bool) {
	val, ok := c.NodeOutputs[nodeID]
	return val, ok
}

// TemplateOptions configures template resolution behavior.
type TemplateOptions struct {
	// StrictMode determines error handling for missing variables
	// When true, missing variables cause an error
	// When false, missing variables are handled gracefully
	StrictMode bool

	// PlaceholderOnMissing keeps the original placeholder when variable is missing
	// Only applies when StrictMode is false
	// If false, replaces with empty string instead
	PlaceholderOnMissing bool
}

// DefaultOptions returns the default template options.
func DefaultOptions() TemplateOptions {
	return TemplateOptions{
		StrictMode:           false,
		PlaceholderOnMissing: false,
	}
}

// TemplateError represents an error that occurred during template resolution.
type TemplateError struct {
	Template string
	Variable string
	Path     string
	Err      error
}

// Error implements the error interface.
func (e *TemplateError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("template error in '%s': failed to resolve '{{%s.%s}}': %v",
			e.Template, e.Variable, e.Path, e.Err)
	}
	return fmt.Sprintf("template error in '%s': failed to resolve '{{%s}}': %v",
		e.Template, e.Variable, e.Err)
}

// Unwrap returns the underlying error.
func (e *TemplateError) Unwrap() error {
	return e.Err
}

// Common errors
var (
	ErrVariableNotFound  = errors.New("variable not found")
	ErrInvalidPath       = errors.New("invalid path")
	ErrInvalidTemplate   = errors.New("invalid template syntax")
	ErrTypeNotSupported  = errors.New("type not supported for path traversal")
	ErrArrayIndexInvalid = errors.New("invalid array index")
	ErrArrayOutOfBounds  = errors.New("array index out of bounds")
)
