package toolexecutor

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/harun/relay/internal/observability"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/panics"
	"github.com/sourcegraph/conc/pool"
	"github.com/xeipuuv/gojsonschema"
)

const (
	DefaultTimeout   = 30 * time.Second
	DefaultMaxOutput = 10 * 1024
)

// ToolParameter defines a parameter for a tool
type ToolParameter struct {
	Name        string      `json:"name"`
	Type        string      `json:"type"`
	Description string      `json:"description"`
	Required    bool        `json:"required"`
	Default     interface{} `json:"default,omitempty"`
}

// ToolDefinition defines a tool's metadata and handler
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  []ToolParameter `json:"parameters"`
	Handler     ToolHandler     `json:"-"`
}

// ToolHandler is the function signature for tool execution
type ToolHandler func(ctx context.Context, params map[string]interface{}) (interface{}, error)

// ExecutionContext provides runtime information for tool execution
type ExecutionContext struct {
	SessionID  string
	WorkingDir string
	Timeout    time.Duration
	Policy     *ToolPolicy
}

// ToolResult represents the result of a tool execution
type ToolResult struct {
	Success   bool                   `json:"success"`
	Output    interface{}            `json:"output,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Truncated bool                   `json:"truncated,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Text renders the result as the string handed back to the model.
func (r ToolResult) Text() string {
	if !r.Success {
		return r.Error
	}
	switch v := r.Output.(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	}
	data, err := json.Marshal(r.Output)
	if err != nil {
		return fmt.Sprintf("%v", r.Output)
	}
	return string(data)
}

// Call is one tool invocation requested by the model.
type Call struct {
	ID     string
	Name   string
	Params map[string]interface{}
}

// Config holds configuration for a ToolExecutor.
type Config struct {
	// MaxOutput truncates string output longer than this many bytes.
	MaxOutput int
	// MaxParallel bounds ExecuteAll concurrency.
	MaxParallel int
	Logger      zerolog.Logger
}

// ToolExecutor manages and executes tools
type ToolExecutor struct {
	tools       map[string]*ToolDefinition
	schemas     map[string]*gojsonschema.Schema
	rawSchemas  map[string]map[string]interface{}
	maxOutput   int
	maxParallel int
	logger      zerolog.Logger
	mu          sync.RWMutex
}

// New creates a new ToolExecutor
func New(cfg Config) *ToolExecutor {
	if cfg.MaxOutput <= 0 {
		cfg.MaxOutput = DefaultMaxOutput
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 4
	}
	return &ToolExecutor{
		tools:       make(map[string]*ToolDefinition),
		schemas:     make(map[string]*gojsonschema.Schema),
		rawSchemas:  make(map[string]map[string]interface{}),
		maxOutput:   cfg.MaxOutput,
		maxParallel: cfg.MaxParallel,
		logger:      cfg.Logger.With().Str("component", "toolexecutor").Logger(),
	}
}

// RegisterTool registers a new tool
func (te *ToolExecutor) RegisterTool(def ToolDefinition) error {
	if err := validateToolDefinition(def); err != nil {
		return fmt.Errorf("invalid tool definition: %w", err)
	}

	raw := buildSchema(def)
	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(raw))
	if err != nil {
		return fmt.Errorf("failed to generate schema: %w", err)
	}

	te.mu.Lock()
	defer te.mu.Unlock()

	te.tools[def.Name] = &def
	te.schemas[def.Name] = schema
	te.rawSchemas[def.Name] = raw

	te.logger.Debug().Str("tool", def.Name).Msg("Tool registered")
	return nil
}

// UnregisterTool removes a tool
func (te *ToolExecutor) UnregisterTool(name string) {
	te.mu.Lock()
	defer te.mu.Unlock()

	delete(te.tools, name)
	delete(te.schemas, name)
	delete(te.rawSchemas, name)
}

// GetTool returns a tool definition by name
func (te *ToolExecutor) GetTool(name string) *ToolDefinition {
	te.mu.RLock()
	defer te.mu.RUnlock()

	return te.tools[name]
}

// ListTools returns all registered tool names in sorted order.
func (te *ToolExecutor) ListTools() []string {
	te.mu.RLock()
	defer te.mu.RUnlock()

	tools := make([]string, 0, len(te.tools))
	for name := range te.tools {
		tools = append(tools, name)
	}
	sort.Strings(tools)
	return tools
}

// Schema returns the JSON schema of a tool's parameters.
func (te *ToolExecutor) Schema(name string) (map[string]interface{}, bool) {
	te.mu.RLock()
	defer te.mu.RUnlock()

	s, ok := te.rawSchemas[name]
	return s, ok
}

// Execute executes a tool with the given parameters
func (te *ToolExecutor) Execute(ctx context.Context, toolName string, params map[string]interface{}, execCtx *ExecutionContext) ToolResult {
	startTime := time.Now()

	if execCtx != nil && !execCtx.Policy.IsToolAllowed(toolName) {
		te.logger.Warn().Str("tool", toolName).Str("session_id", execCtx.SessionID).Msg("Tool execution blocked by policy")
		return ToolResult{
			Success:  false,
			Error:    fmt.Sprintf("tool '%s' is not allowed by policy", toolName),
			Metadata: map[string]interface{}{"policy_violation": true},
		}
	}

	te.mu.RLock()
	tool := te.tools[toolName]
	schema := te.schemas[toolName]
	te.mu.RUnlock()

	if tool == nil {
		te.logger.Error().Str("tool", toolName).Msg("Tool not found")
		return ToolResult{Success: false, Error: fmt.Sprintf("tool not found: %s", toolName)}
	}

	if params == nil {
		params = map[string]interface{}{}
	}
	if err := validateParameters(schema, params); err != nil {
		te.logger.Warn().Str("tool", toolName).Err(err).Msg("Parameter validation failed")
		return ToolResult{Success: false, Error: fmt.Sprintf("parameter validation failed: %v", err)}
	}

	timeout := DefaultTimeout
	if execCtx != nil && execCtx.Timeout > 0 {
		timeout = execCtx.Timeout
	}

	timeoutCtx, cancel := context.WithTimeout(WithExecution(ctx, execCtx), timeout)
	defer cancel()

	type outcome struct {
		value interface{}
		err   error
	}
	done := make(chan outcome, 1)

	go func() {
		var out outcome
		var pc panics.Catcher
		pc.Try(func() { out.value, out.err = tool.Handler(timeoutCtx, params) })
		if r := pc.Recovered(); r != nil {
			out.err = r.AsError()
		}
		done <- out
	}()

	var result ToolResult
	select {
	case out := <-done:
		switch {
		case out.err != nil && timeoutCtx.Err() != nil:
			result = ToolResult{Success: false, Error: interruptedMessage(ctx, timeout)}
		case out.err != nil:
			result = ToolResult{Success: false, Error: out.err.Error()}
		default:
			output, truncated := te.truncateOutput(out.value)
			result = ToolResult{Success: true, Output: output, Truncated: truncated}
		}

	case <-timeoutCtx.Done():
		result = ToolResult{Success: false, Error: interruptedMessage(ctx, timeout)}
	}

	duration := time.Since(startTime)
	result.Metadata = map[string]interface{}{"duration": duration.Milliseconds()}
	observability.RecordToolExecution(toolName, duration, result.Success)

	te.logger.Debug().
		Str("tool", toolName).
		Dur("duration", duration).
		Bool("success", result.Success).
		Bool("truncated", result.Truncated).
		Msg("Tool execution completed")

	return result
}

// ExecuteAll runs calls concurrently and returns results in call order.
func (te *ToolExecutor) ExecuteAll(ctx context.Context, calls []Call, execCtx *ExecutionContext) []ToolResult {
	results := make([]ToolResult, len(calls))
	p := pool.New().WithMaxGoroutines(te.maxParallel)
	for i, call := range calls {
		p.Go(func() {
			results[i] = te.Execute(ctx, call.Name, call.Params, execCtx)
		})
	}
	p.Wait()
	return results
}

func interruptedMessage(parent context.Context, timeout time.Duration) string {
	if parent.Err() != nil {
		return "tool execution cancelled"
	}
	return fmt.Sprintf("tool execution timeout after %v", timeout)
}

var validTypes = map[string]bool{
	"string": true, "number": true, "boolean": true,
	"object": true, "array": true, "integer": true,
}

func validateToolDefinition(def ToolDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if def.Description == "" {
		return fmt.Errorf("tool description cannot be empty")
	}
	if def.Handler == nil {
		return fmt.Errorf("tool handler cannot be nil")
	}

	for _, param := range def.Parameters {
		if param.Name == "" {
			return fmt.Errorf("parameter name cannot be empty")
		}
		if param.Type == "" {
			return fmt.Errorf("parameter type cannot be empty for %s", param.Name)
		}
		if param.Description == "" {
			return fmt.Errorf("parameter description cannot be empty for %s", param.Name)
		}
		if !validTypes[param.Type] {
			return fmt.Errorf("invalid parameter type %s for %s", param.Type, param.Name)
		}
	}

	return nil
}

func buildSchema(def ToolDefinition) map[string]interface{} {
	properties := make(map[string]interface{}, len(def.Parameters))
	required := []string{}

	for _, param := range def.Parameters {
		paramSchema := map[string]interface{}{
			"type":        param.Type,
			"description": param.Description,
		}
		if param.Default != nil {
			paramSchema["default"] = param.Default
		}
		properties[param.Name] = paramSchema

		if param.Required {
			required = append(required, param.Name)
		}
	}

	schema := map[string]interface{}{
		"type":                 "object",
		"additionalProperties": false,
		"properties":           properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func validateParameters(schema *gojsonschema.Schema, params map[string]interface{}) error {
	if schema == nil {
		return nil
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(params))
	if err != nil {
		return err
	}

	if !result.Valid() {
		errs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			errs = append(errs, e.String())
		}
		return fmt.Errorf("validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// truncateOutput truncates output if it exceeds the size limit
func (te *ToolExecutor) truncateOutput(output interface{}) (interface{}, bool) {
	str, ok := output.(string)
	if !ok {
		str = fmt.Sprintf("%v", output)
	}

	if len(str) <= te.maxOutput {
		return output, false
	}

	te.logger.Warn().
		Int("original", len(str)).
		Int("truncated", te.maxOutput).
		Msg("Output truncated")

	return str[:te.maxOutput] + "\n... [output truncated]", true
}
