// Package catalog holds the fixed table of MCP tools exposed by the bridge
// and the gateway method each tool forwards to.
package catalog

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/kaptinlin/jsonschema"
	"github.com/mark3labs/mcp-go/mcp"

	"clawbridge/internal/domain"
)

// Entry binds an MCP tool definition to a gateway method.
type Entry struct {
	Tool   mcp.Tool
	Method string
	// Check runs after schema validation for constraints a JSON schema
	// cannot express. Optional.
	Check func(args map[string]any) error
}

// Catalog is an immutable tool table. It is safe for concurrent use.
type Catalog struct {
	entries map[string]Entry
	schemas map[string]*jsonschema.Schema
	names   []string
}

// New builds a catalog, compiling each tool's input schema once.
func New(entries ...Entry) (*Catalog, error) {
	c := &Catalog{
		entries: make(map[string]Entry, len(entries)),
		schemas: make(map[string]*jsonschema.Schema, len(entries)),
		names:   make([]string, 0, len(entries)),
	}
	compiler := jsonschema.NewCompiler()

	for _, e := range entries {
		name := e.Tool.Name
		if name == "" {
			return nil, fmt.Errorf("catalog: tool with method %q has no name", e.Method)
		}
		if e.Method == "" {
			return nil, fmt.Errorf("catalog: tool %q has no gateway method", name)
		}
		if _, dup := c.entries[name]; dup {
			return nil, fmt.Errorf("%w: %s", domain.ErrDuplicateTool, name)
		}

		raw, err := inputSchema(e.Tool)
		if err != nil {
			return nil, fmt.Errorf("catalog: tool %q: %w", name, err)
		}
		schema, err := compiler.Compile(raw)
		if err != nil {
			return nil, fmt.Errorf("catalog: tool %q: compile schema: %w", name, err)
		}

		c.entries[name] = e
		c.schemas[name] = schema
		c.names = append(c.names, name)
	}
	sort.Strings(c.names)
	return c, nil
}

// MustNew is New that panics on error. Used for static tables.
func MustNew(entries ...Entry) *Catalog {
	c, err := New(entries...)
	if err != nil {
		panic(err)
	}
	return c
}

// Lookup returns the entry for a tool name.
func (c *Catalog) Lookup(name string) (Entry, error) {
	e, ok := c.entries[name]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s", domain.ErrUnknownTool, name)
	}
	return e, nil
}

// Entries returns all entries sorted by tool name.
func (c *Catalog) Entries() []Entry {
	out := make([]Entry, 0, len(c.names))
	for _, n := range c.names {
		out = append(out, c.entries[n])
	}
	return out
}

// Len returns the number of tools.
func (c *Catalog) Len() int { return len(c.names) }

// Validate checks args against the tool's input schema. A nil map is
// treated as an empty argument object.
func (c *Catalog) Validate(name string, args map[string]any) error {
	schema, ok := c.schemas[name]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrUnknownTool, name)
	}
	if args == nil {
		args = map[string]any{}
	}
	result := schema.Validate(args)
	if !result.IsValid() {
		return fmt.Errorf("%w for %s: %s", domain.ErrInvalidArguments, name, result.Error())
	}
	if check := c.entries[name].Check; check != nil {
		if err := check(args); err != nil {
			return fmt.Errorf("%w for %s: %v", domain.ErrInvalidArguments, name, err)
		}
	}
	return nil
}

// inputSchema extracts the JSON form of a tool's input schema. Going through
// the tool's own marshaller covers both structured and raw schemas.
func inputSchema(t mcp.Tool) ([]byte, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("marshal tool: %w", err)
	}
	var wire struct {
		InputSchema json.RawMessage `json:"inputSchema"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("decode tool: %w", err)
	}
	if len(wire.InputSchema) == 0 {
		return []byte(`{"type":"object"}`), nil
	}
	return wire.InputSchema, nil
}
