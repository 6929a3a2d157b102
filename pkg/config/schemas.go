package config

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// SchemaAlias is the name of the built-in alias document schema.
const SchemaAlias = "alias"

// SchemaRegistry manages CUE schemas for validation.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a new schema registry with built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}

	if err := sr.RegisterSchema(SchemaAlias, builtinAliasSchema); err != nil {
		panic(err)
	}

	return sr
}

// RegisterSchema registers a CUE schema with the given name. The schema's top-level
// struct is unified with the data being validated.
func (sr *SchemaRegistry) RegisterSchema(name, schema string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(schema, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}

	sr.schemas[name] = val
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// ValidateAgainstSchema validates data against a named schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(ctx context.Context, schemaName string, data interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return fmt.Errorf("schema %s not found", schemaName)
	}

	// CUE values are not safe for concurrent evaluation.
	sr.mu.Lock()
	defer sr.mu.Unlock()

	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	unified := schema.Unify(dataVal)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return err
	}

	return nil
}

// ListSchemas returns all registered schema names in sorted order.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// builtinAliasSchema constrains the keys sitespinner reads from an alias document.
// Unknown keys are allowed; drush aliases carry many that are irrelevant here.
const builtinAliasSchema = `
parent?: string & =~"^@?[A-Za-z0-9_][A-Za-z0-9_.-]*$"
root?: string
uri?: string
"db-url"?: string & =~"^[a-z]+://"
"remote-host"?: string
"remote-user"?: string

"path-aliases"?: [string]: string

databases?: [string]: [string]: #Connection

"destination-config"?: #Destination
"sitespinner-destination"?: #Destination

#Connection: {
	database?: string
	username?: string
	password?: string | number
	host?: string
	port?: int | string
	driver?: string
	prefix?: string | {[string]: string}
	...
}

#Destination: {
	db_creator?: {
		username?: string
		password?: string | number
		...
	}
	settings_file_template?: string
	"server-environment"?: {
		settings_mode?:               #Mode
		settings_file_permissions?:   #Mode
		files_mode?:                  #Mode
		files_directory_permissions?: #Mode
		...
	}
	variables?: {...}
	"domain-binding"?: #Binding
	"create-domain"?: #Binding
	...
}

#Mode: (int & >=0) | (string & =~"^(0o?)?[0-7]+$")

#Binding: {
	type?: "path" | "domain" | "subdomain"
	name?: string
	...
}
`
