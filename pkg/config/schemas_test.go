package config

import (
	"context"
	"strings"
	"testing"
)

func TestSchemaRegistry_Builtin(t *testing.T) {
	sr := NewSchemaRegistry()

	names := sr.ListSchemas()
	if len(names) != 1 || names[0] != SchemaAlias {
		t.Fatalf("expected only the alias schema, got %v", names)
	}
	if _, ok := sr.GetSchema(SchemaAlias); !ok {
		t.Fatal("alias schema not found")
	}
}

func TestSchemaRegistry_ValidateAlias(t *testing.T) {
	sr := NewSchemaRegistry()
	ctx := context.Background()

	tests := []struct {
		name    string
		data    map[string]interface{}
		wantErr string
	}{
		{
			name: "full destination",
			data: map[string]interface{}{
				"parent": "@example.base",
				"root":   "/var/www/html",
				"uri":    "new.example.com",
				"path-aliases": map[string]interface{}{
					"%files": "sites/new/files",
				},
				"databases": map[string]interface{}{
					"default": map[string]interface{}{
						"default": map[string]interface{}{
							"database": "new",
							"username": "new",
							"password": "secret",
							"host":     "localhost",
							"port":     3306,
							"driver":   "mysql",
							"prefix":   map[string]interface{}{"default": "dr_"},
						},
					},
				},
				"destination-config": map[string]interface{}{
					"domain-binding": map[string]interface{}{"type": "subdomain", "name": "new"},
					"variables":      map[string]interface{}{"site_name": "New"},
				},
				"ssh-options": "-p 2222",
			},
		},
		{
			name: "legacy keys",
			data: map[string]interface{}{
				"db-url": "mysqli://u:p@localhost/db",
				"sitespinner-destination": map[string]interface{}{
					"create-domain": map[string]interface{}{"type": "path", "name": "new"},
					"server-environment": map[string]interface{}{
						"default_user":              "www-data",
						"settings_file_permissions": "0444",
					},
				},
			},
		},
		{
			name:    "bad binding type",
			data:    map[string]interface{}{"destination-config": map[string]interface{}{"domain-binding": map[string]interface{}{"type": "vhost"}}},
			wantErr: "type",
		},
		{
			name: "numeric modes",
			data: map[string]interface{}{"destination-config": map[string]interface{}{
				"server-environment": map[string]interface{}{"settings_mode": 640, "files_mode": "0o2770"},
			}},
		},
		{
			name: "mode must be octal digits",
			data: map[string]interface{}{"destination-config": map[string]interface{}{
				"server-environment": map[string]interface{}{"settings_mode": "rw-r-----"},
			}},
			wantErr: "settings_mode",
		},
		{
			name:    "root must be a string",
			data:    map[string]interface{}{"root": 42},
			wantErr: "root",
		},
		{
			name:    "malformed parent",
			data:    map[string]interface{}{"parent": "@@base"},
			wantErr: "parent",
		},
		{
			name:    "db-url needs a scheme",
			data:    map[string]interface{}{"db-url": "localhost/db"},
			wantErr: "db-url",
		},
		{
			name:    "path alias values are strings",
			data:    map[string]interface{}{"path-aliases": map[string]interface{}{"%files": []interface{}{"a"}}},
			wantErr: "%files",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := sr.ValidateAgainstSchema(ctx, SchemaAlias, tt.data)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error mentioning %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestSchemaRegistry_Custom(t *testing.T) {
	sr := NewSchemaRegistry()
	ctx := context.Background()

	if err := sr.RegisterSchema("site", `uri: string & =~"\\.example\\.com$"`); err != nil {
		t.Fatalf("RegisterSchema: %v", err)
	}
	if err := sr.ValidateAgainstSchema(ctx, "site", map[string]interface{}{"uri": "a.example.com"}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := sr.ValidateAgainstSchema(ctx, "site", map[string]interface{}{"uri": "a.example.org"}); err == nil {
		t.Error("expected validation error")
	}

	if err := sr.RegisterSchema("broken", `uri: string &`); err == nil {
		t.Error("expected compile error")
	}
	if err := sr.ValidateAgainstSchema(ctx, "missing", nil); err == nil {
		t.Error("expected unknown schema error")
	}
}
