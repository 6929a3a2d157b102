package engine_test

import (
	"fmt"
	"log"

	"github.com/rs/zerolog"

	"github.com/sitespinner/sitespinner/pkg/alias"
	"github.com/sitespinner/sitespinner/pkg/engine"
)

func mustMap(in map[string]interface{}) alias.Map {
	m, err := alias.MapFromNative(in)
	if err != nil {
		log.Fatal(err)
	}
	return m
}

// Example_provisioningPlan builds the six-action plan that clones a template
// site into a new destination inheriting from it.
func Example_provisioningPlan() {
	store, err := alias.Load(
		alias.Document{Name: "template", Body: mustMap(map[string]interface{}{
			"root": "/var/www",
			"uri":  "example.com",
			"path-aliases": map[string]interface{}{
				"%files": "/var/www/sites/template/files",
			},
			"databases": map[string]interface{}{"default": map[string]interface{}{"default": map[string]interface{}{
				"driver": "mysql", "host": "localhost", "database": "template",
				"username": "template", "password": "secret",
			}}},
		})},
		alias.Document{Name: "peace", Body: mustMap(map[string]interface{}{
			"parent": "@template",
			"path-aliases": map[string]interface{}{
				"%files": "/var/www/sites/peace/files",
			},
			"databases": map[string]interface{}{"default": map[string]interface{}{"default": map[string]interface{}{
				"database": "peace", "username": "peace", "password": "peacepw",
			}}},
			"destination-config": map[string]interface{}{
				"variables":      map[string]interface{}{"site_name": "Peace"},
				"domain-binding": map[string]interface{}{"type": "subdomain", "name": "peace"},
			},
		})},
	)
	if err != nil {
		log.Fatal(err)
	}

	resolver := alias.NewResolver(store)
	source, err := resolver.Resolve("template")
	if err != nil {
		log.Fatal(err)
	}
	dest, err := resolver.Resolve("@peace")
	if err != nil {
		log.Fatal(err)
	}

	plan, err := engine.NewPlanner(zerolog.Nop()).Build(source, dest, engine.PlanOptions{})
	if err != nil {
		log.Fatal(err)
	}

	fmt.Println("chain:", dest.Chain)
	for i, kind := range plan.Kinds() {
		fmt.Printf("%d. %s\n", i+1, kind)
	}

	// Output:
	// chain: [template peace]
	// 1. FetchLiveVariables
	// 2. CopyDatabase
	// 3. CopyFiles
	// 4. WriteSettings
	// 5. BindDomain
	// 6. ApplyVariables
}

// ExampleOverlay lays destination overrides over live variable values.
func ExampleOverlay() {
	live := mustMap(map[string]interface{}{
		"site_name": "Template",
		"theme_settings": map[string]interface{}{
			"logo_path":   "template.png",
			"toggle_name": 1,
		},
	})
	overrides := mustMap(map[string]interface{}{
		"site_name": "Peace",
		"theme_settings": map[string]interface{}{
			"logo_path": "peace.png",
		},
	})

	final := engine.Overlay(live, overrides)
	fmt.Println(alias.ToNative(final))

	// Output:
	// map[site_name:Peace theme_settings:map[logo_path:peace.png toggle_name:1]]
}
