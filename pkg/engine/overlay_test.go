package engine

import (
	"reflect"
	"testing"

	"github.com/sitespinner/sitespinner/pkg/alias"
)

func TestOverlay(t *testing.T) {
	live := alias.Map{
		"site_name": alias.Scalar{V: "Template"},
		"theme":     alias.Map{"logo": alias.Scalar{V: "a.png"}, "toggles": alias.List{alias.Scalar{V: "x"}}},
	}
	overrides := alias.Map{
		"theme": alias.Map{"toggles": alias.List{alias.Scalar{V: "y"}}, "color": alias.Scalar{V: "red"}},
	}

	got := alias.ToNative(Overlay(live, overrides))
	want := map[string]interface{}{
		"site_name": "Template",
		"theme": map[string]interface{}{
			"logo":    "a.png",
			"toggles": []interface{}{"y"},
			"color":   "red",
		},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Overlay() = %#v, want %#v", got, want)
	}
}

func TestOverlay_Idempotent(t *testing.T) {
	live := alias.Map{"a": alias.Scalar{V: int64(1)}, "n": alias.Map{"x": alias.Scalar{V: "1"}}}
	overrides := alias.Map{"n": alias.Map{"y": alias.Scalar{V: "2"}}}

	first := Overlay(live, overrides)
	second := Overlay(live, overrides)
	again := Overlay(first, overrides)

	if !reflect.DeepEqual(alias.ToNative(first), alias.ToNative(second)) {
		t.Error("same inputs gave different results")
	}
	if !reflect.DeepEqual(alias.ToNative(first), alias.ToNative(again)) {
		t.Error("re-applying overrides changed the result")
	}
	if _, ok := live["n"].(alias.Map)["y"]; ok {
		t.Error("Overlay mutated live variables")
	}
}

func TestOverlay_NilInputs(t *testing.T) {
	if got := Overlay(nil, nil); len(got) != 0 {
		t.Errorf("Overlay(nil, nil) = %v", got)
	}
	got := Overlay(nil, alias.Map{"a": alias.Scalar{V: "b"}})
	if got.String("a") != "b" {
		t.Errorf("Overlay(nil, overrides) = %v", got)
	}
}
