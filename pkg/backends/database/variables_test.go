package database

import (
	"reflect"
	"testing"

	"github.com/sitespinner/sitespinner/pkg/alias"
)

func TestDecodeVariable(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want interface{}
	}{
		{name: "string", raw: `s:5:"Peace";`, want: "Peace"},
		{name: "integer", raw: `i:42;`, want: int64(42)},
		{name: "float", raw: `d:1.5;`, want: 1.5},
		{name: "boolean", raw: `b:1;`, want: true},
		{name: "null", raw: `N;`, want: nil},
		{
			name: "associative array",
			raw:  `a:2:{s:9:"logo_path";s:8:"logo.png";s:11:"toggle_logo";i:1;}`,
			want: map[string]interface{}{"logo_path": "logo.png", "toggle_logo": int64(1)},
		},
		{
			name: "indexed array becomes a list",
			raw:  `a:2:{i:0;s:4:"node";i:1;s:4:"user";}`,
			want: []interface{}{"node", "user"},
		},
		{
			name: "nested arrays",
			raw:  `a:1:{s:5:"theme";a:1:{s:7:"regions";a:2:{i:0;s:6:"header";i:1;s:6:"footer";}}}`,
			want: map[string]interface{}{
				"theme": map[string]interface{}{"regions": []interface{}{"header", "footer"}},
			},
		},
		{
			name: "sparse integer keys stay a map",
			raw:  `a:2:{i:0;s:1:"a";i:5;s:1:"b";}`,
			want: map[string]interface{}{"0": "a", "5": "b"},
		},
		{name: "objects are kept raw", raw: `O:8:"stdClass":0:{}`, want: `O:8:"stdClass":0:{}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeVariable([]byte(tt.raw))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if native := alias.ToNative(got); !reflect.DeepEqual(native, tt.want) {
				t.Errorf("DecodeVariable(%s) = %#v, want %#v", tt.raw, native, tt.want)
			}
		})
	}
}

func TestEncodeVariable(t *testing.T) {
	tests := []struct {
		name  string
		value alias.Value
		want  string
	}{
		{name: "string", value: alias.Scalar{V: "Peace"}, want: `s:5:"Peace";`},
		{name: "integer", value: alias.Scalar{V: int64(42)}, want: `i:42;`},
		{name: "boolean", value: alias.Scalar{V: true}, want: `b:1;`},
		{name: "null", value: alias.Scalar{}, want: `N;`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := EncodeVariable(tt.value)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("EncodeVariable() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestEncodeVariableNestedMapDecodes(t *testing.T) {
	value := alias.Map{
		"logo_path": alias.Scalar{V: "files/logo.png"},
		"features":  alias.List{alias.Scalar{V: "logo"}, alias.Scalar{V: "name"}},
	}

	raw, err := EncodeVariable(value)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	decoded, err := DecodeVariable(raw)
	if err != nil {
		t.Fatalf("failed to decode %s: %v", raw, err)
	}
	if !reflect.DeepEqual(alias.ToNative(decoded), alias.ToNative(value)) {
		t.Errorf("decoded %#v, want %#v", alias.ToNative(decoded), alias.ToNative(value))
	}
}
