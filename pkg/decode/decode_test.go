package decode

import (
	"errors"
	"reflect"
	"testing"
)

func TestDecode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		raw         string
		contentType string
		want        map[string]any
	}{
		{
			name:        "json body",
			raw:         `{"type":"event_callback","event":{"type":"app_mention"}}`,
			contentType: "application/json",
			want:        map[string]any{"type": "event_callback", "event": map[string]any{"type": "app_mention"}},
		},
		{
			name:        "json with charset",
			raw:         `{"n":1}`,
			contentType: "application/json; charset=utf-8",
			want:        map[string]any{"n": float64(1)},
		},
		{
			name:        "missing content type is json",
			raw:         `{"ssl_check":true}`,
			contentType: "",
			want:        map[string]any{"ssl_check": true},
		},
		{
			name:        "form with nested payload",
			raw:         "payload=%7B%22type%22%3A%22foo%22%7D",
			contentType: "application/x-www-form-urlencoded",
			want:        map[string]any{"type": "foo"},
		},
		{
			name:        "flat form",
			raw:         "command=%2Fweather&text=94070&team_id=T1",
			contentType: "application/x-www-form-urlencoded; charset=utf-8",
			want:        map[string]any{"command": "/weather", "text": "94070", "team_id": "T1"},
		},
		{
			name:        "form keeps first repeated value",
			raw:         "a=1&a=2",
			contentType: "Application/X-WWW-Form-Urlencoded",
			want:        map[string]any{"a": "1"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode([]byte(tt.raw), tt.contentType)
			if err != nil {
				t.Fatalf("Decode error: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("Decode = %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestDecodeErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		raw         string
		contentType string
	}{
		{name: "empty json body", raw: "", contentType: "application/json"},
		{name: "whitespace json body", raw: "  \n", contentType: "application/json"},
		{name: "malformed json", raw: `{"type":`, contentType: "application/json"},
		{name: "json array", raw: `[1,2]`, contentType: "application/json"},
		{name: "json null", raw: `null`, contentType: "application/json"},
		{name: "malformed nested payload", raw: "payload=%7Bnope", contentType: "application/x-www-form-urlencoded"},
		{name: "empty nested payload", raw: "payload=", contentType: "application/x-www-form-urlencoded"},
		{name: "bad form escape", raw: "a=%zz", contentType: "application/x-www-form-urlencoded"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.raw), tt.contentType)
			var decodeErr *DecodeError
			if !errors.As(err, &decodeErr) {
				t.Fatalf("error = %v, want DecodeError", err)
			}
			if errors.Unwrap(err) == nil {
				t.Fatal("expected parse detail to be preserved")
			}
		})
	}
}
