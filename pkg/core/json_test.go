package core

import (
	"encoding/json"
	"testing"
)

func TestJSONEncode(t *testing.T) {
	tests := []struct {
		name    string
		v       interface{}
		wantErr bool
	}{
		{"valid map", map[string]string{"key": "value"}, false},
		{"valid string", "test", false},
		{"nil value", nil, true},
		{"valid struct", struct{ Name string }{"test"}, false},
		{"unencodable value", make(chan int), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := JSONEncode(tt.v)
			if (err != nil) != tt.wantErr {
				t.Errorf("JSONEncode() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestJSONDecode(t *testing.T) {
	tests := []struct {
		name    string
		data    []byte
		v       interface{}
		wantErr bool
	}{
		{"valid json", []byte(`{"key":"value"}`), &map[string]string{}, false},
		{"empty data", []byte{}, &map[string]string{}, true},
		{"nil target", []byte(`{"key":"value"}`), nil, true},
		{"invalid json", []byte(`{invalid}`), &map[string]string{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := JSONDecode(tt.data, tt.v)
			if (err != nil) != tt.wantErr {
				t.Errorf("JSONDecode() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestJSONEncodeDecode(t *testing.T) {
	type machineContext struct {
		CurrentState string `json:"currentState"`
		Caller       string `json:"caller"`
		Talked       int    `json:"talked"`
	}
	original := machineContext{CurrentState: "CONNECTED", Caller: "+15551234", Talked: 3}

	encoded, err := JSONEncode(original)
	if err != nil {
		t.Fatalf("JSONEncode() error = %v", err)
	}

	var decoded machineContext
	if err := JSONDecode(encoded, &decoded); err != nil {
		t.Fatalf("JSONDecode() error = %v", err)
	}
	if decoded != original {
		t.Errorf("decoded = %+v, want %+v", decoded, original)
	}

	// The output stays plain JSON readable by the standard library.
	var raw map[string]interface{}
	if err := json.Unmarshal(encoded, &raw); err != nil {
		t.Errorf("standard unmarshal of encoded data: %v", err)
	}
}

func TestJSONEncode_FailFast_NilValue(t *testing.T) {
	_, err := JSONEncode(nil)
	if err == nil {
		t.Fatal("JSONEncode() should fail-fast with nil value")
	}
	if e, ok := err.(*Error); !ok || e.Code != "INVALID_INPUT" {
		t.Errorf("error = %v, want *Error with code 'INVALID_INPUT'", err)
	}
}

func TestJSONDecode_FailFast_EmptyData(t *testing.T) {
	var result map[string]string
	err := JSONDecode([]byte{}, &result)
	if err == nil {
		t.Fatal("JSONDecode() should fail-fast with empty data")
	}
	if e, ok := err.(*Error); !ok || e.Code != "INVALID_INPUT" {
		t.Errorf("error = %v, want *Error with code 'INVALID_INPUT'", err)
	}
}

func TestJSONDecode_FailFast_NilTarget(t *testing.T) {
	err := JSONDecode([]byte(`{"key":"value"}`), nil)
	if err == nil {
		t.Fatal("JSONDecode() should fail-fast with nil target")
	}
	if e, ok := err.(*Error); !ok || e.Code != "INVALID_INPUT" {
		t.Errorf("error = %v, want *Error with code 'INVALID_INPUT'", err)
	}
}

func TestErrorMessage(t *testing.T) {
	err := &Error{Code: "INVALID_INPUT", Message: "cannot encode nil value"}
	if got := err.Error(); got != "INVALID_INPUT: cannot encode nil value" {
		t.Errorf("Error() = %q", got)
	}
}
