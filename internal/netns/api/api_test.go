package api

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestNewAddHostFwdMatchesDocumentedSchema(t *testing.T) {
	req := NewAddHostFwd("tcp", 8080, 80)
	b, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	for _, want := range []string{`"execute":"add_hostfwd"`, `"proto":"tcp"`, `"host_port":8080`, `"guest_port":80`} {
		if !strings.Contains(string(b), want) {
			t.Errorf("request JSON %s missing %s", b, want)
		}
	}
}

func TestResponseDecodesSuccessAndError(t *testing.T) {
	var ok Response
	if err := json.Unmarshal([]byte(`{"return":{}}`), &ok); err != nil {
		t.Fatalf("unmarshal success: %v", err)
	}
	if ok.Return == nil || ok.Error != "" {
		t.Fatalf("success response = %+v, want Return set and Error empty", ok)
	}

	var failed Response
	if err := json.Unmarshal([]byte(`{"error":"something broke"}`), &failed); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if failed.Error != "something broke" {
		t.Fatalf("error response = %+v, want Error = \"something broke\"", failed)
	}
}
