package protocol

import (
	"encoding/json"
	"testing"
)

func TestUploadResponse_Decode(t *testing.T) {
	var resp UploadResponse
	body := `[[true, "Success!"], [false, "Already exists!"]]`
	if err := json.Unmarshal([]byte(body), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(resp) != 2 {
		t.Fatalf("expected 2 results, got %d", len(resp))
	}
	if !resp[0].OK || resp[0].Message != MessageSuccess {
		t.Errorf("unexpected first result %+v", resp[0])
	}
	if resp[1].OK || resp[1].Message != MessageExists {
		t.Errorf("unexpected second result %+v", resp[1])
	}
}

func TestFileResult_DecodeErrors(t *testing.T) {
	for _, body := range []string{`[true]`, `{"ok": true}`, `["yes", "x"]`, `[true, 5]`} {
		var r FileResult
		if err := json.Unmarshal([]byte(body), &r); err == nil {
			t.Errorf("expected error for %s", body)
		}
	}
}

func TestFileResult_Encode(t *testing.T) {
	b, err := json.Marshal(FileResult{OK: true, Message: "Success!"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(b) != `[true,"Success!"]` {
		t.Errorf("unexpected encoding %s", b)
	}
}

func TestErrorResponse_Message(t *testing.T) {
	tests := []struct {
		body string
		want string
	}{
		{`{"detail": "You may not upload anonymously!"}`, "You may not upload anonymously!"},
		{`{"detail": [{"loc": ["body", "file_path"], "msg": "Field required", "type": "missing"}]}`, "body.file_path: Field required"},
		{`{}`, ""},
	}
	for _, tt := range tests {
		var e ErrorResponse
		if err := json.Unmarshal([]byte(tt.body), &e); err != nil {
			t.Fatalf("unmarshal %s: %v", tt.body, err)
		}
		if got := e.Message(); got != tt.want {
			t.Errorf("Message() = %q, want %q", got, tt.want)
		}
	}
}
