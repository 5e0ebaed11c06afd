package protocol

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestEncodeRequest(t *testing.T) {
	tests := []struct {
		name    string
		req     *Request
		wantErr bool
		checkFn func(t *testing.T, output string)
	}{
		{
			name: "valid request",
			req: &Request{
				Protocol:    Version,
				JobID:       "clip-42",
				Mode:        ModePerformance,
				Source:      "/dcim/raw/clip-42.mov",
				Destination: "/dcim/clip-42.mp4",
				Metadata:    map[string]string{"hdr": "true"},
				DeadlineAt:  time.Date(2026, 2, 8, 12, 0, 0, 0, time.UTC),
			},
			checkFn: func(t *testing.T, output string) {
				for _, want := range []string{`"protocol":1`, `"job_id":"clip-42"`, `"mode":"performance"`, `"hdr":"true"`} {
					if !strings.Contains(output, want) {
						t.Errorf("output missing %s: %s", want, output)
					}
				}
			},
		},
		{
			name:    "unsupported protocol version",
			req:     &Request{Protocol: 2, JobID: "x", Mode: ModeLoadBalanced},
			wantErr: true,
		},
		{
			name:    "missing job id",
			req:     &Request{Protocol: Version, Mode: ModeLoadBalanced},
			wantErr: true,
		},
		{
			name:    "unknown mode",
			req:     &Request{Protocol: Version, JobID: "x", Mode: "turbo"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			err := EncodeRequest(&buf, tt.req)

			if (err != nil) != tt.wantErr {
				t.Fatalf("EncodeRequest() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && tt.checkFn != nil {
				tt.checkFn(t, buf.String())
			}
		})
	}
}

func TestDecodeResponse(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
		checkFn func(t *testing.T, resp *Response)
	}{
		{
			name:  "ok with result",
			input: `{"status":"ok","result":"/dcim/clip-42.mp4"}`,
			checkFn: func(t *testing.T, resp *Response) {
				if resp.Result != "/dcim/clip-42.mp4" {
					t.Errorf("want result path, got %q", resp.Result)
				}
			},
		},
		{
			name:  "permanent error",
			input: `{"status":"error","error":"unsupported codec","code":"E_CODEC","retry":false}`,
			checkFn: func(t *testing.T, resp *Response) {
				if resp.ShouldRetry() {
					t.Error("want retry=false")
				}
				if resp.Code != "E_CODEC" {
					t.Errorf("want code E_CODEC, got %q", resp.Code)
				}
			},
		},
		{
			name:  "retry defaults to true",
			input: `{"status":"error","error":"encoder busy"}`,
			checkFn: func(t *testing.T, resp *Response) {
				if !resp.ShouldRetry() {
					t.Error("want retry to default to true")
				}
			},
		},
		{
			name:  "logs",
			input: `{"status":"ok","logs":[{"level":"info","message":"pass 1/2"}]}`,
			checkFn: func(t *testing.T, resp *Response) {
				if len(resp.Logs) != 1 || resp.Logs[0].Message != "pass 1/2" {
					t.Fatalf("logs not parsed: %+v", resp.Logs)
				}
			},
		},
		{name: "unknown field", input: `{"status":"ok","extra":1}`, wantErr: true},
		{name: "missing status", input: `{"result":"x"}`, wantErr: true},
		{name: "invalid status", input: `{"status":"maybe"}`, wantErr: true},
		{name: "error without message", input: `{"status":"error"}`, wantErr: true},
		{name: "invalid JSON", input: `{not json}`, wantErr: true},
		{name: "empty input", input: ``, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := DecodeResponse(strings.NewReader(tt.input))
			if (err != nil) != tt.wantErr {
				t.Fatalf("DecodeResponse() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && tt.checkFn != nil {
				tt.checkFn(t, resp)
			}
		})
	}
}

func TestDecodeResponseLenient(t *testing.T) {
	resp, raw, err := DecodeResponseLenient(strings.NewReader(`{"status":"ok","extra":true}`))
	if err != nil {
		t.Fatalf("lenient decode should accept unknown fields: %v", err)
	}
	if resp.Status != "ok" || len(raw) == 0 {
		t.Fatalf("unexpected result: %+v raw=%q", resp, raw)
	}

	_, raw, err = DecodeResponseLenient(strings.NewReader("segfault"))
	if err == nil {
		t.Fatal("expected error for non-JSON output")
	}
	if string(raw) != "segfault" {
		t.Errorf("raw output not captured: %q", raw)
	}

	if _, _, err := DecodeResponseLenient(strings.NewReader("")); err == nil {
		t.Fatal("expected error for empty output")
	}
}
