package protocol

import (
	"encoding/json"
	"fmt"
	"io"
)

// EncodeRequest serializes a Request to JSON and writes it to w.
func EncodeRequest(w io.Writer, req *Request) error {
	if req.Protocol != Version {
		return fmt.Errorf("unsupported protocol version: %d", req.Protocol)
	}
	if req.JobID == "" {
		return fmt.Errorf("request missing job_id")
	}
	if req.Mode != ModeLoadBalanced && req.Mode != ModePerformance {
		return fmt.Errorf("invalid mode: %q", req.Mode)
	}

	if err := json.NewEncoder(w).Encode(req); err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	return nil
}

// DecodeResponse reads a Response from r, rejecting unknown fields.
func DecodeResponse(r io.Reader) (*Response, error) {
	var resp Response

	decoder := json.NewDecoder(r)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&resp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if err := validateResponse(&resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DecodeResponseLenient reads all of r and decodes it, returning the raw
// bytes so callers can log what the processor actually printed.
func DecodeResponseLenient(r io.Reader) (*Response, []byte, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read response: %w", err)
	}
	if len(data) == 0 {
		return nil, data, fmt.Errorf("processor produced no output on stdout")
	}

	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, data, fmt.Errorf("processor output is not valid JSON: %w", err)
	}
	if err := validateResponse(&resp); err != nil {
		return nil, data, err
	}
	return &resp, data, nil
}

func validateResponse(resp *Response) error {
	switch resp.Status {
	case "":
		return fmt.Errorf("response missing required field: status")
	case "ok":
		return nil
	case "error":
		if resp.Error == "" {
			return fmt.Errorf("response has status=error but no error message")
		}
		return nil
	default:
		return fmt.Errorf("invalid status value: %q (must be 'ok' or 'error')", resp.Status)
	}
}
