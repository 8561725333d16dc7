package dispatch

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/yourusername/paperkit/internal/progress"
)

// SchemaVersion はワーカーとの間でやり取りするメッセージのバージョンです。
const SchemaVersion = 1

// ResponseKind はワーカーからの応答種別です。
type ResponseKind string

const (
	ResponseProgress ResponseKind = "progress"
	ResponseSuccess  ResponseKind = "success"
	ResponseError    ResponseKind = "error"
)

// Request はワーカーへ送る1件のタスクです。
type Request struct {
	V       int             `json:"v"`
	ID      uint64          `json:"id"`
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Response はワーカーから返る進捗・成功・失敗のいずれかです。
type Response struct {
	V        int              `json:"v"`
	ID       uint64           `json:"id"`
	Kind     ResponseKind     `json:"kind"`
	Progress *progress.Update `json:"progress,omitempty"`
	Result   json.RawMessage  `json:"result,omitempty"`
	Error    string           `json:"error,omitempty"`
	Code     string           `json:"code,omitempty"`
}

func encodeFrame(v any) ([]byte, error) {
	return json.Marshal(v)
}

func decodeStrict(frame []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(frame))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrSchema, err)
	}
	if dec.More() {
		return fmt.Errorf("%w: trailing data", ErrSchema)
	}
	return nil
}

func decodeRequest(frame []byte) (*Request, error) {
	var req Request
	if err := decodeStrict(frame, &req); err != nil {
		return nil, err
	}
	if req.V != SchemaVersion {
		return &req, fmt.Errorf("%w: unsupported version %d", ErrSchema, req.V)
	}
	if req.Kind == "" {
		return &req, fmt.Errorf("%w: empty kind", ErrSchema)
	}
	return &req, nil
}

func decodeResponse(frame []byte) (*Response, error) {
	var resp Response
	if err := decodeStrict(frame, &resp); err != nil {
		return nil, err
	}
	if resp.V != SchemaVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrSchema, resp.V)
	}
	switch resp.Kind {
	case ResponseProgress:
		if resp.Progress == nil {
			return nil, fmt.Errorf("%w: progress response without progress", ErrSchema)
		}
	case ResponseSuccess:
	case ResponseError:
		if resp.Error == "" {
			return nil, fmt.Errorf("%w: error response without message", ErrSchema)
		}
	default:
		return nil, fmt.Errorf("%w: unknown response kind %q", ErrSchema, resp.Kind)
	}
	return &resp, nil
}
