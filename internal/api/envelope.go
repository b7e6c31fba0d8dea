package api

import "encoding/json"

const (
	ProtocolName    = "cmux-socket"
	ProtocolVersion = 2
)

// Request is a v2 request line. ID is echoed verbatim and may be a number,
// a string or absent.
type Request struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Response is a v2 response line.
type Response struct {
	ID     json.RawMessage `json:"id"`
	OK     bool            `json:"ok"`
	Result any             `json:"result,omitempty"`
	Error  *ErrorBody      `json:"error,omitempty"`
}

func Success(id json.RawMessage, result any) Response {
	if result == nil {
		result = map[string]any{}
	}
	return Response{ID: normalizeID(id), OK: true, Result: result}
}

func Failure(id json.RawMessage, code, message string, data any) Response {
	return Response{
		ID:    normalizeID(id),
		OK:    false,
		Error: &ErrorBody{Code: code, Message: message, Data: data},
	}
}

func normalizeID(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return json.RawMessage("null")
	}
	return id
}
