package command

import (
	"encoding/json"
	"fmt"
)

const jsonrpcVersion = "2.0"

// JSONRPCRequest is one line sent to the control socket.
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      interface{}     `json:"id"`
}

// JSONRPCResponse is one line written back by the control socket.
type JSONRPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *ErrorInfo  `json:"error,omitempty"`
}

// parseRequestLine turns one request line into a Command. On failure it
// returns the error response to write instead.
func parseRequestLine(line []byte) (JSONRPCRequest, *JSONRPCResponse) {
	var req JSONRPCRequest
	if err := json.Unmarshal(line, &req); err != nil {
		return req, &JSONRPCResponse{
			JSONRPC: jsonrpcVersion,
			Error:   &ErrorInfo{Code: ErrCodeParseError, Message: fmt.Sprintf("parse error: %v", err)},
		}
	}
	if req.JSONRPC != jsonrpcVersion || req.Method == "" {
		return req, &JSONRPCResponse{
			JSONRPC: jsonrpcVersion,
			ID:      req.ID,
			Error: &ErrorInfo{
				Code:    ErrCodeInvalidRequest,
				Message: `invalid request: jsonrpc must be "2.0" and method is required`,
			},
		}
	}
	return req, nil
}

func (r JSONRPCRequest) command() Command {
	return Command{Method: r.Method, Params: r.Params, ID: idString(r.ID)}
}

func (r JSONRPCRequest) reply(resp Response) JSONRPCResponse {
	return JSONRPCResponse{JSONRPC: jsonrpcVersion, ID: r.ID, Result: resp.Result, Error: resp.Error}
}

// response converts a reply back to the handler shape.
func (r JSONRPCResponse) response() *Response {
	return &Response{ID: idString(r.ID), Result: r.Result, Error: r.Error}
}

// idString renders a JSON-RPC id, which may be a string or a number.
func idString(id interface{}) string {
	if id == nil {
		return ""
	}
	return fmt.Sprintf("%v", id)
}
