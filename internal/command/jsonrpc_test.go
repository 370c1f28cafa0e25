package command

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRequestLine(t *testing.T) {
	tests := []struct {
		name     string
		line     string
		wantCode int
		wantID   interface{}
	}{
		{"not json", `{not json`, ErrCodeParseError, nil},
		{"wrong version", `{"jsonrpc":"1.0","method":"user_list","id":"a"}`, ErrCodeInvalidRequest, "a"},
		{"missing method", `{"jsonrpc":"2.0","id":3}`, ErrCodeInvalidRequest, float64(3)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, bad := parseRequestLine([]byte(tt.line))
			require.NotNil(t, bad)
			assert.Equal(t, "2.0", bad.JSONRPC)
			assert.Equal(t, tt.wantID, bad.ID)
			require.NotNil(t, bad.Error)
			assert.Equal(t, tt.wantCode, bad.Error.Code)
		})
	}
}

func TestJSONRPCRequest_CommandAndReply(t *testing.T) {
	req, bad := parseRequestLine([]byte(`{"jsonrpc":"2.0","method":"rule_remove","params":{"id":1},"id":7}`))
	require.Nil(t, bad)

	cmd := req.command()
	assert.Equal(t, "rule_remove", cmd.Method)
	assert.Equal(t, "7", cmd.ID)
	assert.JSONEq(t, `{"id":1}`, string(cmd.Params))

	reply := req.reply(Response{ID: cmd.ID, Error: &ErrorInfo{Code: ErrCodeNotFound, Message: "rule 1 not found"}})
	data, err := json.Marshal(reply)
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":7,"error":{"code":-32001,"message":"rule 1 not found"}}`, string(data))

	resp := reply.response()
	assert.Equal(t, "7", resp.ID)
	assert.Equal(t, ErrCodeNotFound, resp.Error.Code)
}

func TestIDString(t *testing.T) {
	assert.Equal(t, "", idString(nil))
	assert.Equal(t, "cli-1", idString("cli-1"))
	assert.Equal(t, "42", idString(float64(42)))
}
