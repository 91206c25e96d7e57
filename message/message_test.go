package message

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scard-broker/value"
)

func TestTypedMessageValueForm(t *testing.T) {
	msg := NewRequest("pcsc_lite_client_handler_1_call_function", 3, value.Array(value.String("SCardCancel")))
	assert.Equal(t, "pcsc_lite_client_handler_1_call_function::request", msg.Type)

	v, err := msg.ToValue()
	require.NoError(t, err)

	var back TypedMessage
	require.NoError(t, back.FromValue(v))
	assert.Equal(t, msg.Type, back.Type)
	assert.True(t, msg.Data.Equal(back.Data))

	var req RequestData
	require.NoError(t, value.Decode(back.Data, &req))
	assert.Equal(t, int64(3), req.RequestID)
}

func TestTypedMessageRejectsMalformed(t *testing.T) {
	var m TypedMessage
	assert.ErrorIs(t, m.FromValue(value.String("x")), ErrMalformed)
	assert.ErrorIs(t, m.FromValue(value.Dictionary(map[string]value.Value{"data": value.Null()})), ErrMalformed)
	assert.ErrorIs(t, m.FromValue(value.Dictionary(map[string]value.Value{"type": value.Int(1)})), ErrMalformed)
}

func TestParseResponse(t *testing.T) {
	ok := NewSuccessResponse("r", 5, value.Null())
	resp, hasID, err := ParseResponse(ok.Data)
	require.NoError(t, err)
	assert.True(t, hasID)
	require.NotNil(t, resp.Payload)
	assert.True(t, resp.Payload.IsNull())

	failed := NewErrorResponse("r", 6, "boom")
	resp, _, err = ParseResponse(failed.Data)
	require.NoError(t, err)
	require.NotNil(t, resp.ErrorMessage)
	assert.Equal(t, "boom", *resp.ErrorMessage)

	// the id survives even when the rest is broken
	broken := value.Dictionary(map[string]value.Value{"request_id": value.Int(7)})
	resp, hasID, err = ParseResponse(broken)
	assert.ErrorIs(t, err, ErrMalformed)
	assert.True(t, hasID)
	assert.Equal(t, int64(7), resp.RequestID)

	_, hasID, err = ParseResponse(value.Null())
	assert.Error(t, err)
	assert.False(t, hasID)
}
