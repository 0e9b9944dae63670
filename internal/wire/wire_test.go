package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegisfabric/aegis/internal/fault"
)

func TestDecodeTwoFrameRoundTrip(t *testing.T) {
	action := map[string]any{
		"action":      "update",
		"modelKey":    "camera",
		"newUpdateId": "u-17",
	}
	data := map[string]any{"isMotionDetected": true, "score": float64(92)}

	for _, deflate := range []bool{false, true} {
		buf, err := Encode(action, data, deflate)
		require.NoError(t, err)

		msg, err := Decode(buf)
		require.NoError(t, err, "deflate=%v", deflate)
		assert.Equal(t, "update", msg.Action["action"])
		assert.Equal(t, "camera", msg.Action["modelKey"])
		assert.Equal(t, data, msg.Data())
	}
}

func TestDecodeSingleFrame(t *testing.T) {
	buf, err := Encode(map[string]any{"action": "remove", "id": "dev-3"}, nil, false)
	require.NoError(t, err)

	msg, err := Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, "remove", msg.Action["action"])
	assert.Nil(t, msg.Data())
}

func TestDecodePlainJSON(t *testing.T) {
	msg, err := Decode([]byte(`{"pong": 42, "padding": "xxxx"}`))
	require.NoError(t, err)
	assert.Equal(t, "message", msg.Action["action"])
	assert.Equal(t, float64(42), msg.Action["pong"])
}

func TestSynthesizedAction(t *testing.T) {
	// modelKey without an action verb reads as a resource update.
	buf, err := Encode(map[string]any{"modelKey": "camera", "id": "c1"}, nil, false)
	require.NoError(t, err)
	msg, err := Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, "update", msg.Action["action"])

	// Nothing indicative at all reads as a bare message.
	buf, err = Encode(map[string]any{"hello": "world"}, nil, false)
	require.NoError(t, err)
	msg, err = Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, "message", msg.Action["action"])
}

func TestDecodeEmptyActionFrame(t *testing.T) {
	h := Header{PacketType: PacketAction, PayloadFormat: FormatJSON, PayloadSize: 0}
	msg, err := Decode(h.Marshal())
	require.NoError(t, err, "zero payload_size is legal")
	assert.Equal(t, "message", msg.Action["action"])
}

func TestDecodeTruncated(t *testing.T) {
	buf, err := Encode(map[string]any{"action": "add", "id": "x"}, "payload text", false)
	require.NoError(t, err)

	_, err = Decode(buf[:len(buf)-1])
	require.Error(t, err)
	assert.Equal(t, fault.KindProtocol, fault.KindOf(err))

	_, err = Decode(buf[:5])
	require.Error(t, err)
	assert.Equal(t, fault.KindProtocol, fault.KindOf(err))
}

func TestDecodeTextAndBytesData(t *testing.T) {
	buf, err := Encode(map[string]any{"action": "message"}, "hello", false)
	require.NoError(t, err)
	msg, err := Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", msg.Data())

	raw := []byte{0x00, 0x01, 0xFF}
	buf, err = Encode(map[string]any{"action": "message"}, raw, true)
	require.NoError(t, err)
	msg, err = Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, raw, msg.Data())
}

func TestDecodeRejectsWrongFrameOrder(t *testing.T) {
	h := Header{PacketType: PacketData, PayloadFormat: FormatJSON, PayloadSize: 2}
	buf := append(h.Marshal(), []byte("{}")...)
	_, err := Decode(buf)
	require.Error(t, err)
	assert.Equal(t, fault.KindProtocol, fault.KindOf(err))
}

func TestHeaderRoundTrip(t *testing.T) {
	in := Header{PacketType: PacketData, PayloadFormat: FormatBytes, Deflated: true, PayloadSize: 0xDEADBEEF}
	var out Header
	require.NoError(t, out.Unmarshal(in.Marshal()))
	assert.Equal(t, in, out)
}
