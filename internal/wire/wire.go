// Package wire decodes the vendor duplex-socket framing: messages of
// one or two frames, each an 8-byte big-endian header followed by a
// payload that may be zlib-deflated. Structural mismatches surface as
// fault.KindProtocol; the session owning the socket logs and skips the
// frame, it never terminates.
package wire

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/aegisfabric/aegis/internal/fault"
)

// HeaderSize is the fixed frame header length.
const HeaderSize = 8

// PacketType distinguishes the action frame from the data frame.
type PacketType uint8

const (
	PacketAction PacketType = 1
	PacketData   PacketType = 2
)

func (p PacketType) String() string {
	switch p {
	case PacketAction:
		return "ACTION"
	case PacketData:
		return "DATA"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(p))
	}
}

// PayloadFormat describes how a frame payload is interpreted.
type PayloadFormat uint8

const (
	FormatJSON  PayloadFormat = 1
	FormatUTF8  PayloadFormat = 2
	FormatBytes PayloadFormat = 3
)

func (f PayloadFormat) String() string {
	switch f {
	case FormatJSON:
		return "JSON"
	case FormatUTF8:
		return "UTF8"
	case FormatBytes:
		return "BYTES"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(f))
	}
}

// Header is the 8-byte frame header.
//
//	byte 0   packet_type    (1 = action, 2 = data)
//	byte 1   payload_format (1 = JSON, 2 = UTF-8, 3 = raw)
//	byte 2   deflated       (0 or 1)
//	byte 3   reserved
//	bytes 4-7 payload_size  (uint32, big-endian)
type Header struct {
	PacketType    PacketType
	PayloadFormat PayloadFormat
	Deflated      bool
	PayloadSize   uint32
}

// Marshal serializes the header.
func (h *Header) Marshal() []byte {
	buf := make([]byte, HeaderSize)
	buf[0] = uint8(h.PacketType)
	buf[1] = uint8(h.PayloadFormat)
	if h.Deflated {
		buf[2] = 1
	}
	binary.BigEndian.PutUint32(buf[4:8], h.PayloadSize)
	return buf
}

// Unmarshal parses the header from the first 8 bytes of data.
func (h *Header) Unmarshal(data []byte) error {
	if len(data) < HeaderSize {
		return fault.Newf(fault.KindProtocol, "wire.header", "short header: %d bytes", len(data))
	}
	h.PacketType = PacketType(data[0])
	h.PayloadFormat = PayloadFormat(data[1])
	h.Deflated = data[2] == 1
	h.PayloadSize = binary.BigEndian.Uint32(data[4:8])
	return nil
}

// Message is a decoded duplex-socket message: the action frame's JSON
// object, with the optional data frame attached under Action["data"].
type Message struct {
	// Action is the action frame object. The "action" key is always
	// present: taken from the frame when the vendor set it,
	// synthesized as "update" when modelKey/newUpdateId indicate a
	// resource update, "message" otherwise.
	Action map[string]any
}

// Data returns the attached data frame content, or nil.
func (m *Message) Data() any { return m.Action["data"] }

// Decode parses one socket message.
func Decode(buf []byte) (*Message, error) {
	if len(buf) < HeaderSize {
		return nil, fault.Newf(fault.KindProtocol, "wire.decode", "message too short: %d bytes", len(buf))
	}

	// Some messages arrive as plain JSON with no framing at all.
	if msg, ok := tryPlainJSON(buf); ok {
		return msg, nil
	}

	var h1 Header
	if err := h1.Unmarshal(buf); err != nil {
		return nil, err
	}
	if h1.PacketType != PacketAction {
		return nil, fault.Newf(fault.KindProtocol, "wire.decode", "first frame is %s, want ACTION", h1.PacketType)
	}
	rest := buf[HeaderSize:]
	if uint32(len(rest)) < h1.PayloadSize {
		return nil, fault.Newf(fault.KindProtocol, "wire.decode",
			"action payload truncated: have %d, header says %d", len(rest), h1.PayloadSize)
	}
	actionRaw, err := framePayload(rest[:h1.PayloadSize], h1.Deflated)
	if err != nil {
		return nil, err
	}

	action := map[string]any{}
	if len(actionRaw) > 0 {
		if err := json.Unmarshal(actionRaw, &action); err != nil {
			return nil, fault.Wrap(fault.KindProtocol, "wire.decode.action", err)
		}
	}
	synthesizeAction(action)
	msg := &Message{Action: action}

	rest = rest[h1.PayloadSize:]
	if len(rest) == 0 {
		return msg, nil
	}

	var h2 Header
	if err := h2.Unmarshal(rest); err != nil {
		return nil, err
	}
	if h2.PacketType != PacketData {
		return nil, fault.Newf(fault.KindProtocol, "wire.decode", "second frame is %s, want DATA", h2.PacketType)
	}
	rest = rest[HeaderSize:]
	if uint32(len(rest)) != h2.PayloadSize {
		return nil, fault.Newf(fault.KindProtocol, "wire.decode",
			"data payload length mismatch: have %d, header says %d", len(rest), h2.PayloadSize)
	}
	dataRaw, err := framePayload(rest, h2.Deflated)
	if err != nil {
		return nil, err
	}

	switch h2.PayloadFormat {
	case FormatJSON:
		var data any
		if len(dataRaw) > 0 {
			if err := json.Unmarshal(dataRaw, &data); err != nil {
				return nil, fault.Wrap(fault.KindProtocol, "wire.decode.data", err)
			}
		}
		action["data"] = data
	case FormatUTF8:
		action["data"] = string(dataRaw)
	case FormatBytes:
		action["data"] = dataRaw
	default:
		return nil, fault.Newf(fault.KindProtocol, "wire.decode", "unknown payload format %d", uint8(h2.PayloadFormat))
	}

	return msg, nil
}

// tryPlainJSON accepts whole-buffer JSON objects, which the vendor
// sends for control acknowledgements.
func tryPlainJSON(buf []byte) (*Message, bool) {
	trimmed := bytes.TrimSpace(buf)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, false
	}
	action := map[string]any{}
	if err := json.Unmarshal(trimmed, &action); err != nil {
		return nil, false
	}
	synthesizeAction(action)
	return &Message{Action: action}, true
}

// synthesizeAction guarantees the "action" key: resource updates carry
// modelKey or newUpdateId without an explicit action verb.
func synthesizeAction(action map[string]any) {
	if _, ok := action["action"]; ok {
		return
	}
	if _, ok := action["modelKey"]; ok {
		action["action"] = "update"
		return
	}
	if _, ok := action["newUpdateId"]; ok {
		action["action"] = "update"
		return
	}
	action["action"] = "message"
}

func framePayload(raw []byte, deflated bool) ([]byte, error) {
	if !deflated {
		return raw, nil
	}
	r, err := zlib.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fault.Wrap(fault.KindProtocol, "wire.inflate", err)
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fault.Wrap(fault.KindProtocol, "wire.inflate", err)
	}
	return out, nil
}

// ============================================================================
// ENCODE (synthetic messages and tests)
// ============================================================================

// Encode builds the framed form of an action object plus optional data
// payload. data may be nil (single-frame message), a JSON-marshalable
// value, a string, or raw []byte; the format byte follows the Go type.
func Encode(action map[string]any, data any, deflate bool) ([]byte, error) {
	clean := make(map[string]any, len(action))
	for k, v := range action {
		if k == "data" {
			continue
		}
		clean[k] = v
	}
	actionRaw, err := json.Marshal(clean)
	if err != nil {
		return nil, err
	}

	var out bytes.Buffer
	if err := writeFrame(&out, PacketAction, FormatJSON, false, actionRaw); err != nil {
		return nil, err
	}
	if data == nil {
		return out.Bytes(), nil
	}

	var (
		format  PayloadFormat
		dataRaw []byte
	)
	switch v := data.(type) {
	case []byte:
		format, dataRaw = FormatBytes, v
	case string:
		format, dataRaw = FormatUTF8, []byte(v)
	default:
		format = FormatJSON
		dataRaw, err = json.Marshal(v)
		if err != nil {
			return nil, err
		}
	}
	if deflate {
		var comp bytes.Buffer
		zw := zlib.NewWriter(&comp)
		if _, err := zw.Write(dataRaw); err != nil {
			return nil, err
		}
		if err := zw.Close(); err != nil {
			return nil, err
		}
		dataRaw = comp.Bytes()
	}
	if err := writeFrame(&out, PacketData, format, deflate, dataRaw); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func writeFrame(w io.Writer, pt PacketType, pf PayloadFormat, deflated bool, payload []byte) error {
	h := Header{PacketType: pt, PayloadFormat: pf, Deflated: deflated, PayloadSize: uint32(len(payload))}
	if _, err := w.Write(h.Marshal()); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}
