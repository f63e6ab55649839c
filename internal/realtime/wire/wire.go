// Package wire implements the two Phoenix-protocol serializations the
// Realtime client speaks: the V1/V2 JSON 5-tuple used for every
// non-broadcast message, and the V2 binary framing used for broadcast
// payloads.
package wire

import (
	"encoding/json"
	"fmt"
)

// Message is the decoded shape of a single socket frame, whether it arrived
// (or will be sent) as JSON or binary.
type Message struct {
	JoinRef *string
	Ref     *string
	Topic   string
	Event   string
	Payload json.RawMessage
}

// EncodeJSON emits the V1/V2 5-tuple `[join_ref, ref, topic, event, payload]`.
func EncodeJSON(m Message) ([]byte, error) {
	payload := m.Payload
	if payload == nil {
		payload = json.RawMessage("{}")
	}
	tuple := []any{m.JoinRef, m.Ref, m.Topic, m.Event, json.RawMessage(payload)}
	return json.Marshal(tuple)
}

// DecodeJSON parses a 5-tuple frame back into a Message.
func DecodeJSON(data []byte) (Message, error) {
	var tuple [5]json.RawMessage
	if err := json.Unmarshal(data, &tuple); err != nil {
		return Message{}, fmt.Errorf("decode json frame: %w", err)
	}

	var m Message
	if err := unmarshalOptionalString(tuple[0], &m.JoinRef); err != nil {
		return Message{}, err
	}
	if err := unmarshalOptionalString(tuple[1], &m.Ref); err != nil {
		return Message{}, err
	}
	if err := json.Unmarshal(tuple[2], &m.Topic); err != nil {
		return Message{}, fmt.Errorf("decode topic: %w", err)
	}
	if err := json.Unmarshal(tuple[3], &m.Event); err != nil {
		return Message{}, fmt.Errorf("decode event: %w", err)
	}
	m.Payload = tuple[4]
	return m, nil
}

func unmarshalOptionalString(raw json.RawMessage, dst **string) error {
	if len(raw) == 0 || string(raw) == "null" {
		*dst = nil
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return fmt.Errorf("decode ref: %w", err)
	}
	*dst = &s
	return nil
}

// metadataAllowList is the explicit allow-list of metadata keys that may be
// carried across the binary broadcast framing; anything else is stripped
// before encoding.
var metadataAllowList = map[string]bool{
	"user_token": true,
}

// FilterMetadata returns the subset of meta whose keys are allow-listed.
func FilterMetadata(meta map[string]any) map[string]any {
	if len(meta) == 0 {
		return nil
	}
	out := make(map[string]any)
	for k, v := range meta {
		if metadataAllowList[k] {
			out[k] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

const (
	kindPush     = 3
	kindIncoming = 4

	encodingOpaque = 0
	encodingJSON   = 1
)

// BroadcastPush is the client→server binary broadcast frame (kind=3).
type BroadcastPush struct {
	JoinRef  string
	Ref      string
	Topic    string
	Event    string
	Metadata map[string]any
	// Payload is either opaque bytes (encoding=0) or a UTF-8 JSON document
	// (encoding=1), selected automatically by EncodeBroadcastPush based on
	// which of RawPayload/JSONPayload is set.
	RawPayload  []byte
	JSONPayload json.RawMessage
}

// EncodeBroadcastPush builds the kind=3 binary frame:
//
//	u8 kind | u8 join_ref_len | u8 ref_len | u8 topic_len | u8 event_len |
//	u8 metadata_len | u8 encoding | join_ref | ref | topic | event |
//	metadata_json | payload
//
// Every *_len field must fit in a byte; any UTF-8 string over 255 bytes is
// an error.
func EncodeBroadcastPush(p BroadcastPush) ([]byte, error) {
	meta := FilterMetadata(p.Metadata)
	metaJSON := []byte("{}")
	if meta != nil {
		encoded, err := json.Marshal(meta)
		if err != nil {
			return nil, fmt.Errorf("encode metadata: %w", err)
		}
		metaJSON = encoded
	}

	var encoding byte
	var payload []byte
	switch {
	case p.JSONPayload != nil:
		encoding = encodingJSON
		payload = p.JSONPayload
	default:
		encoding = encodingOpaque
		payload = p.RawPayload
	}

	for name, s := range map[string]string{
		"join_ref": p.JoinRef, "ref": p.Ref, "topic": p.Topic, "event": p.Event,
	} {
		if len(s) > 255 {
			return nil, fmt.Errorf("%s exceeds 255 bytes", name)
		}
	}
	if len(metaJSON) > 255 {
		return nil, fmt.Errorf("metadata exceeds 255 bytes")
	}

	buf := make([]byte, 0, 7+len(p.JoinRef)+len(p.Ref)+len(p.Topic)+len(p.Event)+len(metaJSON)+len(payload))
	buf = append(buf, kindPush,
		byte(len(p.JoinRef)), byte(len(p.Ref)), byte(len(p.Topic)), byte(len(p.Event)), byte(len(metaJSON)),
		encoding)
	buf = append(buf, p.JoinRef...)
	buf = append(buf, p.Ref...)
	buf = append(buf, p.Topic...)
	buf = append(buf, p.Event...)
	buf = append(buf, metaJSON...)
	buf = append(buf, payload...)
	return buf, nil
}

// DecodeBroadcastPush parses a kind=3 binary frame, the inverse of
// EncodeBroadcastPush. Used in tests to round-trip pushes and by any
// server-role test double.
func DecodeBroadcastPush(data []byte) (BroadcastPush, error) {
	if len(data) < 7 || data[0] != kindPush {
		return BroadcastPush{}, fmt.Errorf("not a kind=%d frame", kindPush)
	}
	joinRefLen, refLen, topicLen, eventLen, metaLen := int(data[1]), int(data[2]), int(data[3]), int(data[4]), int(data[5])
	encoding := data[6]
	offset := 7

	fields, err := sliceFields(data, offset, joinRefLen, refLen, topicLen, eventLen, metaLen)
	if err != nil {
		return BroadcastPush{}, err
	}

	p := BroadcastPush{
		JoinRef: fields.joinRef, Ref: fields.ref, Topic: fields.topic, Event: fields.event,
	}
	if len(fields.meta) > 0 {
		var meta map[string]any
		if err := json.Unmarshal(fields.meta, &meta); err != nil {
			return BroadcastPush{}, fmt.Errorf("decode metadata: %w", err)
		}
		p.Metadata = meta
	}
	switch encoding {
	case encodingJSON:
		p.JSONPayload = json.RawMessage(fields.rest)
	default:
		p.RawPayload = fields.rest
	}
	return p, nil
}

// BroadcastIncoming is the server→client binary broadcast frame (kind=4).
type BroadcastIncoming struct {
	Topic    string
	Event    string
	Metadata map[string]any
	Payload  []byte
	IsJSON   bool
}

// EncodeBroadcastIncoming builds the kind=4 binary frame:
//
//	u8 kind | u8 topic_size | u8 event_size | u8 metadata_size | u8 encoding |
//	topic | event | metadata | payload
func EncodeBroadcastIncoming(in BroadcastIncoming) ([]byte, error) {
	meta := FilterMetadata(in.Metadata)
	metaJSON := []byte("{}")
	if meta != nil {
		encoded, err := json.Marshal(meta)
		if err != nil {
			return nil, fmt.Errorf("encode metadata: %w", err)
		}
		metaJSON = encoded
	}
	for name, s := range map[string]string{"topic": in.Topic, "event": in.Event} {
		if len(s) > 255 {
			return nil, fmt.Errorf("%s exceeds 255 bytes", name)
		}
	}
	if len(metaJSON) > 255 {
		return nil, fmt.Errorf("metadata exceeds 255 bytes")
	}

	encoding := byte(encodingOpaque)
	if in.IsJSON {
		encoding = encodingJSON
	}

	buf := make([]byte, 0, 5+len(in.Topic)+len(in.Event)+len(metaJSON)+len(in.Payload))
	buf = append(buf, kindIncoming, byte(len(in.Topic)), byte(len(in.Event)), byte(len(metaJSON)), encoding)
	buf = append(buf, in.Topic...)
	buf = append(buf, in.Event...)
	buf = append(buf, metaJSON...)
	buf = append(buf, in.Payload...)
	return buf, nil
}

// DecodedBroadcast is the logical message a decoded kind=4 frame is turned
// into: join_ref/ref are always nil, event is always "broadcast", and the
// original event name/payload are nested
type DecodedBroadcast struct {
	Topic   string
	Payload BroadcastEnvelope
}

// BroadcastEnvelope is the `payload` field of a decoded broadcast message.
type BroadcastEnvelope struct {
	Type    string         `json:"type"`
	Event   string         `json:"event"`
	Payload any            `json:"payload"`
	Meta    map[string]any `json:"meta,omitempty"`
}

// DecodeBroadcastIncoming parses a kind=4 frame into the Message shape the
// channel dispatcher expects: `{join_ref:null, ref:null, topic,
// event:"broadcast", payload:{type:"broadcast", event, payload, meta?}}`.
func DecodeBroadcastIncoming(data []byte) (Message, error) {
	if len(data) < 5 || data[0] != kindIncoming {
		return Message{}, fmt.Errorf("not a kind=%d frame", kindIncoming)
	}
	topicLen, eventLen, metaLen := int(data[1]), int(data[2]), int(data[3])
	encoding := data[4]
	offset := 5

	if len(data) < offset+topicLen+eventLen+metaLen {
		return Message{}, fmt.Errorf("truncated frame")
	}
	topic := string(data[offset : offset+topicLen])
	offset += topicLen
	event := string(data[offset : offset+eventLen])
	offset += eventLen
	metaRaw := data[offset : offset+metaLen]
	offset += metaLen
	payload := data[offset:]

	env := BroadcastEnvelope{Type: "broadcast", Event: event}
	if len(metaRaw) > 0 {
		var meta map[string]any
		if err := json.Unmarshal(metaRaw, &meta); err == nil && len(meta) > 0 {
			env.Meta = meta
		}
	}

	switch encoding {
	case encodingJSON:
		var decoded any
		if err := json.Unmarshal(payload, &decoded); err != nil {
			return Message{}, fmt.Errorf("decode payload: %w", err)
		}
		env.Payload = decoded
	default:
		env.Payload = payload
	}

	envJSON, err := json.Marshal(env)
	if err != nil {
		return Message{}, fmt.Errorf("encode envelope: %w", err)
	}

	return Message{Topic: topic, Event: "broadcast", Payload: envJSON}, nil
}

type slicedFields struct {
	joinRef, ref, topic, event string
	meta                       []byte
	rest                       []byte
}

func sliceFields(data []byte, offset, joinRefLen, refLen, topicLen, eventLen, metaLen int) (slicedFields, error) {
	need := offset + joinRefLen + refLen + topicLen + eventLen + metaLen
	if len(data) < need {
		return slicedFields{}, fmt.Errorf("truncated frame")
	}
	f := slicedFields{}
	f.joinRef = string(data[offset : offset+joinRefLen])
	offset += joinRefLen
	f.ref = string(data[offset : offset+refLen])
	offset += refLen
	f.topic = string(data[offset : offset+topicLen])
	offset += topicLen
	f.event = string(data[offset : offset+eventLen])
	offset += eventLen
	f.meta = data[offset : offset+metaLen]
	offset += metaLen
	f.rest = data[offset:]
	return f, nil
}

// IsBroadcastBinary decides whether a message destined for the socket
// should use binary framing: event == "broadcast", the user payload has a
// string `event` field, and `payload.payload` is not itself a raw byte
// buffer (binary payloads stay JSON so they aren't double-encoded).
func IsBroadcastBinary(event string, userPayload map[string]any) bool {
	if event != "broadcast" {
		return false
	}
	if _, ok := userPayload["event"].(string); !ok {
		return false
	}
	if inner, ok := userPayload["payload"]; ok {
		if isByteBuffer(inner) {
			return false
		}
	}
	return true
}

// isByteBuffer checks both type identity and constructor-name the way a
// cross-runtime client must, since the payload may have crossed a JSON
// boundary and arrive as a generically-typed value.
func isByteBuffer(v any) bool {
	switch val := v.(type) {
	case []byte:
		return true
	case fmt.Stringer:
		return val.String() == "[object ArrayBuffer]" || val.String() == "[object Uint8Array]"
	default:
		return false
	}
}
