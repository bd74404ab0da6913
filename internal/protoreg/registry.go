// Package protoreg loads the cTrader Open API schema from .proto files at
// runtime and provides name/id lookups plus dynamic encode/decode of the
// wrapper and payload messages. No generated code: the upstream schema is
// external input.
package protoreg

import (
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/jhump/protoreflect/desc/protoparse"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/dynamicpb"
)

// The schema is the fixed set of four files published by the venue.
var schemaFiles = []string{
	"OpenApiCommonMessages.proto",
	"OpenApiCommonModelMessages.proto",
	"OpenApiMessages.proto",
	"OpenApiModelMessages.proto",
}

const (
	wrapperSuffix     = "ProtoMessage"
	payloadEnumSuffix = "PayloadType"
	primaryEnumSuffix = "ProtoOAPayloadType"
	maxSuggestions    = 10
)

// The venue renamed a handful of messages relative to their payload enum keys.
// Lookups that miss are retried through these tables before failing.
var payloadAliases = map[string]string{
	"PROTO_OA_GET_ACCOUNT_LIST_BY_ACCESS_TOKEN_REQ": "PROTO_OA_GET_ACCOUNTS_BY_ACCESS_TOKEN_REQ",
	"PROTO_OA_GET_ACCOUNT_LIST_BY_ACCESS_TOKEN_RES": "PROTO_OA_GET_ACCOUNTS_BY_ACCESS_TOKEN_RES",
	"PROTO_OA_GET_DYNAMIC_LEVERAGE_BY_ID_REQ":       "PROTO_OA_GET_DYNAMIC_LEVERAGE_REQ",
	"PROTO_OA_GET_DYNAMIC_LEVERAGE_BY_ID_RES":       "PROTO_OA_GET_DYNAMIC_LEVERAGE_RES",
	"PROTO_HEARTBEAT_EVENT":                         "HEARTBEAT_EVENT",
	"PROTO_ERROR_RES":                               "ERROR_RES",
}

var messageAliases = map[string]string{
	"ProtoOAGetAccountsByAccessTokenReq": "ProtoOAGetAccountListByAccessTokenReq",
	"ProtoOAGetAccountsByAccessTokenRes": "ProtoOAGetAccountListByAccessTokenRes",
	"ProtoOAGetDynamicLeverageReq":       "ProtoOAGetDynamicLeverageByIDReq",
	"ProtoOAGetDynamicLeverageRes":       "ProtoOAGetDynamicLeverageByIDRes",
	"HeartbeatEvent":                     "ProtoHeartbeatEvent",
	"ErrorRes":                           "ProtoErrorRes",
}

// Envelope is the decoded wrapper frame.
type Envelope struct {
	PayloadType uint32
	Payload     []byte
	ClientMsgID string
}

// Registry indexes the schema by message name and payload enum key.
// Load must complete before any lookup; afterwards the registry is read-only
// and safe for concurrent use.
type Registry struct {
	dir           string
	messages      map[string]protoreflect.MessageDescriptor
	payloadByName map[string]uint32
	payloadByID   map[uint32]string
	wrapper       protoreflect.MessageDescriptor
}

func New(dir string) *Registry {
	return &Registry{
		dir:           dir,
		messages:      make(map[string]protoreflect.MessageDescriptor),
		payloadByName: make(map[string]uint32),
		payloadByID:   make(map[uint32]string),
	}
}

// Load parses the four schema files from the configured directory. Field
// names are used exactly as declared in the files.
func (r *Registry) Load() error {
	parser := protoparse.Parser{ImportPaths: []string{r.dir}}
	fds, err := parser.ParseFiles(schemaFiles...)
	if err != nil {
		return fmt.Errorf("parse proto schema in %q: %w", r.dir, err)
	}

	primaryFound := false
	for _, fd := range fds {
		for _, md := range fd.GetMessageTypes() {
			name := md.GetName()
			r.messages[name] = md.UnwrapMessage()
			if strings.HasSuffix(name, wrapperSuffix) {
				if r.wrapper == nil || len(name) < len(string(r.wrapper.Name())) {
					r.wrapper = md.UnwrapMessage()
				}
			}
		}
		for _, ed := range fd.GetEnumTypes() {
			if !strings.HasSuffix(ed.GetName(), payloadEnumSuffix) {
				continue
			}
			if strings.HasSuffix(ed.GetName(), primaryEnumSuffix) {
				primaryFound = true
			}
			for _, ev := range ed.GetValues() {
				id := uint32(ev.GetNumber())
				r.payloadByName[ev.GetName()] = id
				r.payloadByID[id] = ev.GetName()
			}
		}
	}

	if r.wrapper == nil {
		return fmt.Errorf("schema has no message with suffix %q", wrapperSuffix)
	}
	if !primaryFound {
		return fmt.Errorf("schema has no enum with suffix %q", primaryEnumSuffix)
	}
	return nil
}

// PayloadTypeID resolves an enum key like PROTO_OA_TRADER_REQ to its numeric
// payload type, consulting the alias table on a miss.
func (r *Registry) PayloadTypeID(name string) (uint32, error) {
	if id, ok := r.payloadByName[name]; ok {
		return id, nil
	}
	if alias, ok := payloadAliases[name]; ok {
		if id, ok := r.payloadByName[alias]; ok {
			return id, nil
		}
	}
	return 0, r.unknownPayloadErr(name)
}

// PayloadTypeName resolves a numeric payload type to its enum key.
func (r *Registry) PayloadTypeName(id uint32) (string, bool) {
	name, ok := r.payloadByID[id]
	return name, ok
}

// MessageTypeFromPayloadName converts PROTO_OA_FOO_BAR_REQ to ProtoOAFooBarReq
// (the OA token keeps its casing) and resolves renames via the alias table.
func (r *Registry) MessageTypeFromPayloadName(enumKey string) (string, error) {
	name := payloadKeyToMessageName(enumKey)
	if _, ok := r.messages[name]; ok {
		return name, nil
	}
	if alias, ok := messageAliases[name]; ok {
		if _, ok := r.messages[alias]; ok {
			return alias, nil
		}
	}
	return "", fmt.Errorf("no message type for payload %s (tried %s)", enumKey, name)
}

// HasField reports whether the message type declares the field.
func (r *Registry) HasField(msgType, field string) bool {
	md, err := r.message(msgType)
	if err != nil {
		return false
	}
	return md.Fields().ByName(protoreflect.Name(field)) != nil
}

// EncodeMessage builds and marshals a dynamic message from a field map.
// String values on enum fields (including repeated ones) are coerced to their
// numeric values; required fields with schema defaults are filled in.
func (r *Registry) EncodeMessage(msgType string, fields map[string]any) ([]byte, error) {
	md, err := r.message(msgType)
	if err != nil {
		return nil, err
	}
	msg, err := buildMessage(md, fields)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msgType, err)
	}
	return proto.MarshalOptions{AllowPartial: true}.Marshal(msg)
}

// DecodeMessage unmarshals payload bytes into a field map. Enums decode to
// their numeric values, integers widen to int64/uint64, floats to float64,
// nested messages to maps, repeated fields to slices.
func (r *Registry) DecodeMessage(msgType string, data []byte) (map[string]any, error) {
	md, err := r.message(msgType)
	if err != nil {
		return nil, err
	}
	msg := dynamicpb.NewMessage(md)
	if err := (proto.UnmarshalOptions{AllowPartial: true}).Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", msgType, err)
	}
	return messageToMap(msg), nil
}

// EncodeProtoMessage wraps already-encoded payload bytes in the ProtoMessage
// envelope. clientMsgID is attached when non-empty.
func (r *Registry) EncodeProtoMessage(payloadType uint32, payload []byte, clientMsgID string) ([]byte, error) {
	fields := map[string]any{
		"payloadType": payloadType,
		"payload":     payload,
	}
	if clientMsgID != "" {
		fields["clientMsgId"] = clientMsgID
	}
	msg, err := buildMessage(r.wrapper, fields)
	if err != nil {
		return nil, fmt.Errorf("encode wrapper: %w", err)
	}
	return proto.MarshalOptions{AllowPartial: true}.Marshal(msg)
}

// DecodeProtoMessage unwraps a frame into its envelope parts.
func (r *Registry) DecodeProtoMessage(data []byte) (*Envelope, error) {
	msg := dynamicpb.NewMessage(r.wrapper)
	if err := (proto.UnmarshalOptions{AllowPartial: true}).Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("decode wrapper: %w", err)
	}

	fields := r.wrapper.Fields()
	env := &Envelope{}
	if fd := fields.ByName("payloadType"); fd != nil && msg.Has(fd) {
		env.PayloadType = uint32(msg.Get(fd).Uint())
	} else {
		return nil, fmt.Errorf("wrapper frame missing payloadType")
	}
	if fd := fields.ByName("payload"); fd != nil && msg.Has(fd) {
		env.Payload = msg.Get(fd).Bytes()
	}
	if fd := fields.ByName("clientMsgId"); fd != nil && msg.Has(fd) {
		env.ClientMsgID = msg.Get(fd).String()
	}
	return env, nil
}

func (r *Registry) message(msgType string) (protoreflect.MessageDescriptor, error) {
	if md, ok := r.messages[msgType]; ok {
		return md, nil
	}
	if alias, ok := messageAliases[msgType]; ok {
		if md, ok := r.messages[alias]; ok {
			return md, nil
		}
	}
	return nil, fmt.Errorf("unknown message type %q", msgType)
}

func (r *Registry) unknownPayloadErr(name string) error {
	needle := strings.ToUpper(name)
	var matches []string
	for key := range r.payloadByName {
		if strings.Contains(key, needle) || strings.Contains(needle, key) {
			matches = append(matches, key)
		}
	}
	sort.Strings(matches)
	if len(matches) > maxSuggestions {
		matches = matches[:maxSuggestions]
	}
	if len(matches) == 0 {
		return fmt.Errorf("unknown payload type %q", name)
	}
	return fmt.Errorf("unknown payload type %q, did you mean: %s", name, strings.Join(matches, ", "))
}

// payloadKeyToMessageName converts an UPPER_SNAKE enum key to the CamelCase
// message name, keeping PROTO→Proto and the OA token as-is.
func payloadKeyToMessageName(key string) string {
	parts := strings.Split(key, "_")
	var b strings.Builder
	for _, p := range parts {
		switch p {
		case "":
		case "OA":
			b.WriteString("OA")
		case "PROTO":
			b.WriteString("Proto")
		default:
			b.WriteString(strings.ToUpper(p[:1]))
			b.WriteString(strings.ToLower(p[1:]))
		}
	}
	return b.String()
}

func buildMessage(md protoreflect.MessageDescriptor, fields map[string]any) (*dynamicpb.Message, error) {
	msg := dynamicpb.NewMessage(md)
	for name, raw := range fields {
		if raw == nil {
			continue
		}
		fd := md.Fields().ByName(protoreflect.Name(name))
		if fd == nil {
			return nil, fmt.Errorf("unknown field %q on %s", name, md.Name())
		}
		if err := setField(msg, fd, raw); err != nil {
			return nil, fmt.Errorf("field %q: %w", name, err)
		}
	}
	fillRequiredDefaults(msg, md)
	return msg, nil
}

func setField(msg *dynamicpb.Message, fd protoreflect.FieldDescriptor, raw any) error {
	if fd.IsMap() {
		return fmt.Errorf("map fields are not supported")
	}
	if fd.IsList() {
		items, err := asSlice(raw)
		if err != nil {
			return err
		}
		list := msg.Mutable(fd).List()
		for _, item := range items {
			v, err := scalarValue(fd, item)
			if err != nil {
				return err
			}
			list.Append(v)
		}
		return nil
	}
	v, err := scalarValue(fd, raw)
	if err != nil {
		return err
	}
	msg.Set(fd, v)
	return nil
}

func scalarValue(fd protoreflect.FieldDescriptor, raw any) (protoreflect.Value, error) {
	switch fd.Kind() {
	case protoreflect.BoolKind:
		b, ok := raw.(bool)
		if !ok {
			return protoreflect.Value{}, fmt.Errorf("expected bool, got %T", raw)
		}
		return protoreflect.ValueOfBool(b), nil

	case protoreflect.Int32Kind, protoreflect.Sint32Kind, protoreflect.Sfixed32Kind:
		n, ok := asInt64(raw)
		if !ok {
			return protoreflect.Value{}, fmt.Errorf("expected integer, got %T", raw)
		}
		return protoreflect.ValueOfInt32(int32(n)), nil

	case protoreflect.Int64Kind, protoreflect.Sint64Kind, protoreflect.Sfixed64Kind:
		n, ok := asInt64(raw)
		if !ok {
			return protoreflect.Value{}, fmt.Errorf("expected integer, got %T", raw)
		}
		return protoreflect.ValueOfInt64(n), nil

	case protoreflect.Uint32Kind, protoreflect.Fixed32Kind:
		n, ok := asInt64(raw)
		if !ok || n < 0 {
			return protoreflect.Value{}, fmt.Errorf("expected unsigned integer, got %v (%T)", raw, raw)
		}
		return protoreflect.ValueOfUint32(uint32(n)), nil

	case protoreflect.Uint64Kind, protoreflect.Fixed64Kind:
		n, ok := asInt64(raw)
		if !ok || n < 0 {
			return protoreflect.Value{}, fmt.Errorf("expected unsigned integer, got %v (%T)", raw, raw)
		}
		return protoreflect.ValueOfUint64(uint64(n)), nil

	case protoreflect.FloatKind:
		f, ok := asFloat64(raw)
		if !ok {
			return protoreflect.Value{}, fmt.Errorf("expected number, got %T", raw)
		}
		return protoreflect.ValueOfFloat32(float32(f)), nil

	case protoreflect.DoubleKind:
		f, ok := asFloat64(raw)
		if !ok {
			return protoreflect.Value{}, fmt.Errorf("expected number, got %T", raw)
		}
		return protoreflect.ValueOfFloat64(f), nil

	case protoreflect.StringKind:
		s, ok := raw.(string)
		if !ok {
			return protoreflect.Value{}, fmt.Errorf("expected string, got %T", raw)
		}
		return protoreflect.ValueOfString(s), nil

	case protoreflect.BytesKind:
		switch b := raw.(type) {
		case []byte:
			return protoreflect.ValueOfBytes(b), nil
		case string:
			return protoreflect.ValueOfBytes([]byte(b)), nil
		}
		return protoreflect.Value{}, fmt.Errorf("expected bytes, got %T", raw)

	case protoreflect.EnumKind:
		// Callers pass human-readable constants like "BUY" or "MARKET".
		if s, ok := raw.(string); ok {
			ev := fd.Enum().Values().ByName(protoreflect.Name(s))
			if ev == nil {
				return protoreflect.Value{}, fmt.Errorf("enum %s has no value %q", fd.Enum().Name(), s)
			}
			return protoreflect.ValueOfEnum(ev.Number()), nil
		}
		n, ok := asInt64(raw)
		if !ok {
			return protoreflect.Value{}, fmt.Errorf("expected enum name or number, got %T", raw)
		}
		return protoreflect.ValueOfEnum(protoreflect.EnumNumber(n)), nil

	case protoreflect.MessageKind, protoreflect.GroupKind:
		nested, ok := raw.(map[string]any)
		if !ok {
			return protoreflect.Value{}, fmt.Errorf("expected object for message field, got %T", raw)
		}
		sub, err := buildMessage(fd.Message(), nested)
		if err != nil {
			return protoreflect.Value{}, err
		}
		return protoreflect.ValueOfMessage(sub), nil
	}
	return protoreflect.Value{}, fmt.Errorf("unsupported field kind %v", fd.Kind())
}

// fillRequiredDefaults sets proto2 required fields that carry schema defaults
// (payloadType on every payload message) so marshalled frames match what the
// venue emits.
func fillRequiredDefaults(msg *dynamicpb.Message, md protoreflect.MessageDescriptor) {
	fields := md.Fields()
	for i := 0; i < fields.Len(); i++ {
		fd := fields.Get(i)
		if fd.Cardinality() != protoreflect.Required || msg.Has(fd) {
			continue
		}
		if fd.HasDefault() {
			msg.Set(fd, fd.Default())
		}
	}
}

func messageToMap(msg protoreflect.Message) map[string]any {
	out := make(map[string]any)
	msg.Range(func(fd protoreflect.FieldDescriptor, v protoreflect.Value) bool {
		out[string(fd.Name())] = valueToGo(fd, v)
		return true
	})
	return out
}

func valueToGo(fd protoreflect.FieldDescriptor, v protoreflect.Value) any {
	if fd.IsList() {
		list := v.List()
		items := make([]any, 0, list.Len())
		for i := 0; i < list.Len(); i++ {
			items = append(items, scalarToGo(fd, list.Get(i)))
		}
		return items
	}
	return scalarToGo(fd, v)
}

func scalarToGo(fd protoreflect.FieldDescriptor, v protoreflect.Value) any {
	switch fd.Kind() {
	case protoreflect.BoolKind:
		return v.Bool()
	case protoreflect.Int32Kind, protoreflect.Sint32Kind, protoreflect.Sfixed32Kind,
		protoreflect.Int64Kind, protoreflect.Sint64Kind, protoreflect.Sfixed64Kind:
		return v.Int()
	case protoreflect.Uint32Kind, protoreflect.Fixed32Kind,
		protoreflect.Uint64Kind, protoreflect.Fixed64Kind:
		return v.Uint()
	case protoreflect.FloatKind, protoreflect.DoubleKind:
		return v.Float()
	case protoreflect.StringKind:
		return v.String()
	case protoreflect.BytesKind:
		return v.Bytes()
	case protoreflect.EnumKind:
		return int64(v.Enum())
	case protoreflect.MessageKind, protoreflect.GroupKind:
		return messageToMap(v.Message())
	}
	return v.Interface()
}

func asSlice(raw any) ([]any, error) {
	if items, ok := raw.([]any); ok {
		return items, nil
	}
	rv := reflect.ValueOf(raw)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, fmt.Errorf("expected slice for repeated field, got %T", raw)
	}
	items := make([]any, rv.Len())
	for i := range items {
		items[i] = rv.Index(i).Interface()
	}
	return items, nil
}

func asInt64(raw any) (int64, bool) {
	switch n := raw.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint:
		return int64(n), true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		return int64(n), true
	case float32:
		return int64(n), true
	case float64:
		return int64(n), true
	}
	return 0, false
}

func asFloat64(raw any) (float64, bool) {
	switch n := raw.(type) {
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		if i, ok := asInt64(raw); ok {
			return float64(i), true
		}
	}
	return 0, false
}
