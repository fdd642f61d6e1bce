// Package projection converts msgpack payload bytes into typed JSON under a
// descriptor and a rendering configuration.
//
// Projection is pure: given the same (bytes, descriptor, options) it always
// produces the same value tree and never touches the store.
package projection

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/ashita-ai/cxdb/internal/registry"
)

var (
	// ErrInvalidPayload is returned when the payload is not decodable
	// msgpack or its top level is not a map.
	ErrInvalidPayload = errors.New("projection: invalid payload")
	// ErrFieldTypeMismatch is returned when a decoded value is incompatible
	// with the descriptor's declared field type.
	ErrFieldTypeMismatch = errors.New("projection: field type mismatch")
	// ErrDescriptorMissing is returned by read surfaces when a typed view
	// was requested and no descriptor could be resolved.
	ErrDescriptorMissing = errors.New("projection: descriptor missing")
)

// Resolver supplies the descriptor context a projection may need while
// recursing: nested type descriptors and enum labels. *registry.Registry
// satisfies it.
type Resolver interface {
	Lookup(typeID string, version uint32) (*registry.Descriptor, bool)
	LatestVersion(typeID string) (uint32, bool)
	EnumLabel(enumID string, value uint64) (string, bool)
}

// Result is a projected payload: the typed object plus, when requested,
// decoded keys the descriptor does not know about.
type Result struct {
	Data    map[string]any `json:"data"`
	Unknown map[string]any `json:"unknown,omitempty"`
}

// Project decodes payload and renders it under desc.
func Project(payload []byte, desc *registry.Descriptor, res Resolver, opts Options) (Result, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(payload))
	// Payload maps are keyed by integer tags; the default map decoder only
	// accepts string keys.
	dec.SetMapDecoder(func(d *msgpack.Decoder) (any, error) {
		return d.DecodeUntypedMap()
	})
	value, err := dec.DecodeInterfaceLoose()
	if err != nil {
		return Result{}, fmt.Errorf("%w: msgpack decode: %v", ErrInvalidPayload, err)
	}

	tags, err := normalizeTags(value)
	if err != nil {
		return Result{}, err
	}

	data, err := projectMap(tags, desc, res, opts)
	if err != nil {
		return Result{}, err
	}

	out := Result{Data: data}
	if opts.IncludeUnknown {
		unknown := make(map[string]any)
		for tag, v := range tags {
			if _, known := desc.Fields[tag]; known {
				continue
			}
			unknown[strconv.FormatUint(tag, 10)] = renderLoose(v, opts)
		}
		out.Unknown = unknown
	}
	return out, nil
}

func projectMap(tags map[uint64]any, desc *registry.Descriptor, res Resolver, opts Options) (map[string]any, error) {
	data := make(map[string]any, len(desc.Fields))
	for tag, field := range desc.Fields {
		v, ok := tags[tag]
		if !ok {
			continue // missing fields are omitted, never null
		}
		rendered, err := renderField(v, field, res, opts)
		if err != nil {
			return nil, fmt.Errorf("%w (field %q)", err, field.Name)
		}
		data[field.Name] = rendered
	}
	return data, nil
}

// normalizeTags flattens a decoded msgpack map into tag -> value. Integer
// keys are numeric tags; string keys that parse as integers are accepted
// for mixed maps.
func normalizeTags(value any) (map[uint64]any, error) {
	out := make(map[uint64]any)
	switch m := value.(type) {
	case map[string]any:
		for k, v := range m {
			if tag, err := strconv.ParseUint(k, 10, 64); err == nil {
				out[tag] = v
			}
		}
	case map[any]any:
		for k, v := range m {
			switch key := k.(type) {
			case string:
				if tag, err := strconv.ParseUint(key, 10, 64); err == nil {
					out[tag] = v
				}
			default:
				if tag, ok := asUint64(key); ok {
					out[tag] = v
				}
			}
		}
	default:
		return nil, fmt.Errorf("%w: top level is not a map", ErrInvalidPayload)
	}
	return out, nil
}

func renderField(v any, field registry.FieldSpec, res Resolver, opts Options) (any, error) {
	if field.EnumID != "" {
		return renderEnum(v, field, res, opts)
	}
	if field.Semantic == "unix_ms" {
		return renderTime(v, opts)
	}

	kind, keyType, elemType := splitType(field.Type)
	switch kind {
	case "string":
		s, ok := v.(string)
		if !ok {
			return nil, ErrFieldTypeMismatch
		}
		return s, nil
	case "bool":
		b, ok := v.(bool)
		if !ok {
			return nil, ErrFieldTypeMismatch
		}
		return b, nil
	case "u64":
		u, ok := asUint64(v)
		if !ok {
			return nil, ErrFieldTypeMismatch
		}
		return renderU64(u, opts), nil
	case "u8", "u16", "u32":
		u, ok := asUint64(v)
		if !ok {
			return nil, ErrFieldTypeMismatch
		}
		return u, nil
	case "i8", "i16", "i32", "i64":
		i, ok := asInt64(v)
		if !ok {
			return nil, ErrFieldTypeMismatch
		}
		return i, nil
	case "f32", "f64":
		f, ok := asFloat64(v)
		if !ok {
			return nil, ErrFieldTypeMismatch
		}
		return f, nil
	case "bytes":
		b, ok := v.([]byte)
		if !ok {
			return nil, ErrFieldTypeMismatch
		}
		return renderBytes(b, opts), nil
	case "nested":
		return renderNested(v, field.NestedTypeID, res, opts)
	case "array":
		arr, ok := v.([]any)
		if !ok {
			return nil, ErrFieldTypeMismatch
		}
		elemField := registry.FieldSpec{Type: elemType, NestedTypeID: field.NestedTypeID}
		out := make([]any, 0, len(arr))
		for _, item := range arr {
			rendered, err := renderField(item, elemField, res, opts)
			if err != nil {
				return nil, err
			}
			out = append(out, rendered)
		}
		return out, nil
	case "map":
		_ = keyType // keys are always stringified in JSON
		out := make(map[string]any)
		elemField := registry.FieldSpec{Type: elemType, NestedTypeID: field.NestedTypeID}
		each := func(k, mv any) error {
			rendered, err := renderField(mv, elemField, res, opts)
			if err != nil {
				return err
			}
			out[stringifyKey(k)] = rendered
			return nil
		}
		switch m := v.(type) {
		case map[string]any:
			for k, mv := range m {
				if err := each(k, mv); err != nil {
					return nil, err
				}
			}
		case map[any]any:
			for k, mv := range m {
				if err := each(k, mv); err != nil {
					return nil, err
				}
			}
		default:
			return nil, ErrFieldTypeMismatch
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: unknown field type %q", ErrFieldTypeMismatch, field.Type)
	}
}

func renderNested(v any, nestedTypeID string, res Resolver, opts Options) (any, error) {
	if nestedTypeID == "" {
		return nil, fmt.Errorf("%w: nested field without nested_type_id", ErrFieldTypeMismatch)
	}
	version, ok := res.LatestVersion(nestedTypeID)
	if !ok {
		// No descriptor for the nested type: render loosely rather than
		// failing the whole projection.
		return renderLoose(v, opts), nil
	}
	desc, _ := res.Lookup(nestedTypeID, version)
	tags, err := normalizeTags(v)
	if err != nil {
		return nil, ErrFieldTypeMismatch
	}
	return projectMap(tags, desc, res, opts)
}

func renderEnum(v any, field registry.FieldSpec, res Resolver, opts Options) (any, error) {
	u, ok := asUint64(v)
	if !ok {
		return nil, ErrFieldTypeMismatch
	}
	label, ok := res.EnumLabel(field.EnumID, u)
	if !ok {
		return u, nil // unmapped value: fall back to the raw number
	}
	switch opts.EnumRender {
	case EnumNumber:
		return u, nil
	case EnumBoth:
		return map[string]any{"value": u, "label": label}, nil
	default:
		return label, nil
	}
}

func renderTime(v any, opts Options) (any, error) {
	ms, ok := asInt64(v)
	if !ok {
		return nil, ErrFieldTypeMismatch
	}
	if opts.TimeRender == TimeUnixMS {
		return ms, nil
	}
	return time.UnixMilli(ms).UTC().Format(time.RFC3339Nano), nil
}

func renderU64(u uint64, opts Options) any {
	if opts.U64Format == U64Number {
		return u
	}
	return strconv.FormatUint(u, 10)
}

func renderBytes(b []byte, opts Options) any {
	switch opts.BytesRender {
	case BytesHex:
		return hex.EncodeToString(b)
	case BytesLen:
		return fmt.Sprintf("<%d bytes>", len(b))
	default:
		return base64.StdEncoding.EncodeToString(b)
	}
}

// renderLoose renders a value without a descriptor: used for unknown fields
// and nested types without a registered descriptor.
func renderLoose(v any, opts Options) any {
	switch val := v.(type) {
	case nil, bool, string:
		return val
	case []byte:
		return renderBytes(val, opts)
	case uint64:
		return renderU64(val, opts)
	case uint, uint8, uint16, uint32:
		u, _ := asUint64(val)
		return u
	case int, int8, int16, int32, int64:
		i, _ := asInt64(val)
		return i
	case float32:
		return float64(val)
	case float64:
		return val
	case []any:
		out := make([]any, 0, len(val))
		for _, item := range val {
			out = append(out, renderLoose(item, opts))
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = renderLoose(item, opts)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[stringifyKey(k)] = renderLoose(item, opts)
		}
		return out
	default:
		return nil
	}
}

func stringifyKey(k any) string {
	switch key := k.(type) {
	case string:
		return key
	default:
		if u, ok := asUint64(key); ok {
			return strconv.FormatUint(u, 10)
		}
		if i, ok := asInt64(key); ok {
			return strconv.FormatInt(i, 10)
		}
		return fmt.Sprint(key)
	}
}

// splitType parses a descriptor type string into its kind and, for
// containers, the key/element types: "array<u64>" -> ("array", "", "u64"),
// "map<string,bytes>" -> ("map", "string", "bytes").
func splitType(t string) (kind, keyType, elemType string) {
	open := strings.IndexByte(t, '<')
	if open < 0 || !strings.HasSuffix(t, ">") {
		return t, "", ""
	}
	kind = t[:open]
	inner := t[open+1 : len(t)-1]
	if kind == "map" {
		if comma := strings.IndexByte(inner, ','); comma >= 0 {
			return kind, strings.TrimSpace(inner[:comma]), strings.TrimSpace(inner[comma+1:])
		}
	}
	return kind, "", strings.TrimSpace(inner)
}

func asUint64(v any) (uint64, bool) {
	switch n := v.(type) {
	case uint64:
		return n, true
	case uint:
		return uint64(n), true
	case uint8:
		return uint64(n), true
	case uint16:
		return uint64(n), true
	case uint32:
		return uint64(n), true
	case int:
		if n < 0 {
			return 0, false
		}
		return uint64(n), true
	case int8:
		if n < 0 {
			return 0, false
		}
		return uint64(n), true
	case int16:
		if n < 0 {
			return 0, false
		}
		return uint64(n), true
	case int32:
		if n < 0 {
			return 0, false
		}
		return uint64(n), true
	case int64:
		if n < 0 {
			return 0, false
		}
		return uint64(n), true
	}
	return 0, false
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint:
		if uint64(n) > 1<<63-1 {
			return 0, false
		}
		return int64(n), true
	case uint64:
		if n > 1<<63-1 {
			return 0, false
		}
		return int64(n), true
	}
	return 0, false
}

func asFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	default:
		if i, ok := asInt64(v); ok {
			return float64(i), true
		}
		if u, ok := asUint64(v); ok {
			return float64(u), true
		}
	}
	return 0, false
}
