package cache

import (
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/taskmesh-io/taskmesh/pkg/apperr"
	"github.com/taskmesh-io/taskmesh/pkg/json"
)

// Envelope kinds. Payloads are tagged so containers, schema objects,
// and repository rows survive a cache round trip with their identity.
const (
	kindPrimitive = "primitive"
	kindList      = "list"
	kindTuple     = "tuple"
	kindDict      = "dict"
	kindModel     = "model"
	kindRecord    = "record"
)

type envelope struct {
	Type  string          `json:"__type__"`
	Model string          `json:"__model__,omitempty"`
	Data  json.RawMessage `json:"data"`
}

// Tuple marks a fixed-shape sequence so it round-trips with kind
// "tuple" instead of "list".
type Tuple []any

// Validator is implemented by schema objects that re-validate on
// reconstruction.
type Validator interface {
	Validate() error
}

type modelEntry struct {
	typ reflect.Type
}

type recordEntry struct {
	typ    reflect.Type
	fields map[string]struct{}
}

var (
	regMu       sync.RWMutex
	modelByName = map[string]modelEntry{}
	modelByType = map[reflect.Type]string{}

	recordByName = map[string]recordEntry{}
	recordByType = map[reflect.Type]string{}
)

// RegisterModel registers a schema-object type under a stable name.
// proto is a zero value of the type (value or pointer).
func RegisterModel(name string, proto any) {
	typ := structType(proto)
	regMu.Lock()
	defer regMu.Unlock()
	modelByName[name] = modelEntry{typ: typ}
	modelByType[typ] = name
}

// RegisterRecord registers a repository-row type under a stable name
// with the column fields that serialize; anything else on the struct
// (joined relations included) never enters the cache.
func RegisterRecord(name string, proto any, fields ...string) {
	typ := structType(proto)
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[f] = struct{}{}
	}
	regMu.Lock()
	defer regMu.Unlock()
	recordByName[name] = recordEntry{typ: typ, fields: set}
	recordByType[typ] = name
}

func structType(proto any) reflect.Type {
	typ := reflect.TypeOf(proto)
	for typ.Kind() == reflect.Ptr {
		typ = typ.Elem()
	}
	if typ.Kind() != reflect.Struct {
		panic(fmt.Sprintf("cache: register needs a struct prototype, got %s", typ))
	}
	return typ
}

// Encode wraps a value in the typed envelope. Unregistered struct
// types are a hard error so corrupt payloads never reach Redis.
func Encode(v any) ([]byte, error) {
	env, err := encodeValue(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

func encodeValue(v any) (*envelope, error) {
	if v == nil {
		return &envelope{Type: kindPrimitive, Data: json.RawMessage("null")}, nil
	}

	switch tv := v.(type) {
	case time.Time:
		return primitiveEnvelope(tv.UTC().Format(time.RFC3339Nano))
	case *time.Time:
		if tv == nil {
			return &envelope{Type: kindPrimitive, Data: json.RawMessage("null")}, nil
		}
		return primitiveEnvelope(tv.UTC().Format(time.RFC3339Nano))
	case Tuple:
		return encodeSequence(kindTuple, reflect.ValueOf([]any(tv)))
	}

	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Ptr || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return &envelope{Type: kindPrimitive, Data: json.RawMessage("null")}, nil
		}
		rv = rv.Elem()
	}

	switch rv.Kind() {
	case reflect.Bool, reflect.String,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return primitiveEnvelope(rv.Interface())

	case reflect.Slice, reflect.Array:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return primitiveEnvelope(rv.Interface())
		}
		return encodeSequence(kindList, rv)

	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, apperr.Internalf("cache: map keys must be strings, got %s", rv.Type().Key())
		}
		items := make(map[string]*envelope, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			enc, err := encodeValue(iter.Value().Interface())
			if err != nil {
				return nil, err
			}
			items[iter.Key().String()] = enc
		}
		data, err := json.Marshal(items)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, "cache: encode dict", err)
		}
		return &envelope{Type: kindDict, Data: data}, nil

	case reflect.Struct:
		if rv.Type() == reflect.TypeOf(time.Time{}) {
			t, ok := rv.Interface().(time.Time)
			if !ok {
				return nil, apperr.Internalf("cache: unexpected time value")
			}
			return primitiveEnvelope(t.UTC().Format(time.RFC3339Nano))
		}
		return encodeStruct(rv)

	default:
		return nil, apperr.Internalf("cache: cannot encode %s", rv.Kind())
	}
}

func primitiveEnvelope(v any) (*envelope, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "cache: encode primitive", err)
	}
	return &envelope{Type: kindPrimitive, Data: data}, nil
}

func encodeSequence(kind string, rv reflect.Value) (*envelope, error) {
	items := make([]*envelope, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		enc, err := encodeValue(rv.Index(i).Interface())
		if err != nil {
			return nil, err
		}
		items[i] = enc
	}
	data, err := json.Marshal(items)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "cache: encode sequence", err)
	}
	return &envelope{Type: kind, Data: data}, nil
}

func encodeStruct(rv reflect.Value) (*envelope, error) {
	typ := rv.Type()
	regMu.RLock()
	modelName, isModel := modelByType[typ]
	recordName, isRecord := recordByType[typ]
	entry := recordByName[recordName]
	regMu.RUnlock()

	switch {
	case isModel:
		data, err := json.Marshal(rv.Interface())
		if err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, "cache: encode model "+modelName, err)
		}
		return &envelope{Type: kindModel, Model: modelName, Data: data}, nil

	case isRecord:
		full, err := json.Marshal(rv.Interface())
		if err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, "cache: encode record "+recordName, err)
		}
		var asMap map[string]json.RawMessage
		if err := json.Unmarshal(full, &asMap); err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, "cache: encode record "+recordName, err)
		}
		for field := range asMap {
			if _, keep := entry.fields[field]; !keep {
				delete(asMap, field)
			}
		}
		data, err := json.Marshal(asMap)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, "cache: encode record "+recordName, err)
		}
		return &envelope{Type: kindRecord, Model: recordName, Data: data}, nil

	default:
		return nil, apperr.Internalf("cache: unregistered struct type %s", typ)
	}
}

// Decode reconstructs a value from its envelope. Schema objects come
// back as pointers to their registered type, containers as []any /
// map[string]any, primitives as JSON scalars.
func Decode(payload []byte) (any, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "cache: malformed envelope", err)
	}
	return decodeEnvelope(&env)
}

func decodeEnvelope(env *envelope) (any, error) {
	switch env.Type {
	case kindPrimitive:
		var v any
		if err := json.Unmarshal(env.Data, &v); err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, "cache: decode primitive", err)
		}
		return v, nil

	case kindList, kindTuple:
		var items []*envelope
		if err := json.Unmarshal(env.Data, &items); err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, "cache: decode sequence", err)
		}
		out := make([]any, len(items))
		for i, item := range items {
			v, err := decodeEnvelope(item)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		if env.Type == kindTuple {
			return Tuple(out), nil
		}
		return out, nil

	case kindDict:
		var items map[string]*envelope
		if err := json.Unmarshal(env.Data, &items); err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, "cache: decode dict", err)
		}
		out := make(map[string]any, len(items))
		for k, item := range items {
			v, err := decodeEnvelope(item)
			if err != nil {
				return nil, err
			}
			out[k] = v
		}
		return out, nil

	case kindModel:
		regMu.RLock()
		entry, ok := modelByName[env.Model]
		regMu.RUnlock()
		if !ok {
			return nil, apperr.Internalf("cache: unregistered model %q", env.Model)
		}
		inst := reflect.New(entry.typ)
		if err := json.Unmarshal(env.Data, inst.Interface()); err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, "cache: decode model "+env.Model, err)
		}
		if v, ok := inst.Interface().(Validator); ok {
			if err := v.Validate(); err != nil {
				return nil, apperr.Wrap(apperr.KindInternal, "cache: model "+env.Model+" failed validation", err)
			}
		}
		return inst.Interface(), nil

	case kindRecord:
		regMu.RLock()
		entry, ok := recordByName[env.Model]
		regMu.RUnlock()
		if !ok {
			return nil, apperr.Internalf("cache: unregistered record %q", env.Model)
		}
		inst := reflect.New(entry.typ)
		if err := json.Unmarshal(env.Data, inst.Interface()); err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, "cache: decode record "+env.Model, err)
		}
		return inst.Interface(), nil

	default:
		return nil, apperr.Internalf("cache: unknown envelope type %q", env.Type)
	}
}

// RegisteredModels lists registered model and record names, sorted.
// Diagnostic surface for the system status endpoint.
func RegisteredModels() []string {
	regMu.RLock()
	defer regMu.RUnlock()
	names := make([]string, 0, len(modelByName)+len(recordByName))
	for name := range modelByName {
		names = append(names, name)
	}
	for name := range recordByName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
