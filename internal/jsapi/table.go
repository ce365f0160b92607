// Package jsapi is the fixed, compile-time dispatch table of native
// callbacks installed into every worker's global object template.
//
// The full JavaScript API surface exposed to worker scripts (crypto,
// fetch, storage, templating, etc.) is an external collaborator and out of
// scope for this core (spec.md §1) — it is modeled here only as far as
// needed to demonstrate the dispatch mechanism itself: a compile-time
// constant map from name to a fixed-signature function pointer, with no
// runtime registration and no inheritance hierarchy (see SPEC_FULL.md §9,
// "Dynamic API dispatch"). New host functions are added by extending Table.
package jsapi

import (
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/oriys/novaisolate/internal/logging"
	v8 "rogchap.com/v8go"
)

// Handler mirrors v8go.FunctionCallback: it receives the call arguments and
// returns the JS-visible result (or throws via info.Context().Isolate() on
// error, matching the upstream library's error-as-exception convention).
type Handler = v8.FunctionCallback

// Table is the fixed name -> native function mapping installed on every
// worker's global object template. Installation order does not matter;
// names are looked up once at template-build time.
var Table = map[string]Handler{
	"log":                apiLog,
	"now":                apiNow,
	"crypto_random_uuid": apiCryptoRandomUUID,
	"encode":             apiEncode,
	"decode":             apiDecode,
}

// Install sets every entry of Table as a function property on global.
func Install(iso *v8.Isolate, global *v8.ObjectTemplate) error {
	for name, fn := range Table {
		tmpl := v8.NewFunctionTemplate(iso, fn)
		if err := global.Set(name, tmpl); err != nil {
			return fmt.Errorf("install native api %q: %w", name, err)
		}
	}
	return nil
}

func apiLog(info *v8.FunctionCallbackInfo) *v8.Value {
	args := info.Args()
	parts := make([]any, 0, len(args))
	for _, a := range args {
		parts = append(parts, a.String())
	}
	logging.Op().Info("worker script log", "message", fmt.Sprint(parts...))
	return undefined(info)
}

func apiNow(info *v8.FunctionCallbackInfo) *v8.Value {
	v, err := v8.NewValue(info.Context().Isolate(), float64(time.Now().UnixMilli()))
	if err != nil {
		return throw(info, err)
	}
	return v
}

func apiCryptoRandomUUID(info *v8.FunctionCallbackInfo) *v8.Value {
	v, err := v8.NewValue(info.Context().Isolate(), uuid.NewString())
	if err != nil {
		return throw(info, err)
	}
	return v
}

// apiEncode implements the §8 round-trip testable property: UTF-8 text in,
// bytes (represented as a JSON-quoted base64 string, encoding/json's form
// for []byte) out.
func apiEncode(info *v8.FunctionCallbackInfo) *v8.Value {
	args := info.Args()
	if len(args) == 0 {
		return throw(info, fmt.Errorf("encode: expected 1 argument"))
	}
	b := []byte(args[0].String())
	out, err := json.Marshal(b)
	if err != nil {
		return throw(info, err)
	}
	v, err := v8.NewValue(info.Context().Isolate(), string(out))
	if err != nil {
		return throw(info, err)
	}
	return v
}

// apiDecode is the inverse of apiEncode. Non-UTF-8 byte sequences decode to
// the replacement-character normalization, matching Go's []rune
// conversion semantics.
func apiDecode(info *v8.FunctionCallbackInfo) *v8.Value {
	args := info.Args()
	if len(args) == 0 {
		return throw(info, fmt.Errorf("decode: expected 1 argument"))
	}
	var raw []byte
	if err := json.Unmarshal([]byte(args[0].String()), &raw); err != nil {
		return throw(info, err)
	}
	s := string(raw)
	if !utf8.ValidString(s) {
		s = string([]rune(s)) // normalize invalid sequences to U+FFFD runs
	}
	v, err := v8.NewValue(info.Context().Isolate(), s)
	if err != nil {
		return throw(info, err)
	}
	return v
}

func undefined(info *v8.FunctionCallbackInfo) *v8.Value {
	return v8.Undefined(info.Context().Isolate())
}

func throw(info *v8.FunctionCallbackInfo, err error) *v8.Value {
	iso := info.Context().Isolate()
	v, verr := v8.NewValue(iso, err.Error())
	if verr != nil {
		return v8.Undefined(iso)
	}
	iso.ThrowException(v)
	return v8.Undefined(iso)
}
