package testutil

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/dop251/goja"
)

// CompileView compiles a javascript map function, ex: function (doc) { emit(doc.type, null) }
func CompileView(source string) (ViewFunc, error) {
	var (
		mu   sync.Mutex
		vm   = goja.New()
		rows []ViewRow
	)
	if err := vm.Set("emit", func(key, value goja.Value) {
		rows = append(rows, ViewRow{Key: export(key), Value: export(value)})
	}); err != nil {
		return nil, err
	}
	fn, err := vm.RunString("(" + source + ")")
	if err != nil {
		return nil, fmt.Errorf("failed to compile view: %w", err)
	}
	mapFn, ok := goja.AssertFunction(fn)
	if !ok {
		return nil, fmt.Errorf("view is not a function: %s", source)
	}
	return func(doc map[string]any) []ViewRow {
		mu.Lock()
		defer mu.Unlock()
		rows = nil
		if _, err := mapFn(goja.Undefined(), vm.ToValue(normalize(doc))); err != nil {
			return nil
		}
		return rows
	}, nil
}

func export(v goja.Value) any {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	return v.Export()
}

// normalize converts typed go values into the plain json types a decoded document holds
func normalize(doc map[string]any) map[string]any {
	bits, err := json.Marshal(doc)
	if err != nil {
		return doc
	}
	out := map[string]any{}
	if err := json.Unmarshal(bits, &out); err != nil {
		return doc
	}
	return out
}
