package service

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/dop251/goja"
)

// newExpect builds the matcher object for expect(actual). The negated object
// is its own .not, so chaining .not twice stays negated.
func (run *scriptRun) newExpect(actual goja.Value, negated bool) *goja.Object {
	vm := run.vm
	obj := vm.NewObject()

	check := func(pass bool, verb string, expected ...goja.Value) {
		if negated {
			pass = !pass
		}
		if pass {
			return
		}
		msg := "expected " + describeValue(actual)
		if negated {
			msg += " not"
		}
		msg += " " + verb
		if len(expected) > 0 {
			msg += " " + describeValue(expected[0])
		}
		run.throwAssertion(msg)
	}

	obj.Set("toBe", func(call goja.FunctionCall) goja.Value {
		expected := call.Argument(0)
		check(actual.StrictEquals(expected), "to be", expected)
		return goja.Undefined()
	})

	obj.Set("toEqual", func(call goja.FunctionCall) goja.Value {
		expected := call.Argument(0)
		check(deepEqualValues(actual, expected), "to equal", expected)
		return goja.Undefined()
	})

	obj.Set("toContain", func(call goja.FunctionCall) goja.Value {
		expected := call.Argument(0)
		check(containsValue(actual, expected), "to contain", expected)
		return goja.Undefined()
	})

	obj.Set("toHaveProperty", func(call goja.FunctionCall) goja.Value {
		key := call.Argument(0)
		prop, found := lookupProperty(vm, actual, key.String())
		if len(call.Arguments) < 2 {
			check(found, "to have property", key)
			return goja.Undefined()
		}
		expected := call.Argument(1)
		pass := found && deepEqualValues(prop, expected)
		check(pass, fmt.Sprintf("to have property %q equal to", key.String()), expected)
		return goja.Undefined()
	})

	obj.Set("toBeTruthy", func(call goja.FunctionCall) goja.Value {
		check(actual != nil && actual.ToBoolean(), "to be truthy")
		return goja.Undefined()
	})

	obj.Set("toBeFalsy", func(call goja.FunctionCall) goja.Value {
		check(actual == nil || !actual.ToBoolean(), "to be falsy")
		return goja.Undefined()
	})

	obj.Set("toBeGreaterThan", func(call goja.FunctionCall) goja.Value {
		expected := call.Argument(0)
		check(isPresent(actual) && actual.ToFloat() > expected.ToFloat(), "to be greater than", expected)
		return goja.Undefined()
	})

	obj.Set("toBeLessThan", func(call goja.FunctionCall) goja.Value {
		expected := call.Argument(0)
		check(isPresent(actual) && actual.ToFloat() < expected.ToFloat(), "to be less than", expected)
		return goja.Undefined()
	})

	obj.Set("toMatch", func(call goja.FunctionCall) goja.Value {
		pattern := call.Argument(0)
		re, err := vm.New(vm.Get("RegExp"), pattern)
		if err != nil {
			panic(err)
		}
		test, _ := goja.AssertFunction(re.Get("test"))
		res, err := test(re, vm.ToValue(stringOf(actual)))
		if err != nil {
			panic(err)
		}
		check(res.ToBoolean(), "to match", pattern)
		return goja.Undefined()
	})

	obj.Set("toHaveLength", func(call goja.FunctionCall) goja.Value {
		expected := call.Argument(0)
		pass := false
		if isPresent(actual) {
			if l := actual.ToObject(vm).Get("length"); isPresent(l) {
				pass = l.ToInteger() == expected.ToInteger()
			}
		}
		check(pass, "to have length", expected)
		return goja.Undefined()
	})

	if negated {
		obj.Set("not", obj)
	} else {
		obj.Set("not", run.newExpect(actual, true))
	}
	return obj
}

// throwAssertion raises an AssertionError inside the script.
func (run *scriptRun) throwAssertion(msg string) {
	vm := run.vm
	errObj, err := vm.New(vm.Get("Error"), vm.ToValue(msg))
	if err != nil {
		panic(vm.ToValue(msg))
	}
	errObj.Set("name", "AssertionError")
	panic(errObj)
}

func describeValue(v goja.Value) string {
	if v == nil || goja.IsUndefined(v) {
		return "undefined"
	}
	if goja.IsNull(v) {
		return "null"
	}
	b, err := json.Marshal(v.Export())
	if err != nil {
		return v.String()
	}
	return string(b)
}

func stringOf(v goja.Value) string {
	if v == nil || goja.IsUndefined(v) {
		return "undefined"
	}
	return v.String()
}

// deepEqualValues compares through the JSON form so number widths and key
// order do not matter.
func deepEqualValues(a, b goja.Value) bool {
	if !isPresent(a) || !isPresent(b) {
		return orUndefined(a).StrictEquals(orUndefined(b))
	}
	ea, eb := a.Export(), b.Export()
	ja, errA := json.Marshal(ea)
	jb, errB := json.Marshal(eb)
	if errA != nil || errB != nil {
		return reflect.DeepEqual(ea, eb)
	}
	var na, nb interface{}
	if json.Unmarshal(ja, &na) != nil || json.Unmarshal(jb, &nb) != nil {
		return string(ja) == string(jb)
	}
	return reflect.DeepEqual(na, nb)
}

func containsValue(haystack, needle goja.Value) bool {
	if !isPresent(haystack) {
		return false
	}
	switch h := haystack.Export().(type) {
	case string:
		return strings.Contains(h, stringOf(needle))
	case []interface{}:
		for _, item := range h {
			if jsonEqual(item, needle.Export()) {
				return true
			}
		}
	}
	return false
}

func jsonEqual(a, b interface{}) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return reflect.DeepEqual(a, b)
	}
	return string(ja) == string(jb)
}

// lookupProperty follows a dotted path through nested objects.
func lookupProperty(vm *goja.Runtime, v goja.Value, path string) (goja.Value, bool) {
	cur := v
	for _, part := range strings.Split(path, ".") {
		if !isPresent(cur) {
			return nil, false
		}
		cur = cur.ToObject(vm).Get(part)
		if cur == nil {
			return nil, false
		}
	}
	return cur, true
}

func orUndefined(v goja.Value) goja.Value {
	if v == nil {
		return goja.Undefined()
	}
	return v
}
