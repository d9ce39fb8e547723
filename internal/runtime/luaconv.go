package runtime

import (
	"fmt"

	"github.com/Shopify/go-lua"
)

const (
	luaGlobalTableIndex = -2
	luaArrayTableIndex  = -3
	luaMapTableIndex    = -3
)

func pushValue(l *lua.State, value any) {
	switch v := value.(type) {
	case string:
		l.PushString(v)
	case bool:
		l.PushBoolean(v)
	case int:
		l.PushInteger(v)
	case int64:
		l.PushInteger(int(v))
	case float64:
		l.PushNumber(v)
	case float32:
		l.PushNumber(float64(v))
	case []any:
		pushArray(l, v)
	case map[string]any:
		pushMap(l, v)
	case nil:
		l.PushNil()
	default:
		l.PushString(fmt.Sprintf("%v", v))
	}
}

func pushArray(l *lua.State, arr []any) {
	l.CreateTable(len(arr), 0)
	for i, item := range arr {
		l.PushInteger(i + 1)
		pushValue(l, item)
		l.SetTable(luaArrayTableIndex)
	}
}

func pushMap(l *lua.State, m map[string]any) {
	l.CreateTable(0, len(m))
	for k, val := range m {
		l.PushString(k)
		pushValue(l, val)
		l.SetTable(luaMapTableIndex)
	}
}

func numberToGo(l *lua.State, index int) any {
	num, _ := l.ToNumber(index)
	if num == float64(int(num)) {
		return int(num)
	}
	return num
}

func toValue(l *lua.State, index int) any {
	switch l.TypeOf(index) {
	case lua.TypeNil, lua.TypeNone:
		return nil
	case lua.TypeBoolean:
		return l.ToBoolean(index)
	case lua.TypeNumber:
		return numberToGo(l, index)
	case lua.TypeString:
		s, _ := l.ToString(index)
		return s
	case lua.TypeTable:
		return tableToAny(l, index)
	default:
		return nil
	}
}

func tableToMap(l *lua.State, index int) map[string]any {
	result := map[string]any{}

	t := l.AbsIndex(index)
	l.PushNil()
	for l.Next(t) {
		// Only read string keys, and only via TypeOf: converting a
		// non-string key in place would corrupt the traversal
		if l.TypeOf(-2) == lua.TypeString {
			key, _ := l.ToString(-2)
			result[key] = toValue(l, -1)
		}
		l.Pop(1)
	}

	return result
}

func tableToAny(l *lua.State, index int) any {
	isArray := true
	length := 0

	t := l.AbsIndex(index)
	l.PushNil()
	for l.Next(t) {
		if l.TypeOf(-2) != lua.TypeNumber {
			isArray = false
			l.Pop(2)
			break
		}
		length++
		l.Pop(1)
	}

	if isArray && length > 0 {
		return convertArray(l, t, length)
	}

	result := map[string]any{}
	l.PushNil()
	for l.Next(t) {
		var key string
		if l.TypeOf(-2) == lua.TypeString {
			key, _ = l.ToString(-2)
		} else {
			key = fmt.Sprintf("%v", toValue(l, -2))
		}
		result[key] = toValue(l, -1)
		l.Pop(1)
	}

	return result
}

func convertArray(l *lua.State, index, length int) []any {
	arr := make([]any, length)
	for i := 1; i <= length; i++ {
		l.RawGetInt(index, i)
		arr[i-1] = toValue(l, -1)
		l.Pop(1)
	}
	return arr
}

// optMap reads an optional table argument as a map; absent or non-table
// arguments produce nil
func optMap(l *lua.State, index int) map[string]any {
	if l.IsNoneOrNil(index) || !l.IsTable(index) {
		return nil
	}
	return tableToMap(l, index)
}

// optString reads an optional string argument with a default
func optString(l *lua.State, index int, def string) string {
	if l.IsNoneOrNil(index) {
		return def
	}
	s, _ := l.ToString(index)
	return s
}

// optNumber reads an optional numeric argument with a default
func optNumber(l *lua.State, index int, def float64) float64 {
	if l.IsNoneOrNil(index) {
		return def
	}
	n, ok := l.ToNumber(index)
	if !ok {
		return def
	}
	return n
}
