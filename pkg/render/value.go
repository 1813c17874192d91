package render

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Kind はValueが保持する値の種類を表す。
type Kind int

const (
	// KindNull は値が存在しないことを表す。
	KindNull Kind = iota
	// KindString は文字列を表す。
	KindString
	// KindNumber は数値を表す。JSON上の表記をそのまま保持する。
	KindNumber
	// KindBool は真偽値を表す。
	KindBool
	// KindArray は配列を表す。
	KindArray
	// KindObject はオブジェクトを表す。
	KindObject
)

// Value はイベントペイロードの動的な値ツリー。
// 文字列・数値・真偽値・配列・オブジェクトのいずれか、またはnullを保持する。
// ゼロ値はnullとして扱われる。
type Value struct {
	kind Kind
	// str は文字列値、または数値のJSON表記。
	str string
	b   bool
	arr []Value
	obj map[string]Value
}

// Null は値が存在しないことを表すValueを返す。
func Null() Value { return Value{} }

// String は文字列のValueを生成する。
func String(s string) Value { return Value{kind: KindString, str: s} }

// Bool は真偽値のValueを生成する。
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Int は整数のValueを生成する。
func Int(n int64) Value { return Value{kind: KindNumber, str: strconv.FormatInt(n, 10)} }

// Array は配列のValueを生成する。
func Array(items ...Value) Value { return Value{kind: KindArray, arr: items} }

// Object はオブジェクトのValueを生成する。
func Object(fields map[string]Value) Value {
	if fields == nil {
		fields = map[string]Value{}
	}
	return Value{kind: KindObject, obj: fields}
}

// FromJSON はJSONバイト列をValueに変換する。
// 空の入力はnullとして扱う。
func FromJSON(data []byte) (Value, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return Null(), nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return Null(), fmt.Errorf("ペイロードのデコードに失敗: %w", err)
	}
	return FromAny(raw), nil
}

// FromAny はGoの値をValueに変換する。
// encoding/jsonでデコードした値（map[string]any、[]any、json.Number等）を想定する。
func FromAny(v any) Value {
	switch t := v.(type) {
	case nil:
		return Null()
	case Value:
		return t
	case string:
		return String(t)
	case json.Number:
		return Value{kind: KindNumber, str: t.String()}
	case float64:
		return Value{kind: KindNumber, str: strconv.FormatFloat(t, 'f', -1, 64)}
	case float32:
		return Value{kind: KindNumber, str: strconv.FormatFloat(float64(t), 'f', -1, 32)}
	case int:
		return Int(int64(t))
	case int64:
		return Int(t)
	case int32:
		return Int(int64(t))
	case bool:
		return Bool(t)
	case []any:
		items := make([]Value, 0, len(t))
		for _, item := range t {
			items = append(items, FromAny(item))
		}
		return Array(items...)
	case []string:
		items := make([]Value, 0, len(t))
		for _, item := range t {
			items = append(items, String(item))
		}
		return Array(items...)
	case map[string]any:
		fields := make(map[string]Value, len(t))
		for k, item := range t {
			fields[k] = FromAny(item)
		}
		return Object(fields)
	case map[string]Value:
		return Object(t)
	case json.RawMessage:
		parsed, err := FromJSON(t)
		if err != nil {
			return Null()
		}
		return parsed
	default:
		return String(fmt.Sprint(t))
	}
}

// Kind は値の種類を返す。
func (v Value) Kind() Kind { return v.kind }

// Lookup はドット区切りのパスで値を辿る。
// 配列に対しては数値セグメントをインデックスとして扱う。
// 途中のキーが存在しない場合はエラーではなくnullを返す。
func (v Value) Lookup(path string) Value {
	path = strings.TrimSpace(path)
	if path == "" {
		return Null()
	}
	cur := v
	for _, seg := range strings.Split(path, ".") {
		switch cur.kind {
		case KindObject:
			next, ok := cur.obj[seg]
			if !ok {
				return Null()
			}
			cur = next
		case KindArray:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(cur.arr) {
				return Null()
			}
			cur = cur.arr[idx]
		default:
			return Null()
		}
	}
	return cur
}

// IsEmpty はnull、空文字列、空の配列・オブジェクトの場合にtrueを返す。
func (v Value) IsEmpty() bool {
	switch v.kind {
	case KindNull:
		return true
	case KindString:
		return strings.TrimSpace(v.str) == ""
	case KindArray:
		return len(v.arr) == 0
	case KindObject:
		return len(v.obj) == 0
	default:
		return false
	}
}

// Int64 は値を整数として解釈する。数値または数値文字列のみ対応する。
func (v Value) Int64() (int64, bool) {
	if v.kind != KindNumber && v.kind != KindString {
		return 0, false
	}
	s := strings.TrimSpace(v.str)
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, true
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && f == float64(int64(f)) {
		return int64(f), true
	}
	return 0, false
}

// String は値を差し込み用の文字列に変換する。
// nullは空文字列、配列とオブジェクトはJSON表記になる。
func (v Value) String() string {
	switch v.kind {
	case KindString, KindNumber:
		return v.str
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindArray, KindObject:
		b, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(b)
	default:
		return ""
	}
}

// Interface は値をencoding/jsonで扱えるGoの値に戻す。
func (v Value) Interface() any {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		return json.Number(v.str)
	case KindBool:
		return v.b
	case KindArray:
		items := make([]any, 0, len(v.arr))
		for _, item := range v.arr {
			items = append(items, item.Interface())
		}
		return items
	case KindObject:
		fields := make(map[string]any, len(v.obj))
		for k, item := range v.obj {
			fields[k] = item.Interface()
		}
		return fields
	default:
		return nil
	}
}

// MarshalJSON はValueをJSONに変換する。
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Interface())
}

// UnmarshalJSON はJSONをValueに変換する。
func (v *Value) UnmarshalJSON(data []byte) error {
	parsed, err := FromJSON(data)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}
