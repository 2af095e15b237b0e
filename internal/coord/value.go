package coord

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// 文档注释：经纬度原始值（数值或文本）
// 背景：后端 CharField 存储的经纬度以字符串下发，部分接口返回数值；保留原始表示以便原样回传与展示。
// 约束：零值表示缺失；Degrees 统一经 Normalize 解析。非数值非文本的原始值（布尔、对象）保留为不可解析，不影响整批解码。
type Value struct {
	text  string
	num   float64
	isNum bool
	set   bool
	raw   json.RawMessage
}

func Number(f float64) Value { return Value{num: f, isNum: true, set: true} }

func Text(s string) Value { return Value{text: s, set: true} }

// IsZero 报告值是否缺失
func (v Value) IsZero() bool { return !v.set }

// Degrees 返回带符号十进制度
func (v Value) Degrees() (float64, bool) {
	if !v.set || v.raw != nil {
		return 0, false
	}
	if v.isNum {
		return finite(v.num)
	}
	return parseText(v.text)
}

func (v Value) String() string {
	if !v.set {
		return ""
	}
	if v.raw != nil {
		return string(v.raw)
	}
	if v.isNum {
		return strconv.FormatFloat(v.num, 'f', -1, 64)
	}
	return v.text
}

func (v *Value) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*v = Value{}
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*v = Text(s)
		return nil
	}
	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		*v = Value{set: true, raw: append(json.RawMessage(nil), b...)}
		return nil
	}
	*v = Number(f)
	return nil
}

func (v Value) MarshalJSON() ([]byte, error) {
	if !v.set {
		return []byte("null"), nil
	}
	if v.raw != nil {
		return v.raw, nil
	}
	if v.isNum {
		return json.Marshal(v.num)
	}
	return json.Marshal(v.text)
}
