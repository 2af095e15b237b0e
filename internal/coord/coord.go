// 包 coord：经纬度归一化，将数值或带方向后缀的文本统一为带符号十进制度
package coord

import (
	"encoding/json"
	"math"
	"regexp"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/paulmach/orb"
)

var leadingNumber = regexp.MustCompile(`^\s*([+-]?(?:\d+(?:\.\d*)?|\.\d+))`)

// 文档注释：坐标归一化
// 背景：区域数据中的经纬度既可能是数值，也可能是 "4.5895°S"、"137.4E" 之类的文本；统一入口避免两套解析路径。
// 返回：带符号十进制度与是否可用；无法提取数值时返回 false（不是错误），调用方应跳过该实体而非中断整批。
// 约束：纯函数；对自身输出幂等（数值原样返回）；S/W 取负，N/E/无方向保留原符号。
func Normalize(v any) (float64, bool) {
	switch x := v.(type) {
	case nil:
		return 0, false
	case float64:
		return finite(x)
	case float32:
		return finite(float64(x))
	case int:
		return float64(x), true
	case int8:
		return float64(x), true
	case int16:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint:
		return float64(x), true
	case uint8:
		return float64(x), true
	case uint16:
		return float64(x), true
	case uint32:
		return float64(x), true
	case uint64:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return 0, false
		}
		return finite(f)
	case Value:
		return x.Degrees()
	case *Value:
		if x == nil {
			return 0, false
		}
		return x.Degrees()
	case string:
		return parseText(x)
	}
	return 0, false
}

func finite(f float64) (float64, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func parseText(s string) (float64, bool) {
	m := leadingNumber.FindStringSubmatchIndex(s)
	if m == nil {
		return 0, false
	}
	f, err := strconv.ParseFloat(s[m[2]:m[3]], 64)
	if err != nil {
		return 0, false
	}
	switch direction(s[m[1]:]) {
	case 'S', 'W':
		return -math.Abs(f), true
	}
	return f, true
}

// direction 读取数值之后的方向字母；字母后紧跟其他字母（如 "5 North"）时不视为方向
func direction(rest string) rune {
	rest = strings.TrimLeftFunc(rest, unicode.IsSpace)
	for _, mark := range []string{"°", "º", "˚"} {
		rest = strings.TrimPrefix(rest, mark)
	}
	rest = strings.TrimLeftFunc(rest, unicode.IsSpace)
	r, n := utf8.DecodeRuneInString(rest)
	if n == 0 {
		return 0
	}
	r = unicode.ToUpper(r)
	if r != 'N' && r != 'S' && r != 'E' && r != 'W' {
		return 0
	}
	if next, _ := utf8.DecodeRuneInString(rest[n:]); unicode.IsLetter(next) {
		return 0
	}
	return r
}

// 文档注释：组合经纬度为地图点（经度在前）
// 背景：地图与视图状态以 (lon, lat) 表示中心点；任一分量不可解析时返回 false，标记为“无法上图”。
func Point(lat, lon any) (orb.Point, bool) {
	la, ok := Normalize(lat)
	if !ok {
		return orb.Point{}, false
	}
	lo, ok := Normalize(lon)
	if !ok {
		return orb.Point{}, false
	}
	return orb.Point{lo, la}, true
}
