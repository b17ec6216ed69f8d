// Package decimal 定点十进制运算，价格和数量统一用最小单位整数表示
package decimal

import (
	"fmt"
	"math/big"
	"strings"
)

// Decimal 定点十进制数
type Decimal struct {
	value *big.Int // 最小单位整数值
	scale int      // 小数位数
}

// Zero 零值
var Zero = &Decimal{value: big.NewInt(0), scale: 0}

// Parse 从字符串解析，格式非法返回错误
func Parse(s string) (*Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("empty decimal")
	}

	negative := false
	switch s[0] {
	case '-':
		negative = true
		s = s[1:]
	case '+':
		s = s[1:]
	}

	intPart := s
	fracPart := ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		intPart = s[:i]
		fracPart = s[i+1:]
	}
	if intPart == "" && fracPart == "" {
		return nil, fmt.Errorf("invalid decimal: %q", s)
	}
	if intPart == "" {
		intPart = "0"
	}

	for _, c := range intPart + fracPart {
		if c < '0' || c > '9' {
			return nil, fmt.Errorf("invalid decimal: %q", s)
		}
	}

	value := new(big.Int)
	if _, ok := value.SetString(intPart+fracPart, 10); !ok {
		return nil, fmt.Errorf("invalid decimal: %q", s)
	}
	if negative {
		value.Neg(value)
	}

	return &Decimal{value: value, scale: len(fracPart)}, nil
}

// MustParse 解析失败时 panic，仅用于常量和测试
func MustParse(s string) *Decimal {
	d, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return d
}

// FromInt 从整数创建
func FromInt(v int64) *Decimal {
	return &Decimal{value: big.NewInt(v), scale: 0}
}

// FromUnits 从最小单位整数创建
func FromUnits(units int64, scale int) *Decimal {
	return &Decimal{value: big.NewInt(units), scale: scale}
}

// Units 转为指定精度的最小单位整数。
// 超出该精度的小数位或超出 int64 范围时返回错误，撮合路径不允许隐式截断。
func (d *Decimal) Units(scale int) (int64, error) {
	r := d.rescale(scale)
	back := r.rescale(d.scale)
	if back.value.Cmp(d.value) != 0 {
		return 0, fmt.Errorf("value %s exceeds scale %d", d.String(), scale)
	}
	if !r.value.IsInt64() {
		return 0, fmt.Errorf("value %s overflows int64 at scale %d", d.String(), scale)
	}
	return r.value.Int64(), nil
}

// String 转字符串，去除无意义尾零
func (d *Decimal) String() string {
	if d == nil || d.value == nil {
		return "0"
	}

	s := d.value.String()
	negative := strings.HasPrefix(s, "-")
	if negative {
		s = s[1:]
	}

	if d.scale > 0 {
		for len(s) <= d.scale {
			s = "0" + s
		}
		pos := len(s) - d.scale
		s = s[:pos] + "." + s[pos:]
		s = strings.TrimRight(s, "0")
		s = strings.TrimRight(s, ".")
	}

	if negative {
		return "-" + s
	}
	return s
}

// MarshalJSON 以字符串输出，避免浮点精度损失
func (d *Decimal) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

// UnmarshalJSON 支持字符串和数字两种形式
func (d *Decimal) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*d = *parsed
	return nil
}

// Cmp 比较：-1 (d < other), 0 (d == other), 1 (d > other)
func (d *Decimal) Cmp(other *Decimal) int {
	a, b := d.align(other)
	return a.value.Cmp(b.value)
}

// Add 加法
func (d *Decimal) Add(other *Decimal) *Decimal {
	a, b := d.align(other)
	return &Decimal{value: new(big.Int).Add(a.value, b.value), scale: a.scale}
}

// Sub 减法
func (d *Decimal) Sub(other *Decimal) *Decimal {
	a, b := d.align(other)
	return &Decimal{value: new(big.Int).Sub(a.value, b.value), scale: a.scale}
}

// Mul 乘法
func (d *Decimal) Mul(other *Decimal) *Decimal {
	return &Decimal{
		value: new(big.Int).Mul(d.value, other.value),
		scale: d.scale + other.scale,
	}
}

// Div 除法，指定结果精度，向下截断
func (d *Decimal) Div(other *Decimal, scale int) *Decimal {
	if other.value.Sign() == 0 {
		return &Decimal{value: big.NewInt(0), scale: scale}
	}

	dividend := d.rescale(scale + other.scale)
	result := new(big.Int).Div(dividend.value, other.value)
	return &Decimal{value: result, scale: scale}
}

// Neg 取负
func (d *Decimal) Neg() *Decimal {
	return &Decimal{value: new(big.Int).Neg(d.value), scale: d.scale}
}

// Truncate 截断到指定精度（向下）
func (d *Decimal) Truncate(scale int) *Decimal {
	if scale >= d.scale {
		return d
	}
	return d.rescale(scale)
}

// FracDigits 有效小数位数
func (d *Decimal) FracDigits() int {
	r := d
	for r.scale > 0 {
		t := r.rescale(r.scale - 1)
		if t.rescale(r.scale).value.Cmp(r.value) != 0 {
			break
		}
		r = t
	}
	return r.scale
}

// IsZero 是否为零
func (d *Decimal) IsZero() bool {
	return d.value.Sign() == 0
}

// IsPositive 是否为正
func (d *Decimal) IsPositive() bool {
	return d.value.Sign() > 0
}

// IsNegative 是否为负
func (d *Decimal) IsNegative() bool {
	return d.value.Sign() < 0
}

func (d *Decimal) align(other *Decimal) (*Decimal, *Decimal) {
	if d.scale == other.scale {
		return d, other
	}
	if d.scale > other.scale {
		return d, other.rescale(d.scale)
	}
	return d.rescale(other.scale), other
}

func (d *Decimal) rescale(scale int) *Decimal {
	if scale == d.scale {
		return d
	}

	diff := scale - d.scale
	result := new(big.Int).Set(d.value)
	if diff > 0 {
		result.Mul(result, pow10(diff))
	} else {
		result.Div(result, pow10(-diff))
	}
	return &Decimal{value: result, scale: scale}
}

func pow10(n int) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}

// Min 返回较小值
func Min(a, b *Decimal) *Decimal {
	if a.Cmp(b) <= 0 {
		return a
	}
	return b
}

// Max 返回较大值
func Max(a, b *Decimal) *Decimal {
	if a.Cmp(b) >= 0 {
		return a
	}
	return b
}

// UnitsMulUnits 最小单位乘法：price(priceScale) * qty(qtyScale) 的名义价值，
// 结果按 priceScale 的最小单位返回。溢出返回错误。
func UnitsMulUnits(price, qty int64, qtyScale int) (int64, error) {
	n := new(big.Int).Mul(big.NewInt(price), big.NewInt(qty))
	n.Div(n, pow10(qtyScale))
	if !n.IsInt64() {
		return 0, fmt.Errorf("notional overflow: price=%d qty=%d", price, qty)
	}
	return n.Int64(), nil
}
