package market

import (
	"errors"
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

var (
	ErrNegativeVolume = errors.New("market: negative volume")
	ErrZeroStep       = errors.New("market: zero lot step")
)

// UnsignedVolume 非负数量。只能通过 NewUnsignedVolume 或运算得到，永不为负。
type UnsignedVolume struct {
	v float64
}

// NewUnsignedVolume 构造无符号数量，负数或 NaN 返回 ErrNegativeVolume。
func NewUnsignedVolume(v float64) (UnsignedVolume, error) {
	if v < 0 || math.IsNaN(v) {
		return UnsignedVolume{}, fmt.Errorf("%w: %v", ErrNegativeVolume, v)
	}
	return UnsignedVolume{v: v}, nil
}

// MustUnsigned 用于常量场景（测试、固定配置），负数直接 panic。
func MustUnsigned(v float64) UnsignedVolume {
	u, err := NewUnsignedVolume(v)
	if err != nil {
		panic(err)
	}
	return u
}

func (u UnsignedVolume) Float() float64 { return u.v }
func (u UnsignedVolume) IsZero() bool { return u.v <= volumeEpsilon }

func (u UnsignedVolume) Add(o UnsignedVolume) UnsignedVolume {
	return UnsignedVolume{v: u.v + o.v}
}

// Sub 结果为负时返回错误而不是回绕。
func (u UnsignedVolume) Sub(o UnsignedVolume) (UnsignedVolume, error) {
	r := u.v - o.v
	if r < 0 {
		if -r <= volumeEpsilon {
			return UnsignedVolume{}, nil
		}
		return UnsignedVolume{}, fmt.Errorf("%w: %v - %v", ErrNegativeVolume, u.v, o.v)
	}
	return UnsignedVolume{v: r}, nil
}

// SaturatingSub 不足时截断为零。
func (u UnsignedVolume) SaturatingSub(o UnsignedVolume) UnsignedVolume {
	if o.v >= u.v {
		return UnsignedVolume{}
	}
	return UnsignedVolume{v: u.v - o.v}
}

func (u UnsignedVolume) Less(o UnsignedVolume) bool { return u.v < o.v-volumeEpsilon }

// GreaterOrEqual 带浮点容差的比较。
func (u UnsignedVolume) GreaterOrEqual(o UnsignedVolume) bool { return u.v >= o.v-volumeEpsilon }

// Signed 按方向加符号。
func (u UnsignedVolume) Signed(side Side) SignedVolume {
	return SignedVolume(u.v * side.Sign())
}

func (u UnsignedVolume) String() string { return decimal.NewFromFloat(u.v).String() }

const volumeEpsilon = 1e-12

// SignedVolume 带符号数量：正为买，负为卖。
type SignedVolume float64

// NewSignedVolume 由非负幅度与方向构造。
func NewSignedVolume(magnitude float64, side Side) (SignedVolume, error) {
	u, err := NewUnsignedVolume(magnitude)
	if err != nil {
		return 0, err
	}
	return u.Signed(side), nil
}

func (v SignedVolume) Float() float64 { return float64(v) }
func (v SignedVolume) IsZero() bool { return math.Abs(float64(v)) <= volumeEpsilon }

// Side 零数量视为买方向。
func (v SignedVolume) Side() Side {
	if v < 0 {
		return Sell
	}
	return Buy
}

func (v SignedVolume) Abs() UnsignedVolume {
	return UnsignedVolume{v: math.Abs(float64(v))}
}

// Floor 把数量向零取整到 step 的整数倍，保持符号。step <= 0 返回 ErrZeroStep。
func (v SignedVolume) Floor(step float64) (SignedVolume, error) {
	if step <= 0 || math.IsNaN(step) {
		return 0, ErrZeroStep
	}
	if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
		return 0, fmt.Errorf("market: volume %v not representable", float64(v))
	}
	d := decimal.NewFromFloat(float64(v))
	s := decimal.NewFromFloat(step)
	mag := d.Abs()
	floored := mag.Sub(mag.Mod(s))
	if d.IsNegative() {
		floored = floored.Neg()
	}
	f, _ := floored.Float64()
	return SignedVolume(f), nil
}

func (v SignedVolume) String() string { return decimal.NewFromFloat(float64(v)).String() }
