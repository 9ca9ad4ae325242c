package calc

import (
	"errors"
	"math"
	"strconv"
)

type valueKind int

const (
	kindInt valueKind = iota
	kindFloat
	kindList
)

// value is an evaluation result: an int64, a float64, or a list of numbers.
type value struct {
	kind valueKind
	i    int64
	f    float64
	list []value
}

func intValue(n int64) value     { return value{kind: kindInt, i: n} }
func floatValue(f float64) value { return value{kind: kindFloat, f: f} }

func (v value) isNumber() bool { return v.kind == kindInt || v.kind == kindFloat }

func (v value) float() float64 {
	if v.kind == kindInt {
		return float64(v.i)
	}
	return v.f
}

func (v value) format() string {
	switch v.kind {
	case kindInt:
		return strconv.FormatInt(v.i, 10)
	case kindFloat:
		return strconv.FormatFloat(v.f, 'f', 6, 64)
	default:
		out := "["
		for i, item := range v.list {
			if i > 0 {
				out += ", "
			}
			out += item.format()
		}
		return out + "]"
	}
}

var (
	errDivisionByZero = errors.New("division by zero")
	errDomain         = errors.New("math domain error")
	errRange          = errors.New("math range error")
)

// checkFloat rejects results that left the finite float range.
func checkFloat(f float64) (value, error) {
	if math.IsNaN(f) {
		return value{}, errDomain
	}
	if math.IsInf(f, 0) {
		return value{}, errRange
	}
	return floatValue(f), nil
}

// floatToInt converts an integral float to an int value, keeping it a float
// when it does not fit in int64.
func floatToInt(f float64) (value, error) {
	if math.IsNaN(f) {
		return value{}, errors.New("cannot convert float NaN to integer")
	}
	if math.IsInf(f, 0) {
		return value{}, errors.New("cannot convert float infinity to integer")
	}
	if f >= -9.223372036854775808e18 && f < 9.223372036854775808e18 {
		return intValue(int64(f)), nil
	}
	return floatValue(f), nil
}
