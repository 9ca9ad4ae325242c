package calc

import (
	"fmt"
	"math"
)

func binary(op string, a, b value) (value, error) {
	if !a.isNumber() || !b.isNumber() {
		return value{}, fmt.Errorf("unsupported operand type(s) for %s: %s and %s", op, a.typeName(), b.typeName())
	}
	if a.kind == kindInt && b.kind == kindInt {
		return intBinary(op, a.i, b.i)
	}
	return floatBinary(op, a.float(), b.float())
}

func (v value) typeName() string {
	switch v.kind {
	case kindInt:
		return "int"
	case kindFloat:
		return "float"
	default:
		return "list"
	}
}

func intBinary(op string, a, b int64) (value, error) {
	switch op {
	case "+":
		r := a + b
		if (a > 0 && b > 0 && r < 0) || (a < 0 && b < 0 && r >= 0) {
			return checkFloat(float64(a) + float64(b))
		}
		return intValue(r), nil
	case "-":
		r := a - b
		if (a >= 0 && b < 0 && r < 0) || (a < 0 && b > 0 && r >= 0) {
			return checkFloat(float64(a) - float64(b))
		}
		return intValue(r), nil
	case "*":
		if a == 0 || b == 0 {
			return intValue(0), nil
		}
		r := a * b
		if r/b != a || (a == -1 && b == math.MinInt64) || (b == -1 && a == math.MinInt64) {
			return checkFloat(float64(a) * float64(b))
		}
		return intValue(r), nil
	case "/":
		if b == 0 {
			return value{}, errDivisionByZero
		}
		return checkFloat(float64(a) / float64(b))
	case "//":
		if b == 0 {
			return value{}, errDivisionByZero
		}
		if a == math.MinInt64 && b == -1 {
			return checkFloat(-float64(a))
		}
		q := a / b
		if a%b != 0 && (a < 0) != (b < 0) {
			q--
		}
		return intValue(q), nil
	case "%":
		if b == 0 {
			return value{}, errDivisionByZero
		}
		if b == -1 {
			return intValue(0), nil
		}
		r := a % b
		if r != 0 && (r < 0) != (b < 0) {
			r += b
		}
		return intValue(r), nil
	case "**":
		return intPow(a, b)
	}
	return value{}, fmt.Errorf("unknown operator %q", op)
}

func intPow(base, exp int64) (value, error) {
	if exp < 0 {
		if base == 0 {
			return value{}, fmt.Errorf("0.0 cannot be raised to a negative power")
		}
		return checkFloat(math.Pow(float64(base), float64(exp)))
	}
	result := int64(1)
	b := base
	e := exp
	for e > 0 {
		if e&1 == 1 {
			next := result * b
			if b != 0 && next/b != result {
				return checkFloat(math.Pow(float64(base), float64(exp)))
			}
			result = next
		}
		e >>= 1
		if e > 0 {
			sq := b * b
			if b != 0 && sq/b != b {
				return checkFloat(math.Pow(float64(base), float64(exp)))
			}
			b = sq
		}
	}
	return intValue(result), nil
}

func floatBinary(op string, a, b float64) (value, error) {
	switch op {
	case "+":
		return checkFloat(a + b)
	case "-":
		return checkFloat(a - b)
	case "*":
		return checkFloat(a * b)
	case "/":
		if b == 0 {
			return value{}, errDivisionByZero
		}
		return checkFloat(a / b)
	case "//":
		if b == 0 {
			return value{}, errDivisionByZero
		}
		return checkFloat(math.Floor(a / b))
	case "%":
		if b == 0 {
			return value{}, errDivisionByZero
		}
		r := math.Mod(a, b)
		if r != 0 && (r < 0) != (b < 0) {
			r += b
		}
		return checkFloat(r)
	case "**":
		return floatPow(a, b)
	}
	return value{}, fmt.Errorf("unknown operator %q", op)
}

func floatPow(a, b float64) (value, error) {
	if a == 0 && b < 0 {
		return value{}, fmt.Errorf("0.0 cannot be raised to a negative power")
	}
	if a < 0 && b != math.Trunc(b) {
		return value{}, errDomain
	}
	return checkFloat(math.Pow(a, b))
}

func negate(v value) (value, error) {
	switch v.kind {
	case kindInt:
		if v.i == math.MinInt64 {
			return checkFloat(-float64(v.i))
		}
		return intValue(-v.i), nil
	case kindFloat:
		return floatValue(-v.f), nil
	}
	return value{}, fmt.Errorf("bad operand type for unary -: %s", v.typeName())
}
