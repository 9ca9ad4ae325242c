package calc

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"sort"
	"strconv"
	"strings"
)

type function struct {
	minArgs     int
	maxArgs     int // -1 for variadic
	acceptsList bool
	usage       string
	call        func(args []value) (value, error)
}

func (f function) arityError(name string, got int) error {
	return fmt.Errorf("%s() takes %s (%d given)", name, f.usage, got)
}

var constants = map[string]float64{
	"pi": math.Pi,
	"e":  math.E,
}

var functions = map[string]function{
	"abs":   {minArgs: 1, maxArgs: 1, usage: "exactly one argument", call: absFn},
	"round": {minArgs: 1, maxArgs: 2, usage: "1 or 2 arguments", call: roundFn},
	"pow":   {minArgs: 2, maxArgs: 2, usage: "exactly 2 arguments", call: func(a []value) (value, error) { return binary("**", a[0], a[1]) }},
	"sum":   {minArgs: 1, maxArgs: 2, acceptsList: true, usage: "a list and an optional start", call: sumFn},
	"min":   {minArgs: 1, maxArgs: -1, acceptsList: true, usage: "a list or at least 2 numbers", call: extremum("min", func(a, b float64) bool { return a < b })},
	"max":   {minArgs: 1, maxArgs: -1, acceptsList: true, usage: "a list or at least 2 numbers", call: extremum("max", func(a, b float64) bool { return a > b })},

	"sqrt":  unaryFloat(func(x float64) (float64, error) { return domain(x >= 0, math.Sqrt(x)) }),
	"ceil":  {minArgs: 1, maxArgs: 1, usage: "exactly one argument", call: rounding(math.Ceil)},
	"floor": {minArgs: 1, maxArgs: 1, usage: "exactly one argument", call: rounding(math.Floor)},
	"exp":   unaryFloat(func(x float64) (float64, error) { return math.Exp(x), nil }),
	"log":   {minArgs: 1, maxArgs: 2, usage: "1 or 2 arguments", call: logFn},
	"log10": unaryFloat(func(x float64) (float64, error) { return domain(x > 0, math.Log10(x)) }),
	"log2":  unaryFloat(func(x float64) (float64, error) { return domain(x > 0, math.Log2(x)) }),

	"sin":     unaryFloat(func(x float64) (float64, error) { return math.Sin(x), nil }),
	"cos":     unaryFloat(func(x float64) (float64, error) { return math.Cos(x), nil }),
	"tan":     unaryFloat(func(x float64) (float64, error) { return math.Tan(x), nil }),
	"asin":    unaryFloat(func(x float64) (float64, error) { return domain(x >= -1 && x <= 1, math.Asin(x)) }),
	"acos":    unaryFloat(func(x float64) (float64, error) { return domain(x >= -1 && x <= 1, math.Acos(x)) }),
	"atan":    unaryFloat(func(x float64) (float64, error) { return math.Atan(x), nil }),
	"radians": unaryFloat(func(x float64) (float64, error) { return x * math.Pi / 180, nil }),
	"degrees": unaryFloat(func(x float64) (float64, error) { return x * 180 / math.Pi, nil }),

	"mean":   {minArgs: 1, maxArgs: 1, acceptsList: true, usage: "exactly one list", call: meanFn},
	"median": {minArgs: 1, maxArgs: 1, acceptsList: true, usage: "exactly one list", call: medianFn},

	"compound_interest": {minArgs: 3, maxArgs: 4, usage: "principal, rate, time and an optional n", call: compoundInterest},
	"future_value":      {minArgs: 3, maxArgs: 3, usage: "exactly 3 arguments (pv, rate, periods)", call: futureValue},
	"present_value":     {minArgs: 3, maxArgs: 3, usage: "exactly 3 arguments (fv, rate, periods)", call: presentValue},
}

// Names returns the allow-listed function and constant names, sorted.
func Names() []string {
	names := make([]string, 0, len(functions)+len(constants))
	for name := range functions {
		names = append(names, name)
	}
	for name := range constants {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Help describes the supported syntax for tool descriptions and error hints.
func Help() string {
	return "Operators: + - * / ** % //. Functions and constants: " + strings.Join(Names(), ", ") +
		". Lists are written as [1, 2, 3] and accepted by mean, median, sum, min and max."
}

func allowed(name string) bool {
	if _, ok := functions[name]; ok {
		return true
	}
	_, ok := constants[name]
	return ok
}

func unaryFloat(fn func(float64) (float64, error)) function {
	return function{minArgs: 1, maxArgs: 1, usage: "exactly one argument", call: func(a []value) (value, error) {
		r, err := fn(a[0].float())
		if err != nil {
			return value{}, err
		}
		return checkFloat(r)
	}}
}

func domain(ok bool, r float64) (float64, error) {
	if !ok {
		return 0, errDomain
	}
	return r, nil
}

func absFn(a []value) (value, error) {
	if a[0].kind == kindInt {
		if a[0].i == math.MinInt64 {
			return checkFloat(-float64(a[0].i))
		}
		if a[0].i < 0 {
			return intValue(-a[0].i), nil
		}
		return a[0], nil
	}
	return floatValue(math.Abs(a[0].f)), nil
}

func rounding(fn func(float64) float64) func([]value) (value, error) {
	return func(a []value) (value, error) {
		if a[0].kind == kindInt {
			return a[0], nil
		}
		return floatToInt(fn(a[0].f))
	}
}

// roundFn rounds half to even. With one argument the result is an int; with
// ndigits a float stays a float.
func roundFn(a []value) (value, error) {
	x := a[0]
	if len(a) == 1 {
		if x.kind == kindInt {
			return x, nil
		}
		return floatToInt(math.RoundToEven(x.f))
	}
	if a[1].kind != kindInt {
		return value{}, errors.New("round() ndigits must be an integer")
	}
	nd := a[1].i
	if x.kind == kindInt {
		if nd >= 0 {
			return x, nil
		}
		p := math.Pow(10, float64(-nd))
		return floatToInt(math.RoundToEven(float64(x.i)/p) * p)
	}
	if nd > 15 {
		return x, nil
	}
	if nd >= 0 {
		// Formatting rounds the exact binary value, so 2.675 (stored as
		// 2.67499...) goes down.
		r, err := strconv.ParseFloat(strconv.FormatFloat(x.f, 'f', int(nd), 64), 64)
		if err != nil {
			return value{}, err
		}
		return checkFloat(r)
	}
	p := math.Pow(10, float64(-nd))
	return checkFloat(math.RoundToEven(x.f/p) * p)
}

func logFn(a []value) (value, error) {
	x := a[0].float()
	if x <= 0 {
		return value{}, errDomain
	}
	if len(a) == 1 {
		return checkFloat(math.Log(x))
	}
	base := a[1].float()
	if base <= 0 {
		return value{}, errDomain
	}
	if base == 1 {
		return value{}, errDivisionByZero
	}
	return checkFloat(math.Log(x) / math.Log(base))
}

func listArg(name string, v value) ([]value, error) {
	if v.kind != kindList {
		return nil, fmt.Errorf("%s() expects a list such as [1, 2, 3]", name)
	}
	return v.list, nil
}

func sumFn(a []value) (value, error) {
	items, err := listArg("sum", a[0])
	if err != nil {
		return value{}, err
	}
	total := intValue(0)
	if len(a) == 2 {
		if !a[1].isNumber() {
			return value{}, errors.New("sum() start must be a number")
		}
		total = a[1]
	}
	for _, item := range items {
		total, err = binary("+", total, item)
		if err != nil {
			return value{}, err
		}
	}
	return total, nil
}

func extremum(name string, better func(a, b float64) bool) func([]value) (value, error) {
	return func(a []value) (value, error) {
		items := a
		if len(a) == 1 {
			list, err := listArg(name, a[0])
			if err != nil {
				return value{}, err
			}
			items = list
		} else {
			for _, v := range a {
				if !v.isNumber() {
					return value{}, fmt.Errorf("%s() arguments must be numbers", name)
				}
			}
		}
		if len(items) == 0 {
			return value{}, fmt.Errorf("%s() arg is an empty sequence", name)
		}
		best := items[0]
		for _, v := range items[1:] {
			if better(v.float(), best.float()) {
				best = v
			}
		}
		return best, nil
	}
}

func meanFn(a []value) (value, error) {
	items, err := listArg("mean", a[0])
	if err != nil {
		return value{}, err
	}
	if len(items) == 0 {
		return value{}, errors.New("mean requires at least one data point")
	}
	var total float64
	for _, v := range items {
		total += v.float()
	}
	return checkFloat(total / float64(len(items)))
}

func medianFn(a []value) (value, error) {
	items, err := listArg("median", a[0])
	if err != nil {
		return value{}, err
	}
	if len(items) == 0 {
		return value{}, errors.New("no median for empty data")
	}
	xs := make([]float64, len(items))
	for i, v := range items {
		xs[i] = v.float()
	}
	slices.Sort(xs)
	mid := len(xs) / 2
	if len(xs)%2 == 1 {
		return floatValue(xs[mid]), nil
	}
	return checkFloat((xs[mid-1] + xs[mid]) / 2)
}

func compoundInterest(a []value) (value, error) {
	principal, rate, t := a[0].float(), a[1].float(), a[2].float()
	n := 1.0
	if len(a) == 4 {
		n = a[3].float()
	}
	if n == 0 {
		return value{}, errDivisionByZero
	}
	growth, err := floatPow(1+rate/n, n*t)
	if err != nil {
		return value{}, err
	}
	return checkFloat(principal * growth.f)
}

func futureValue(a []value) (value, error) {
	growth, err := floatPow(1+a[1].float(), a[2].float())
	if err != nil {
		return value{}, err
	}
	return checkFloat(a[0].float() * growth.f)
}

func presentValue(a []value) (value, error) {
	growth, err := floatPow(1+a[1].float(), a[2].float())
	if err != nil {
		return value{}, err
	}
	if growth.f == 0 {
		return value{}, errDivisionByZero
	}
	return checkFloat(a[0].float() / growth.f)
}
