// Package calc evaluates single arithmetic expressions produced by the model
// for the calculator tool.
//
// Expressions are lexed, checked against a closed allow-list of function and
// constant names, parsed by recursive descent, and evaluated over int64 and
// float64 values. Nothing in an expression can reach code outside this
// package.
package calc

import (
	"errors"
	"fmt"
	"log/slog"
)

// MaxExpressionLength bounds the input accepted by Evaluate.
const MaxExpressionLength = 1024

// ErrorPrefix starts every failed evaluation result.
const ErrorPrefix = "Error: "

func notAllowed(name string) error {
	return fmt.Errorf("Function '%s' is not allowed. Use help to see supported functions.", name)
}

// Evaluate computes expr and returns its formatted result: floats with six
// decimals, ints as integer literals. Failures are returned as strings
// starting with ErrorPrefix; Evaluate never panics.
func Evaluate(expr string) (out string) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("calculator panic", "expression", expr, "panic", r)
			out = ErrorPrefix + "internal evaluation failure"
		}
	}()

	v, err := eval(expr)
	if err != nil {
		return ErrorPrefix + err.Error()
	}
	return v.format()
}

func eval(expr string) (value, error) {
	if len(expr) > MaxExpressionLength {
		return value{}, fmt.Errorf("expression longer than %d characters", MaxExpressionLength)
	}

	toks := lex(expr)

	// Every identifier is checked before anything is parsed or evaluated.
	for _, t := range toks {
		if t.kind == tokName && !allowed(t.text) {
			return value{}, notAllowed(t.text)
		}
	}

	if toks[0].kind == tokEOF {
		return value{}, errors.New("empty expression")
	}

	root, err := parse(toks)
	if err != nil {
		return value{}, err
	}
	v, err := root.eval()
	if err != nil {
		return value{}, err
	}
	if v.kind == kindFloat {
		return checkFloat(v.f)
	}
	return v, nil
}
