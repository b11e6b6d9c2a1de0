package ble

import (
	"fmt"
	"strconv"
	"strings"
)

// evalExpr evaluates a small arithmetic expression over the variable x.
// Supported: numbers, x, + - * /, unary minus, parentheses. Used by the
// configurable parser for field transforms like "(x - 32) / 1.8".
func evalExpr(expr string, x float64) (float64, error) {
	tokens, err := tokenizeExpr(expr)
	if err != nil {
		return 0, err
	}
	rpn, err := toRPN(tokens)
	if err != nil {
		return 0, err
	}
	return evalRPN(rpn, x)
}

type exprToken struct {
	kind  byte // 'n' number, 'x' variable, 'o' operator, '(' , ')'
	op    byte
	value float64
}

func tokenizeExpr(expr string) ([]exprToken, error) {
	out := make([]exprToken, 0, len(expr))
	i := 0
	for i < len(expr) {
		c := expr[i]
		switch {
		case c == ' ' || c == '\t':
			i++
		case c == 'x':
			out = append(out, exprToken{kind: 'x'})
			i++
		case c == '(' || c == ')':
			out = append(out, exprToken{kind: c})
			i++
		case strings.IndexByte("+-*/", c) >= 0:
			// A minus at expression or group start is a negation.
			if c == '-' && (len(out) == 0 || out[len(out)-1].kind == 'o' || out[len(out)-1].kind == '(') {
				out = append(out, exprToken{kind: 'n', value: 0})
			}
			out = append(out, exprToken{kind: 'o', op: c})
			i++
		case c >= '0' && c <= '9' || c == '.':
			j := i
			for j < len(expr) && (expr[j] >= '0' && expr[j] <= '9' || expr[j] == '.') {
				j++
			}
			v, err := strconv.ParseFloat(expr[i:j], 64)
			if err != nil {
				return nil, fmt.Errorf("bad number %q", expr[i:j])
			}
			out = append(out, exprToken{kind: 'n', value: v})
			i = j
		default:
			return nil, fmt.Errorf("unexpected character %q", c)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("empty expression")
	}
	return out, nil
}

func precedence(op byte) int {
	if op == '*' || op == '/' {
		return 2
	}
	return 1
}

func toRPN(tokens []exprToken) ([]exprToken, error) {
	out := make([]exprToken, 0, len(tokens))
	stack := make([]exprToken, 0, 8)
	for _, tok := range tokens {
		switch tok.kind {
		case 'n', 'x':
			out = append(out, tok)
		case 'o':
			for len(stack) > 0 {
				top := stack[len(stack)-1]
				if top.kind != 'o' || precedence(top.op) < precedence(tok.op) {
					break
				}
				out = append(out, top)
				stack = stack[:len(stack)-1]
			}
			stack = append(stack, tok)
		case '(':
			stack = append(stack, tok)
		case ')':
			matched := false
			for len(stack) > 0 {
				top := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				if top.kind == '(' {
					matched = true
					break
				}
				out = append(out, top)
			}
			if !matched {
				return nil, fmt.Errorf("unbalanced parentheses")
			}
		}
	}
	for len(stack) > 0 {
		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if top.kind == '(' {
			return nil, fmt.Errorf("unbalanced parentheses")
		}
		out = append(out, top)
	}
	return out, nil
}

func evalRPN(rpn []exprToken, x float64) (float64, error) {
	stack := make([]float64, 0, 8)
	for _, tok := range rpn {
		switch tok.kind {
		case 'n':
			stack = append(stack, tok.value)
		case 'x':
			stack = append(stack, x)
		case 'o':
			if len(stack) < 2 {
				return 0, fmt.Errorf("malformed expression")
			}
			b := stack[len(stack)-1]
			a := stack[len(stack)-2]
			stack = stack[:len(stack)-2]
			var v float64
			switch tok.op {
			case '+':
				v = a + b
			case '-':
				v = a - b
			case '*':
				v = a * b
			case '/':
				if b == 0 {
					return 0, fmt.Errorf("division by zero")
				}
				v = a / b
			}
			stack = append(stack, v)
		}
	}
	if len(stack) != 1 {
		return 0, fmt.Errorf("malformed expression")
	}
	return stack[0], nil
}
