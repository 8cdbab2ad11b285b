package jsonstream

import (
	"strconv"
	"strings"
)

type parseOpts struct {
	allowControl bool
}

// parsePrefix parses the longest JSON value starting at the beginning of
// input. The input may stop anywhere: open strings, objects and arrays
// close implicitly, truncated numbers are trimmed to their longest valid
// form, and literals match case-insensitively. The failed flag reports a
// hard syntax error (as opposed to mere truncation).
func parsePrefix(input string, opts parseOpts) (value any, ok, failed bool) {
	p := &parser{s: input, opts: opts}
	p.skipSpace()
	if !p.more() {
		return nil, false, false
	}
	v, ok := p.parseValue()
	return v, ok, p.failed
}

type parser struct {
	s      string
	i      int
	opts   parseOpts
	failed bool
}

func (p *parser) more() bool { return p.i < len(p.s) }

func (p *parser) skipSpace() {
	for p.more() {
		switch p.s[p.i] {
		case ' ', '\t', '\n', '\r':
			p.i++
		default:
			return
		}
	}
}

func (p *parser) parseValue() (any, bool) {
	if !p.more() || p.failed {
		return nil, false
	}
	switch c := p.s[p.i]; {
	case c == '{':
		return p.parseObject()
	case c == '[':
		return p.parseArray()
	case c == '"':
		s, _ := p.parseString()
		return s, true
	case c == '-' || (c >= '0' && c <= '9'):
		return p.parseNumber()
	default:
		return p.parseLiteral()
	}
}

// parseObject consumes an object. Truncation anywhere inside yields the
// pairs accumulated so far; a key without a started value is dropped so a
// later, longer parse can only add pairs, never change one.
func (p *parser) parseObject() (map[string]any, bool) {
	obj := map[string]any{}
	p.i++
	for {
		p.skipSpace()
		if !p.more() || p.failed {
			return obj, true
		}
		switch p.s[p.i] {
		case '}':
			p.i++
			return obj, true
		case ',':
			p.i++
			continue
		}
		if p.s[p.i] != '"' {
			p.failed = true
			return obj, true
		}
		key, terminated := p.parseString()
		if !terminated {
			return obj, true
		}
		p.skipSpace()
		if !p.more() {
			return obj, true
		}
		if p.s[p.i] != ':' {
			p.failed = true
			return obj, true
		}
		p.i++
		p.skipSpace()
		if !p.more() {
			return obj, true
		}
		v, ok := p.parseValue()
		if !ok {
			return obj, true
		}
		obj[key] = v
	}
}

func (p *parser) parseArray() ([]any, bool) {
	arr := []any{}
	p.i++
	for {
		p.skipSpace()
		if !p.more() || p.failed {
			return arr, true
		}
		switch p.s[p.i] {
		case ']':
			p.i++
			return arr, true
		case ',':
			p.i++
			continue
		}
		v, ok := p.parseValue()
		if !ok {
			return arr, true
		}
		arr = append(arr, v)
	}
}

// parseString consumes a string. terminated reports whether the closing
// quote was seen; either way the decoded content so far is returned.
func (p *parser) parseString() (string, bool) {
	p.i++
	var sb strings.Builder
	for p.more() {
		c := p.s[p.i]
		switch {
		case c == '"':
			p.i++
			return sb.String(), true
		case c == '\\':
			p.i++
			if !p.more() {
				return sb.String(), false
			}
			e := p.s[p.i]
			p.i++
			switch e {
			case 'n':
				sb.WriteByte('\n')
			case 't':
				sb.WriteByte('\t')
			case 'r':
				sb.WriteByte('\r')
			case 'b':
				sb.WriteByte('\b')
			case 'f':
				sb.WriteByte('\f')
			case 'u':
				if p.i+4 > len(p.s) {
					return sb.String(), false
				}
				r, err := strconv.ParseUint(p.s[p.i:p.i+4], 16, 32)
				if err != nil {
					p.failed = true
					return sb.String(), false
				}
				sb.WriteRune(rune(r))
				p.i += 4
			default:
				// Unknown escapes keep the escaped character.
				sb.WriteByte(e)
			}
		case c < 0x20 && !p.opts.allowControl:
			p.failed = true
			return sb.String(), false
		default:
			sb.WriteByte(c)
			p.i++
		}
	}
	return sb.String(), false
}

// parseNumber consumes a number, trimming a truncated exponent or decimal
// point so partial input still parses.
func (p *parser) parseNumber() (any, bool) {
	start := p.i
	for p.more() {
		c := p.s[p.i]
		if (c >= '0' && c <= '9') || c == '-' || c == '+' || c == '.' || c == 'e' || c == 'E' {
			p.i++
			continue
		}
		break
	}
	tok := strings.TrimRight(p.s[start:p.i], ".eE+-")
	if tok == "" {
		return nil, false
	}
	f, err := strconv.ParseFloat(tok, 64)
	if err != nil {
		p.failed = true
		return nil, false
	}
	return f, true
}

// parseLiteral consumes true, false or null in any casing. A truncated
// literal at the end of the buffer is not a value yet; anything else is a
// syntax error.
func (p *parser) parseLiteral() (any, bool) {
	start := p.i
	for p.more() {
		c := p.s[p.i]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') {
			p.i++
			continue
		}
		break
	}
	word := strings.ToLower(p.s[start:p.i])
	if word == "" {
		p.failed = true
		return nil, false
	}

	for lit, v := range map[string]any{"true": true, "false": false, "null": nil} {
		if word == lit {
			return v, true
		}
		if strings.HasPrefix(lit, word) && !p.more() {
			// Truncated literal: wait for more input.
			return nil, false
		}
	}

	p.failed = true
	return nil, false
}
