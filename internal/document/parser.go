// Package document reads and writes the structured documents that triggered
// watch records are persisted as.
//
// The Parser exposes a JSON document as a stream of field-aware tokens, so a
// caller can walk an object field by field, hand a sub-document to another
// decoder, or skip it wholesale. It never resolves types on its own: decoders
// layered on top own all type-specific knowledge.
package document

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Token identifies the kind of structural element the parser is positioned at.
type Token int

const (
	TokenNone Token = iota
	TokenStartObject
	TokenEndObject
	TokenStartArray
	TokenEndArray
	TokenFieldName
	TokenString
	TokenNumber
	TokenBool
	TokenNull
)

var tokenNames = map[Token]string{
	TokenNone:        "NONE",
	TokenStartObject: "START_OBJECT",
	TokenEndObject:   "END_OBJECT",
	TokenStartArray:  "START_ARRAY",
	TokenEndArray:    "END_ARRAY",
	TokenFieldName:   "FIELD_NAME",
	TokenString:      "VALUE_STRING",
	TokenNumber:      "VALUE_NUMBER",
	TokenBool:        "VALUE_BOOLEAN",
	TokenNull:        "VALUE_NULL",
}

func (t Token) String() string {
	if name, ok := tokenNames[t]; ok {
		return name
	}
	return fmt.Sprintf("Token(%d)", int(t))
}

// IsValue reports whether t is a scalar value token.
func (t Token) IsValue() bool {
	return t == TokenString || t == TokenNumber || t == TokenBool || t == TokenNull
}

// ErrWrongToken is returned by the typed value accessors when the parser is
// not positioned at a token of the requested kind.
var ErrWrongToken = errors.New("unexpected token")

// ReadError reports a failure to read or tokenize the underlying source.
type ReadError struct {
	Err error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("read document: %v", e.Err)
}

func (e *ReadError) Unwrap() error {
	return e.Err
}

type frameKind int

const (
	frameObject frameKind = iota
	frameArray
)

type frame struct {
	kind      frameKind
	expectKey bool
	name      string // last field name read in this object
}

// Parser is a pull parser over a single document. It is not safe for
// concurrent use; each decode opens its own parser.
type Parser struct {
	dec    *json.Decoder
	closer io.Closer
	stack  []frame

	token Token
	name  string
	value any
}

// NewParser returns a parser reading from r. If r implements io.Closer it is
// closed by Close.
func NewParser(r io.Reader) *Parser {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	p := &Parser{dec: dec}
	if c, ok := r.(io.Closer); ok {
		p.closer = c
	}
	return p
}

// NewBytesParser returns a parser over an in-memory document.
func NewBytesParser(source []byte) *Parser {
	return NewParser(bytes.NewReader(source))
}

// NextToken advances to the next token. At the end of the document it returns
// TokenNone and io.EOF. Running out of input inside an object or array is a
// ReadError wrapping io.ErrUnexpectedEOF.
func (p *Parser) NextToken() (Token, error) {
	raw, err := p.dec.Token()
	if err != nil {
		p.token = TokenNone
		if errors.Is(err, io.EOF) {
			if len(p.stack) > 0 {
				return TokenNone, &ReadError{Err: io.ErrUnexpectedEOF}
			}
			return TokenNone, io.EOF
		}
		return TokenNone, &ReadError{Err: err}
	}

	p.value = nil
	switch v := raw.(type) {
	case json.Delim:
		switch v {
		case '{':
			p.name = p.parentName()
			p.stack = append(p.stack, frame{kind: frameObject, expectKey: true})
			p.token = TokenStartObject
		case '[':
			p.name = p.parentName()
			p.stack = append(p.stack, frame{kind: frameArray})
			p.token = TokenStartArray
		case '}':
			p.pop()
			p.name = p.parentName()
			p.token = TokenEndObject
			p.valueDone()
		case ']':
			p.pop()
			p.name = p.parentName()
			p.token = TokenEndArray
			p.valueDone()
		}
	case string:
		if top := p.top(); top != nil && top.kind == frameObject && top.expectKey {
			top.expectKey = false
			top.name = v
			p.name = v
			p.token = TokenFieldName
			return p.token, nil
		}
		p.name = p.parentName()
		p.value = v
		p.token = TokenString
	case json.Number:
		p.name = p.parentName()
		p.value = v
		p.token = TokenNumber
	case bool:
		p.name = p.parentName()
		p.value = v
		p.token = TokenBool
	case nil:
		p.name = p.parentName()
		p.token = TokenNull
	}
	if p.token.IsValue() {
		p.valueDone()
	}
	return p.token, nil
}

// CurrentToken returns the token the parser is positioned at.
func (p *Parser) CurrentToken() Token {
	return p.token
}

// CurrentName returns the field name that owns the current token: the name
// itself for FIELD_NAME, or the enclosing field for values and container
// boundaries. It is empty at the top level and inside arrays of the top level.
func (p *Parser) CurrentName() string {
	return p.name
}

// Text returns the current string value.
func (p *Parser) Text() (string, error) {
	if p.token == TokenFieldName {
		return p.name, nil
	}
	s, ok := p.value.(string)
	if !ok {
		return "", fmt.Errorf("%w: expected %s, got %s", ErrWrongToken, TokenString, p.token)
	}
	return s, nil
}

// Number returns the current numeric value as an unparsed literal.
func (p *Parser) Number() (json.Number, error) {
	n, ok := p.value.(json.Number)
	if !ok {
		return "", fmt.Errorf("%w: expected %s, got %s", ErrWrongToken, TokenNumber, p.token)
	}
	return n, nil
}

// Int returns the current numeric value as an int64.
func (p *Parser) Int() (int64, error) {
	n, err := p.Number()
	if err != nil {
		return 0, err
	}
	return n.Int64()
}

// SkipChildren consumes the object or array the parser is positioned at,
// leaving it on the matching end token. On any other token it does nothing.
func (p *Parser) SkipChildren() error {
	if p.token != TokenStartObject && p.token != TokenStartArray {
		return nil
	}
	depth := 1
	for depth > 0 {
		tok, err := p.NextToken()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return &ReadError{Err: io.ErrUnexpectedEOF}
			}
			return err
		}
		switch tok {
		case TokenStartObject, TokenStartArray:
			depth++
		case TokenEndObject, TokenEndArray:
			depth--
		}
	}
	return nil
}

// Close releases the underlying reader if it is closable. It is safe to call
// more than once.
func (p *Parser) Close() error {
	if p.closer == nil {
		return nil
	}
	c := p.closer
	p.closer = nil
	return c.Close()
}

func (p *Parser) top() *frame {
	if len(p.stack) == 0 {
		return nil
	}
	return &p.stack[len(p.stack)-1]
}

func (p *Parser) pop() {
	if len(p.stack) > 0 {
		p.stack = p.stack[:len(p.stack)-1]
	}
}

func (p *Parser) parentName() string {
	for i := len(p.stack) - 1; i >= 0; i-- {
		if p.stack[i].kind == frameObject {
			return p.stack[i].name
		}
	}
	return ""
}

// valueDone marks the value of the current field as consumed so the next
// string inside the enclosing object is read as a field name.
func (p *Parser) valueDone() {
	if top := p.top(); top != nil && top.kind == frameObject {
		top.expectKey = true
	}
}
