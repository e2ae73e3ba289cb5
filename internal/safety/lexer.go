package safety

import (
	"fmt"
	"strings"
)

type tokenType int

const (
	tokenEOF tokenType = iota

	tokenIdent       // usertable, u.name (split into ident . ident)
	tokenQuotedIdent // "Mixed Case"
	tokenString      // 'value'
	tokenNumber      // 42, 3.14

	tokenSymbol    // operators and punctuation
	tokenSemicolon // ;
	tokenComma     // ,
	tokenLParen    // (
	tokenRParen    // )
	tokenDot       // .
)

type token struct {
	Type    tokenType
	Literal string
	Offset  int
}

func (t token) isIdent() bool {
	return t.Type == tokenIdent || t.Type == tokenQuotedIdent
}

// keyword reports the folded form used for keyword comparison. Quoted
// identifiers never match keywords.
func (t token) keyword() string {
	if t.Type != tokenIdent {
		return ""
	}
	return strings.ToUpper(t.Literal)
}

type lexer struct {
	input        string
	position     int
	readPosition int
	ch           byte
}

func newLexer(input string) *lexer {
	l := &lexer{input: input}
	l.readChar()
	return l
}

// tokenize runs the lexer to EOF. Comments and whitespace are dropped so the
// gates see only significant tokens.
func tokenize(input string) ([]token, error) {
	l := newLexer(input)
	var tokens []token
	for {
		tok, err := l.next()
		if err != nil {
			return nil, err
		}
		if tok.Type == tokenEOF {
			return tokens, nil
		}
		tokens = append(tokens, tok)
	}
}

func (l *lexer) readChar() {
	if l.readPosition >= len(l.input) {
		l.ch = 0
	} else {
		l.ch = l.input[l.readPosition]
	}
	l.position = l.readPosition
	l.readPosition++
}

func (l *lexer) peekChar() byte {
	if l.readPosition >= len(l.input) {
		return 0
	}
	return l.input[l.readPosition]
}

func (l *lexer) next() (token, error) {
	if err := l.skipSpaceAndComments(); err != nil {
		return token{}, err
	}

	start := l.position
	switch {
	case l.ch == 0:
		return token{Type: tokenEOF, Offset: start}, nil
	case l.ch == ';':
		l.readChar()
		return token{Type: tokenSemicolon, Literal: ";", Offset: start}, nil
	case l.ch == ',':
		l.readChar()
		return token{Type: tokenComma, Literal: ",", Offset: start}, nil
	case l.ch == '(':
		l.readChar()
		return token{Type: tokenLParen, Literal: "(", Offset: start}, nil
	case l.ch == ')':
		l.readChar()
		return token{Type: tokenRParen, Literal: ")", Offset: start}, nil
	case l.ch == '.' && !isDigit(l.peekChar()):
		l.readChar()
		return token{Type: tokenDot, Literal: ".", Offset: start}, nil
	case l.ch == '\'':
		literal, err := l.readString()
		if err != nil {
			return token{}, err
		}
		return token{Type: tokenString, Literal: literal, Offset: start}, nil
	case l.ch == '"':
		literal, err := l.readQuotedIdent()
		if err != nil {
			return token{}, err
		}
		return token{Type: tokenQuotedIdent, Literal: literal, Offset: start}, nil
	case isLetter(l.ch):
		return token{Type: tokenIdent, Literal: l.readIdentifier(), Offset: start}, nil
	case isDigit(l.ch) || l.ch == '.':
		return token{Type: tokenNumber, Literal: l.readNumber(), Offset: start}, nil
	case isOperatorChar(l.ch):
		return token{Type: tokenSymbol, Literal: l.readOperator(), Offset: start}, nil
	default:
		return token{}, fmt.Errorf("unexpected character %q at offset %d", string(l.ch), start)
	}
}

func (l *lexer) skipSpaceAndComments() error {
	for {
		switch {
		case l.ch == ' ' || l.ch == '\t' || l.ch == '\n' || l.ch == '\r':
			l.readChar()
		case l.ch == '-' && l.peekChar() == '-':
			for l.ch != '\n' && l.ch != 0 {
				l.readChar()
			}
		case l.ch == '/' && l.peekChar() == '*':
			l.readChar()
			l.readChar()
			for {
				if l.ch == 0 {
					return fmt.Errorf("unterminated block comment")
				}
				if l.ch == '*' && l.peekChar() == '/' {
					l.readChar()
					l.readChar()
					break
				}
				l.readChar()
			}
		default:
			return nil
		}
	}
}

func (l *lexer) readIdentifier() string {
	start := l.position
	for isLetter(l.ch) || isDigit(l.ch) || l.ch == '$' {
		l.readChar()
	}
	return l.input[start:l.position]
}

func (l *lexer) readNumber() string {
	start := l.position
	for isDigit(l.ch) || l.ch == '.' || l.ch == 'e' || l.ch == 'E' {
		l.readChar()
	}
	return l.input[start:l.position]
}

func (l *lexer) readString() (string, error) {
	var builder strings.Builder
	for {
		l.readChar()
		if l.ch == 0 {
			return "", fmt.Errorf("unterminated string literal")
		}
		if l.ch == '\'' {
			// '' escapes a quote inside the literal
			if l.peekChar() == '\'' {
				builder.WriteByte('\'')
				l.readChar()
				continue
			}
			l.readChar()
			return builder.String(), nil
		}
		builder.WriteByte(l.ch)
	}
}

func (l *lexer) readQuotedIdent() (string, error) {
	var builder strings.Builder
	for {
		l.readChar()
		if l.ch == 0 {
			return "", fmt.Errorf("unterminated quoted identifier")
		}
		if l.ch == '"' {
			if l.peekChar() == '"' {
				builder.WriteByte('"')
				l.readChar()
				continue
			}
			l.readChar()
			return builder.String(), nil
		}
		builder.WriteByte(l.ch)
	}
}

func (l *lexer) readOperator() string {
	start := l.position
	for isOperatorChar(l.ch) {
		l.readChar()
	}
	return l.input[start:l.position]
}

func isLetter(ch byte) bool {
	return ch == '_' || ('a' <= ch && ch <= 'z') || ('A' <= ch && ch <= 'Z')
}

func isDigit(ch byte) bool {
	return '0' <= ch && ch <= '9'
}

func isOperatorChar(ch byte) bool {
	switch ch {
	case '=', '<', '>', '!', '+', '-', '*', '/', '%', '|', '&', '~', '^', ':', '?', '[', ']', '#', '@':
		return true
	}
	return false
}
