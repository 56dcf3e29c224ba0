package lang

import (
	"fmt"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/sirupsen/logrus"
)

// TokenKind classifies a lexical token.
type TokenKind int

const (
	TokenValue   TokenKind = iota // bare word: identifiers, keys, numbers
	TokenLiteral                  // quoted string, content verbatim
	TokenBlock                    // {...} block, content verbatim
	TokenSymbol                   // delimiter or operator
	TokenEOF
)

func (k TokenKind) String() string {
	switch k {
	case TokenValue:
		return "value"
	case TokenLiteral:
		return "literal"
	case TokenBlock:
		return "block"
	case TokenSymbol:
		return "symbol"
	case TokenEOF:
		return "eof"
	default:
		return "unknown"
	}
}

// Token is a lexical unit with its byte offset in the source.
type Token struct {
	Kind  TokenKind
	Value string
	Pos   int
}

func (t Token) String() string {
	if t.Kind == TokenEOF {
		return "end of input"
	}
	return fmt.Sprintf("%q", t.Value)
}

// BlockPair delimits a region returned as one token.
type BlockPair struct {
	Open  byte
	Close byte
	Kind  TokenKind
}

// Tokenizer splits query text on whitespace, delimiters and block regions.
// Its configuration is read-only during Tokenize, so one Tokenizer may be
// shared between goroutines.
type Tokenizer struct {
	delimiters []string
	blocks     []BlockPair
}

// DefaultDelimiters are the symbols of the graph query language.
var DefaultDelimiters = []string{"<->", "->", "<-", "(", ")", "[", "]", ",", ";", "="}

// DefaultBlocks are the quote and brace regions.
var DefaultBlocks = []BlockPair{
	{Open: '\'', Close: '\'', Kind: TokenLiteral},
	{Open: '"', Close: '"', Kind: TokenLiteral},
	{Open: '{', Close: '}', Kind: TokenBlock},
}

// NewTokenizer builds a tokenizer. Multi-character delimiters are always
// tried before shorter ones.
func NewTokenizer(delimiters []string, blocks []BlockPair) *Tokenizer {
	d := append([]string(nil), delimiters...)
	sort.SliceStable(d, func(i, j int) bool { return len(d[i]) > len(d[j]) })
	return &Tokenizer{delimiters: d, blocks: append([]BlockPair(nil), blocks...)}
}

var defaultTokenizer = NewTokenizer(DefaultDelimiters, DefaultBlocks)

// DefaultTokenizer returns the tokenizer configured for the query language.
func DefaultTokenizer() *Tokenizer { return defaultTokenizer }

// Tokenize processes the input into tokens terminated by a TokenEOF.
func (t *Tokenizer) Tokenize(input string) ([]Token, error) {
	log := logrus.WithField("component", "Tokenizer")
	tokens := []Token{}
	pos := 0
	for pos < len(input) {
		c := input[pos]
		if r, size := utf8.DecodeRuneInString(input[pos:]); unicode.IsSpace(r) {
			pos += size
			continue
		}
		if block, ok := t.block(c); ok {
			end := strings.IndexByte(input[pos+1:], block.Close)
			if end < 0 {
				tok := Token{Kind: block.Kind, Value: input[pos:], Pos: pos}
				return nil, &SyntaxError{Token: tok, Message: fmt.Sprintf("unterminated %c", block.Open)}
			}
			tokens = append(tokens, Token{Kind: block.Kind, Value: input[pos+1 : pos+1+end], Pos: pos})
			pos += end + 2
			continue
		}
		if d, ok := t.delimiter(input[pos:]); ok {
			tokens = append(tokens, Token{Kind: TokenSymbol, Value: d, Pos: pos})
			pos += len(d)
			continue
		}
		start := pos
		for pos < len(input) && !t.boundary(input, pos) {
			_, size := utf8.DecodeRuneInString(input[pos:])
			pos += size
		}
		tokens = append(tokens, Token{Kind: TokenValue, Value: input[start:pos], Pos: start})
	}
	tokens = append(tokens, Token{Kind: TokenEOF, Pos: len(input)})
	log.WithField("token_count", len(tokens)).Debug("Tokenization complete")
	return tokens, nil
}

// boundary reports whether a value token ends at pos.
func (t *Tokenizer) boundary(input string, pos int) bool {
	c := input[pos]
	if r, _ := utf8.DecodeRuneInString(input[pos:]); unicode.IsSpace(r) {
		return true
	}
	if _, ok := t.block(c); ok {
		return true
	}
	_, ok := t.delimiter(input[pos:])
	return ok
}

func (t *Tokenizer) block(c byte) (BlockPair, bool) {
	for _, b := range t.blocks {
		if b.Open == c {
			return b, true
		}
	}
	return BlockPair{}, false
}

func (t *Tokenizer) delimiter(rest string) (string, bool) {
	for _, d := range t.delimiters {
		if strings.HasPrefix(rest, d) {
			return d, true
		}
	}
	return "", false
}

// Tokenize splits input with the default tokenizer.
func Tokenize(input string) ([]Token, error) {
	return defaultTokenizer.Tokenize(input)
}
