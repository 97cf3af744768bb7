// Package rowspec parses row literals such as
//
//	temp=21.5 humidity=40 note="door open"
//
// into ordered key/value pairs. Pairs are separated by whitespace, commas
// or semicolons. Keys and values are bare words or double-quoted strings
// with Go escapes; an empty value is written as "".
package rowspec

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"

	"github.com/cabewaldrop/logfs/internal/fserr"
)

// Pair is one column assignment.
type Pair struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// String renders the pair so that Parse reads it back unchanged.
func (p Pair) String() string {
	return quote(p.Key) + "=" + quote(p.Value)
}

type row struct {
	Pairs []*pair `parser:"( @@ Sep? )*"`
}

type pair struct {
	Pos   lexer.Position
	Key   string `parser:"@(Bare | String)"`
	Value string `parser:"\"=\" @(Bare | String)"`
}

var rowLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "String", Pattern: `"(?:\\.|[^"\\])*"`},
	{Name: "Eq", Pattern: `=`},
	{Name: "Sep", Pattern: `[,;]`},
	{Name: "Bare", Pattern: `[^\s=,;"]+`},
	{Name: "Whitespace", Pattern: `\s+`},
})

var rowParser = participle.MustBuild[row](
	participle.Lexer(rowLexer),
	participle.Elide("Whitespace"),
	participle.Unquote("String"),
)

// Parse reads a row literal. An empty literal yields no pairs.
func Parse(s string) ([]Pair, error) {
	r, err := rowParser.ParseString("", s)
	if err != nil {
		return nil, fmt.Errorf("parse row %q: %v: %w", s, err, fserr.ErrInvalidParameter)
	}

	pairs := make([]Pair, 0, len(r.Pairs))
	for _, p := range r.Pairs {
		if p.Key == "" {
			return nil, fmt.Errorf("empty key at column %d: %w", p.Pos.Column, fserr.ErrInvalidParameter)
		}
		pairs = append(pairs, Pair{Key: p.Key, Value: p.Value})
	}
	return pairs, nil
}

// Format renders pairs as a single literal.
func Format(pairs []Pair) string {
	parts := make([]string, len(pairs))
	for i, p := range pairs {
		parts[i] = p.String()
	}
	return strings.Join(parts, " ")
}

func quote(s string) string {
	if s != "" && !strings.ContainsAny(s, " \t\r\n=,;\"\\") && strconv.CanBackquote(s) {
		return s
	}
	return strconv.Quote(s)
}

// RowWriter is the row protocol of a log.
type RowWriter interface {
	BeginRow() error
	LogData(key, value string) error
	EndRow() error
}

// Apply logs pairs as one row of w. A column that fails does not stop the
// rest of the row; the first error is returned after the row is ended.
func Apply(w RowWriter, pairs []Pair) error {
	if err := w.BeginRow(); err != nil && !errors.Is(err, fserr.ErrNoResources) {
		return err
	}

	var first error
	for _, p := range pairs {
		if err := w.LogData(p.Key, p.Value); err != nil && first == nil {
			first = err
		}
	}
	if err := w.EndRow(); err != nil && first == nil {
		first = err
	}
	return first
}
