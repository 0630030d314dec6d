// Package casing turns dotted Go field paths such as DB.PasswordFile into the
// names environment variables, flags and secret files are looked up by.
package casing

import (
	"strings"
	"unicode"
)

// Style joins the words of a path.
type Style int

const (
	Snake          Style = iota // db_password_file
	ScreamingSnake              // DB_PASSWORD_FILE
	Kebab                       // db-password-file
)

// Format renders path in the style.
func (s Style) Format(path string) string {
	words := Words(path)
	sep := "_"
	if s == Kebab {
		sep = "-"
	}
	out := strings.Join(words, sep)
	if s == ScreamingSnake {
		return strings.ToUpper(out)
	}
	return out
}

// Words splits path into lower-case words. Dots always separate words. Inside
// a segment a new word starts at an upper-case rune that follows a non-upper
// one, or that ends an acronym (HTTPPort is http, port).
func Words(path string) []string {
	var words []string
	for _, segment := range strings.Split(path, ".") {
		r := []rune(segment)
		start := 0
		for i := 1; i < len(r); i++ {
			if !unicode.IsUpper(r[i]) {
				continue
			}
			afterLower := !unicode.IsUpper(r[i-1])
			endsAcronym := i+1 < len(r) && unicode.IsLower(r[i+1])
			if afterLower || endsAcronym {
				words = append(words, strings.ToLower(string(r[start:i])))
				start = i
			}
		}
		if start < len(r) {
			words = append(words, strings.ToLower(string(r[start:])))
		}
	}
	return words
}

func ToSnake(s string) string          { return Snake.Format(s) }
func ToScreamingSnake(s string) string { return ScreamingSnake.Format(s) }
func ToKebab(s string) string          { return Kebab.Format(s) }
