// Package pathenc implements the reversible filename encoding that maps
// arbitrary column values onto path-component-safe names: decode(encode(x))
// == x for every input, and encode(x) is safe across POSIX and Windows,
// case-insensitive filesystems alike.
package pathenc

import "strings"

const (
	esc    = '~' // escape introducer
	marker = '^' // no-op marker: tags an uppercase letter, or suffixes a reserved name
	spaceC = '_' // shorthand for ' '
	dotC   = '-' // shorthand for '.'
)

// escCodes maps a character that cannot appear literally in an encoded
// name to the single code character that follows esc. The map must be
// injective; reverse lookups are built once at init.
var escCodes = map[rune]rune{
	0:       '0', // NUL
	'\t':    't',
	'\r':    'n',
	'\n':    'f',
	'/':     's',
	'\\':    'b',
	':':     'c',
	'*':     'a',
	'?':     'q',
	'"':     'd',
	'\'':    'i',
	'<':     'l',
	'>':     'g',
	'|':     'p',
	'%':     'r',
	esc:     'e',
	marker:  'm',
	spaceC:  'u',
	dotC:    'h',
}

// emptyCode is a dedicated esc-code reserved exclusively for representing
// the empty input string; it is never produced by escaping any character.
const emptyCode = 'z'

var decodeCodes = func() map[rune]rune {
	m := make(map[rune]rune, len(escCodes))
	for ch, code := range escCodes {
		m[code] = ch
	}
	return m
}()

var reservedNames = map[string]bool{
	"con": true, "prn": true, "aux": true, "nul": true,
	"com1": true, "com2": true, "com3": true, "com4": true, "com5": true,
	"com6": true, "com7": true, "com8": true, "com9": true,
	"lpt1": true, "lpt2": true, "lpt3": true, "lpt4": true, "lpt5": true,
	"lpt6": true, "lpt7": true, "lpt8": true, "lpt9": true,
}

// Encode maps s to a path-component-safe name such that Decode(Encode(s))
// == s for every s, and the result never collides with a reserved OS
// filename (case-insensitively).
func Encode(s string) string {
	if s == "" {
		return string([]rune{esc, emptyCode})
	}

	var b strings.Builder
	b.Grow(len(s) + 2)
	for _, c := range s {
		switch {
		case c >= 'A' && c <= 'Z':
			b.WriteRune(marker)
			b.WriteRune(c)
		case c == ' ':
			b.WriteRune(spaceC)
		case c == '.':
			b.WriteRune(dotC)
		default:
			if code, reserved := escCodes[c]; reserved {
				b.WriteRune(esc)
				b.WriteRune(code)
			} else {
				b.WriteRune(c)
			}
		}
	}

	out := b.String()
	if reservedNames[strings.ToLower(out)] {
		out += string(marker)
	}
	return out
}

// Decode reverses Encode. It is the mirror image of the encoder: strip
// escapes, drop no-op markers, expand shorthands.
func Decode(s string) string {
	runes := []rune(s)
	if len(runes) == 2 && runes[0] == esc && runes[1] == emptyCode {
		return ""
	}

	var b strings.Builder
	b.Grow(len(runes))
	for i := 0; i < len(runes); i++ {
		c := runes[i]
		switch c {
		case esc:
			i++
			if i >= len(runes) {
				// Malformed input; emit the escape verbatim rather than panic.
				b.WriteRune(esc)
				continue
			}
			if orig, ok := decodeCodes[runes[i]]; ok {
				b.WriteRune(orig)
			}
		case marker:
			if i+1 >= len(runes) {
				// Trailing reserved-name suffix marker: drop it, nothing to emit.
				continue
			}
			i++
			b.WriteRune(runes[i])
		case spaceC:
			b.WriteRune(' ')
		case dotC:
			b.WriteRune('.')
		default:
			b.WriteRune(c)
		}
	}
	return b.String()
}

// Codec is a thin, stateless wrapper around Encode/Decode for callers
// that prefer an interface value over bare functions (e.g. to swap in an
// alternative encoding in tests). It carries no mutable state: every
// call works off function-local buffers, so a single Codec value is
// safe to share and call concurrently.
type Codec struct{}

func (Codec) Encode(s string) string { return Encode(s) }
func (Codec) Decode(s string) string { return Decode(s) }

// Default is the package-level codec used throughout the engine.
var Default = Codec{}
