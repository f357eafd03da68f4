// Package protocol models single lines of the densitometer's ASCII command
// protocol.
//
// A command or response line has the form
//
//	<kind><category> <action>[,<arg>...]\r\n
//
// for example "GC GAIN" (get calibration gain) answered by
// "GC GAIN,3F800000,40000000,...". Floats travel as 8 uppercase hex
// characters of their big-endian IEEE-754 bytes.
//
// Three line shapes are classified before generic parsing: log lines
// ("I/...", "W/..."), NAK responses and the "[[" marker that opens a
// multi-line buffer terminated by a "]]" line.
package protocol

import (
	"strconv"
	"strings"

	"github.com/dektronics/densitometer-desktop-sub000/matrix"
)

// Kind is the first character of a frame.
type Kind byte

const (
	KindInvalid               Kind = 0
	KindGet                   Kind = 'G'
	KindSet                   Kind = 'S'
	KindInvoke                Kind = 'I'
	KindDensityReflection     Kind = 'R'
	KindDensityTransmission   Kind = 'T'
	KindDensityUvTransmission Kind = 'U'
)

// Valid reports whether k is a recognized frame kind.
func (k Kind) Valid() bool {
	switch k {
	case KindGet, KindSet, KindInvoke,
		KindDensityReflection, KindDensityTransmission, KindDensityUvTransmission:
		return true
	}
	return false
}

// IsDensity reports whether k is one of the density reading kinds.
func (k Kind) IsDensity() bool {
	return k == KindDensityReflection || k == KindDensityTransmission || k == KindDensityUvTransmission
}

func (k Kind) String() string {
	switch k {
	case KindGet:
		return "Get"
	case KindSet:
		return "Set"
	case KindInvoke:
		return "Invoke"
	case KindDensityReflection:
		return "DensityReflection"
	case KindDensityTransmission:
		return "DensityTransmission"
	case KindDensityUvTransmission:
		return "DensityUvTransmission"
	default:
		return "Invalid"
	}
}

// Category is the second character of a frame.
type Category byte

const (
	CategoryInvalid     Category = 0
	CategorySystem      Category = 'S'
	CategoryMeasurement Category = 'M'
	CategoryCalibration Category = 'C'
	CategoryDiagnostics Category = 'D'
)

// Valid reports whether c is a recognized frame category.
func (c Category) Valid() bool {
	switch c {
	case CategorySystem, CategoryMeasurement, CategoryCalibration, CategoryDiagnostics:
		return true
	}
	return false
}

func (c Category) String() string {
	switch c {
	case CategorySystem:
		return "System"
	case CategoryMeasurement:
		return "Measurement"
	case CategoryCalibration:
		return "Calibration"
	case CategoryDiagnostics:
		return "Diagnostics"
	default:
		return "Invalid"
	}
}

// Markers with special meaning in the argument list or as whole lines.
const (
	ArgNAK         = "NAK"
	ArgOK          = "OK"
	MultilineOpen  = "[["
	MultilineClose = "]]"
	LineTerminator = "\r\n"
)

// Frame is one parsed protocol line. The zero Frame is the invalid marker
// returned by Parse for malformed input.
type Frame struct {
	Kind     Kind
	Category Category
	Action   string
	Args     []string

	// Buffer holds the raw lines received between the multi-line markers,
	// concatenated verbatim. It is never serialized.
	Buffer []byte
}

// New builds a frame from its parts. The args slice is copied.
func New(kind Kind, category Category, action string, args ...string) Frame {
	f := Frame{Kind: kind, Category: category, Action: action}
	if len(args) > 0 {
		f.Args = append([]string(nil), args...)
	}
	return f
}

// Valid reports whether kind and category are recognized and action is set.
func (f Frame) Valid() bool {
	return f.Kind.Valid() && f.Category.Valid() && f.Action != ""
}

// Is reports whether f has the given kind, category and action.
func (f Frame) Is(kind Kind, category Category, action string) bool {
	return f.Kind == kind && f.Category == category && f.Action == action
}

// IsNAK reports whether the sole argument is the rejection marker.
func (f Frame) IsNAK() bool {
	return len(f.Args) == 1 && f.Args[0] == ArgNAK
}

// IsOK reports whether the sole argument is the acknowledgement marker.
func (f Frame) IsOK() bool {
	return len(f.Args) == 1 && f.Args[0] == ArgOK
}

// IsMultilineOpen reports whether f announces a multi-line buffer.
func (f Frame) IsMultilineOpen() bool {
	return len(f.Args) == 1 && f.Args[0] == MultilineOpen
}

// IsDensity reports whether f is a pushed density reading rather than a
// command response.
func (f Frame) IsDensity() bool {
	return f.Kind.IsDensity() && strings.HasSuffix(f.Action, "D")
}

// Arg returns argument i or "" if it does not exist.
func (f Frame) Arg(i int) string {
	if i < 0 || i >= len(f.Args) {
		return ""
	}
	return f.Args[i]
}

// ArgFloat decodes argument i as a hex encoded float.
func (f Frame) ArgFloat(i int) (float32, error) {
	return matrix.DecodeFloat(f.Arg(i))
}

// ArgInt decodes argument i as a decimal integer.
func (f Frame) ArgInt(i int) (int, error) {
	return strconv.Atoi(f.Arg(i))
}

// String serializes f without the line terminator.
func (f Frame) String() string {
	var b strings.Builder
	b.WriteByte(byte(f.Kind))
	b.WriteByte(byte(f.Category))
	b.WriteByte(' ')
	b.WriteString(f.Action)
	for _, a := range f.Args {
		b.WriteByte(',')
		b.WriteString(a)
	}
	return b.String()
}

// Line serializes f as a complete CRLF terminated line.
func (f Frame) Line() string {
	return f.String() + LineTerminator
}

// Serialize is the function form of Frame.Line.
func Serialize(f Frame) string {
	return f.Line()
}

// Parse parses a single line (with or without its terminator). It never
// fails: malformed input yields the zero Frame, which is not Valid.
func Parse(line string) Frame {
	line = strings.TrimRight(line, "\r\n")
	if len(line) < 4 || line[2] != ' ' {
		return Frame{}
	}
	kind := Kind(line[0])
	category := Category(line[1])
	if !kind.Valid() || !category.Valid() {
		return Frame{}
	}

	parts := strings.Split(line[3:], ",")
	action := parts[0]
	if action == "" || strings.ContainsAny(action, " \t") {
		return Frame{}
	}

	f := Frame{Kind: kind, Category: category, Action: action}
	if len(parts) > 1 {
		f.Args = parts[1:]
	}
	return f
}

// IsMultilineClose reports whether line terminates a multi-line buffer.
func IsMultilineClose(line string) bool {
	return strings.TrimRight(line, "\r\n") == MultilineClose
}

// IsLogLine reports whether line is forwarded firmware log output of the
// form "<level>/<text>", returning the level letter and the text.
func IsLogLine(line string) (level byte, text string, ok bool) {
	line = strings.TrimRight(line, "\r\n")
	if len(line) < 2 || line[1] != '/' {
		return 0, "", false
	}
	switch line[0] {
	case 'A', 'E', 'W', 'I', 'D', 'V':
		return line[0], line[2:], true
	}
	return 0, "", false
}

// FloatArg encodes f for use as a frame argument.
func FloatArg(f float32) string {
	return matrix.EncodeFloat(f)
}

// IntArg encodes i for use as a frame argument.
func IntArg(i int) string {
	return strconv.Itoa(i)
}
