// Package textnorm cleans generated question/answer text and document names
// before they are shown to clients or written to an export file.
package textnorm

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// ExportSuffix is appended to every normalized export name.
const ExportSuffix = " - Interview Questions and Answers"

// fallbackDocumentName replaces a document name that normalizes to nothing.
const fallbackDocumentName = "Document"

var (
	markdownMarkers   = regexp.MustCompile("[*_`]")
	enumerationPrefix = regexp.MustCompile(`^\s*\d+[.*]\s+`)
	doubleQuoted      = regexp.MustCompile(`^"(.*)"$`)
	singleQuoted      = regexp.MustCompile(`^'(.*)'$`)
	nonNameChars      = regexp.MustCompile(`[^\p{L}\p{M}\p{N}_\s-]`)
)

// Value coerces v to text and normalizes it. nil becomes the empty string.
func Value(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return Text(t)
	case []byte:
		return Text(string(t))
	case fmt.Stringer:
		return Text(t.String())
	default:
		return Text(fmt.Sprint(v))
	}
}

// Text strips markdown emphasis, a leading enumeration ("3. ", "12* "), one
// pair of wrapping quotes and redundant whitespace, then upper-cases the
// first character when the result is longer than one character.
func Text(s string) string {
	s = markdownMarkers.ReplaceAllString(s, "")
	s = enumerationPrefix.ReplaceAllString(s, "")

	switch {
	case doubleQuoted.MatchString(s):
		s = doubleQuoted.ReplaceAllString(s, "$1")
	case singleQuoted.MatchString(s):
		s = singleQuoted.ReplaceAllString(s, "$1")
	}

	s = strings.Join(strings.Fields(s), " ")
	return upperFirst(s)
}

func upperFirst(s string) string {
	runes := []rune(s)
	if len(runes) <= 1 {
		return s
	}
	runes[0] = unicode.ToUpper(runes[0])
	return string(runes)
}

// ExportName turns an uploaded document name such as "annual report (v2).pdf"
// into a human readable export name: "Annual Report V2 - Interview Questions
// and Answers". The result carries no extension.
func ExportName(documentName string) string {
	return cleanDocumentName(documentName) + ExportSuffix
}

func cleanDocumentName(documentName string) string {
	name := filepath.Base(strings.TrimSpace(documentName))
	if name == "." || name == string(filepath.Separator) {
		name = ""
	}
	if ext := filepath.Ext(name); ext != "" && ext != name {
		name = strings.TrimSuffix(name, ext)
	}

	name = nonNameChars.ReplaceAllString(name, "")
	name = strings.Join(strings.Fields(name), " ")
	if name == "" {
		return fallbackDocumentName
	}
	return cases.Title(language.Und).String(name)
}
