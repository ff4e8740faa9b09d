// Package sanitize turns raw session output into a storable document or
// a storable error.
package sanitize

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const (
	entriesPath  = "har.entries"
	bodyTextPath = "response.content.text"

	msgNoOutput  = "session produced no decodable output"
	msgNoEntries = "trace contains no entries"
)

// nulEscape matches raw NUL bytes that surfaced as backslash-prefixed
// u0000 escapes.
var nulEscape = regexp.MustCompile(`(\\)+u0000`)

// Result is the outcome of sanitizing one session. Exactly one of
// Document and Error is set.
type Result struct {
	Document json.RawMessage
	Error    *string
}

// OK reports whether a document was produced.
func (r Result) OK() bool {
	return r.Document != nil
}

// Sanitize decodes stdout as a result bundle, strips response bodies from
// every trace entry and removes escaped-NUL artifacts. Failures never
// panic; they produce a Result carrying the stderr diagnostic or the
// decode error instead of a document.
func Sanitize(stdout, stderr []byte) Result {
	doc := bytes.TrimSpace(stdout)
	if len(doc) == 0 || !utf8.Valid(doc) || !gjson.ValidBytes(doc) || !gjson.ParseBytes(doc).IsObject() {
		return failure(stderr, msgNoOutput)
	}

	entries := gjson.GetBytes(doc, entriesPath)
	if !entries.IsArray() {
		return failure(stderr, msgNoEntries)
	}

	doc, err := stripBodies(doc, entries)
	if err != nil {
		return errorResult(err.Error())
	}

	if nulEscape.Match(doc) {
		doc = nulEscape.ReplaceAll(doc, nil)

		var v any
		if err := json.Unmarshal(doc, &v); err != nil {
			return errorResult(err.Error())
		}
	}

	return Result{Document: json.RawMessage(doc)}
}

// stripBodies rebuilds the entries array without response body text. The
// document is returned untouched when no entry carries a body.
func stripBodies(doc []byte, entries gjson.Result) ([]byte, error) {
	items := entries.Array()
	raws := make([]string, len(items))
	changed := false

	for i, entry := range items {
		raws[i] = entry.Raw

		if !entry.IsObject() || !entry.Get(bodyTextPath).Exists() {
			continue
		}

		stripped, err := sjson.Delete(entry.Raw, bodyTextPath)
		if err != nil {
			return nil, err
		}

		raws[i] = stripped
		changed = true
	}

	if !changed {
		return doc, nil
	}

	return sjson.SetRawBytes(doc, entriesPath, []byte("["+strings.Join(raws, ",")+"]"))
}

// failure reports the stderr diagnostic, replacing invalid UTF-8 so the
// message stays storable as text.
func failure(stderr []byte, fallback string) Result {
	msg := strings.TrimSpace(strings.ToValidUTF8(string(stderr), "\uFFFD"))
	if msg == "" {
		msg = fallback
	}

	return errorResult(msg)
}

func errorResult(msg string) Result {
	return Result{Error: &msg}
}
