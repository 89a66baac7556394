/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package store

import (
	"strconv"
	"strings"
	"unicode"
)

// sqlLexer walks SQL text and tracks whether the current byte is inside a
// quote, a comment or a dollar-quoted body.
type sqlLexer struct {
	src string
	pos int

	singleQuote  bool
	doubleQuote  bool
	lineComment  bool
	blockComment bool
	dollarTag    string
}

// next returns the span starting at pos and whether that span is plain SQL
// code. Comments are returned with code=false and keep=false.
func (l *sqlLexer) next() (span string, code, keep bool) {
	i := l.pos
	ch := l.src[i]

	switch {
	case l.lineComment:
		l.pos++
		if ch == '\n' {
			l.lineComment = false
			return "\n", false, true
		}

		return "", false, false
	case l.blockComment:
		if strings.HasPrefix(l.src[i:], "*/") {
			l.blockComment = false
			l.pos += 2

			return "", false, false
		}

		l.pos++

		return "", false, false
	case l.dollarTag != "":
		if strings.HasPrefix(l.src[i:], l.dollarTag) {
			tag := l.dollarTag
			l.dollarTag = ""
			l.pos += len(tag)

			return tag, false, true
		}

		l.pos++

		return l.src[i : i+1], false, true
	}

	if !l.singleQuote && !l.doubleQuote {
		switch {
		case strings.HasPrefix(l.src[i:], "--"):
			l.lineComment = true
			l.pos += 2

			return "", false, false
		case strings.HasPrefix(l.src[i:], "/*"):
			l.blockComment = true
			l.pos += 2

			return "", false, false
		}

		if tag := dollarTagAt(l.src[i:]); tag != "" {
			l.dollarTag = tag
			l.pos += len(tag)

			return tag, false, true
		}
	}

	l.pos++

	switch {
	case ch == '\'' && !l.doubleQuote:
		l.singleQuote = !l.singleQuote
		return "'", false, true
	case ch == '"' && !l.singleQuote:
		l.doubleQuote = !l.doubleQuote
		return "\"", false, true
	}

	return l.src[i : i+1], !l.singleQuote && !l.doubleQuote, true
}

func (l *sqlLexer) done() bool {
	return l.pos >= len(l.src)
}

// splitSQLStatements splits a migration into statements on top-level
// semicolons. Comments are dropped.
func splitSQLStatements(content string) []string {
	var (
		out     []string
		current strings.Builder
	)

	flush := func() {
		if stmt := strings.TrimSpace(current.String()); stmt != "" {
			out = append(out, stmt)
		}

		current.Reset()
	}

	l := &sqlLexer{src: content}
	for !l.done() {
		span, code, keep := l.next()
		if code && span == ";" {
			flush()
			continue
		}

		if keep {
			current.WriteString(span)
		}
	}

	flush()

	return out
}

// rebindPositional rewrites ? placeholders to $1, $2, ... outside quotes.
func rebindPositional(query string) string {
	if !strings.Contains(query, "?") {
		return query
	}

	var (
		b strings.Builder
		n int
	)

	b.Grow(len(query) + 8)

	l := &sqlLexer{src: query}
	for !l.done() {
		span, code, keep := l.next()
		if code && span == "?" {
			n++
			b.WriteString("$" + strconv.Itoa(n))

			continue
		}

		if keep {
			b.WriteString(span)
		}
	}

	return b.String()
}

func dollarTagAt(s string) string {
	if s == "" || s[0] != '$' {
		return ""
	}

	for i := 1; i < len(s); i++ {
		if s[i] == '$' {
			return s[:i+1]
		}

		if s[i] != '_' && !unicode.IsLetter(rune(s[i])) && !unicode.IsDigit(rune(s[i])) {
			return ""
		}
	}

	return ""
}

// migrationVersion parses the numeric prefix of 00001_name.up.sql.
func migrationVersion(filename string) (int, string, error) {
	prefix, rest, _ := strings.Cut(filename, "_")

	v, err := strconv.Atoi(prefix)
	if err != nil {
		return 0, "", err
	}

	return v, strings.TrimSuffix(rest, ".up.sql"), nil
}
