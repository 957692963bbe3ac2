package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// JSONPaths errors.
var (
	ErrInvalidJSONPath   = errors.New("invalid json path")
	ErrJSONPathsMismatch = errors.New("jsonpaths do not match staging columns")
)

// ParseJSONPaths decodes a Redshift jsonpaths document
//
//	{"jsonpaths": ["$['artist']", "$['auth']", ...]}
//
// and returns its paths rewritten for DuckDB's json_extract functions.
func ParseJSONPaths(doc []byte) ([]string, error) {
	var v struct {
		Paths []string `json:"jsonpaths"`
	}
	if err := json.Unmarshal(doc, &v); err != nil {
		return nil, fmt.Errorf("decoding jsonpaths document: %w", err)
	}
	if len(v.Paths) == 0 {
		return nil, fmt.Errorf("%w: document lists no paths", ErrInvalidJSONPath)
	}

	out := make([]string, len(v.Paths))
	for i, p := range v.Paths {
		dp, err := DuckDBPath(p)
		if err != nil {
			return nil, fmt.Errorf("path %d: %w", i, err)
		}
		out[i] = dp
	}
	return out, nil
}

// DuckDBPath rewrites a Redshift JSONPath expression in bracket or dot
// notation into the form DuckDB accepts: $['a']["b"][0] becomes $.a.b[0].
// Keys that are not plain identifiers are double-quoted.
func DuckDBPath(p string) (string, error) {
	if !strings.HasPrefix(p, "$") {
		return "", fmt.Errorf("%w: %q must start with $", ErrInvalidJSONPath, p)
	}

	var b strings.Builder
	b.WriteByte('$')

	rest := p[1:]
	for len(rest) > 0 {
		switch rest[0] {
		case '.':
			end := strings.IndexAny(rest[1:], ".[")
			if end < 0 {
				end = len(rest) - 1
			}
			key := rest[1 : end+1]
			if key == "" {
				return "", fmt.Errorf("%w: %q has an empty key", ErrInvalidJSONPath, p)
			}
			if err := writeKey(&b, key); err != nil {
				return "", fmt.Errorf("%w: %q: %v", ErrInvalidJSONPath, p, err)
			}
			rest = rest[end+1:]

		case '[':
			closing := strings.IndexByte(rest, ']')
			if closing < 0 {
				return "", fmt.Errorf("%w: %q has an unterminated bracket", ErrInvalidJSONPath, p)
			}
			inner := rest[1:closing]

			if len(inner) >= 2 && (inner[0] == '\'' || inner[0] == '"') {
				q := inner[0]
				// The key may itself contain ']', so find the matching quote first.
				end := strings.IndexByte(rest[2:], q)
				if end < 0 || 2+end+1 >= len(rest) || rest[2+end+1] != ']' {
					return "", fmt.Errorf("%w: %q has an unterminated key", ErrInvalidJSONPath, p)
				}
				key := rest[2 : 2+end]
				if err := writeKey(&b, key); err != nil {
					return "", fmt.Errorf("%w: %q: %v", ErrInvalidJSONPath, p, err)
				}
				rest = rest[2+end+2:]
				continue
			}

			idx, err := strconv.Atoi(inner)
			if err != nil || idx < 0 {
				return "", fmt.Errorf("%w: %q has a bad index %q", ErrInvalidJSONPath, p, inner)
			}
			fmt.Fprintf(&b, "[%d]", idx)
			rest = rest[closing+1:]

		default:
			return "", fmt.Errorf("%w: %q: unexpected %q", ErrInvalidJSONPath, p, rest[0])
		}
	}

	if b.Len() == 1 {
		return "", fmt.Errorf("%w: %q selects the whole document", ErrInvalidJSONPath, p)
	}
	return b.String(), nil
}

func writeKey(b *strings.Builder, key string) error {
	if key == "" {
		return errors.New("empty key")
	}
	if isIdent(key) {
		b.WriteByte('.')
		b.WriteString(key)
		return nil
	}
	if strings.ContainsRune(key, '"') {
		return fmt.Errorf("key %q contains a double quote", key)
	}
	b.WriteString(`."`)
	b.WriteString(key)
	b.WriteByte('"')
	return nil
}

func isIdent(s string) bool {
	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case i > 0 && r >= '0' && r <= '9':
		default:
			return false
		}
	}
	return s != ""
}
