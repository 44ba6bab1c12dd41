package command

import (
	"fmt"
	"slices"
	"strings"
)

// EncodeProperties renders props as sorted key=value lines.
func EncodeProperties(props map[string]string) string {
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(escapeProperty(props[k]))
		b.WriteByte('\n')
	}
	return b.String()
}

// DecodeProperties parses the output of EncodeProperties. Blank lines and
// lines starting with '#' are skipped.
func DecodeProperties(s string) (map[string]string, error) {
	props := make(map[string]string)
	for i, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("command: malformed property on line %d: %q", i+1, line)
		}
		props[strings.TrimSpace(k)] = unescapeProperty(strings.TrimLeft(v, " \t"))
	}
	return props, nil
}

var (
	propertyEscaper   = strings.NewReplacer(`\`, `\\`, "\n", `\n`)
	propertyUnescaper = strings.NewReplacer(`\\`, `\`, `\n`, "\n")
)

func escapeProperty(v string) string   { return propertyEscaper.Replace(v) }
func unescapeProperty(v string) string { return propertyUnescaper.Replace(v) }
