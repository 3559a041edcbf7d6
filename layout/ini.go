package layout

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/arkops/asaman"
)

// ParseIni parses standard Windows INI text into a sectioned map. Entries
// before the first section header land in an unnamed "" section. There is
// no escaping; values run from the first '=' to end of line.
func ParseIni(text string) asaman.Settings {
	settings := asaman.Settings{}
	section := ""
	for _, raw := range strings.Split(text, "\n") {
		line := strings.TrimRight(raw, "\r")
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, ";") || strings.HasPrefix(trimmed, "#") {
			continue
		}
		if strings.HasPrefix(trimmed, "[") && strings.HasSuffix(trimmed, "]") {
			section = trimmed[1 : len(trimmed)-1]
			if _, ok := settings[section]; !ok {
				settings[section] = map[string]any{}
			}
			continue
		}
		eq := strings.Index(line, "=")
		if eq < 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		value := line[eq+1:]
		if key == "" {
			continue
		}
		if _, ok := settings[section]; !ok {
			settings[section] = map[string]any{}
		}
		settings[section][key] = value
	}
	return settings
}

// StringifyIni renders settings as INI text with sections and keys in
// sorted order, so the output is deterministic and round-trip stable.
func StringifyIni(settings asaman.Settings) string {
	sections := make([]string, 0, len(settings))
	for section := range settings {
		sections = append(sections, section)
	}
	sort.Strings(sections)

	var b strings.Builder
	for _, section := range sections {
		kv := settings[section]
		if section != "" {
			fmt.Fprintf(&b, "[%s]\n", section)
		}
		keys := make([]string, 0, len(kv))
		for k := range kv {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "%s=%s\n", k, formatIniValue(kv[k]))
		}
		b.WriteString("\n")
	}
	return strings.TrimSuffix(b.String(), "\n")
}

// formatIniValue renders a JSON-typed value the way ASA expects it.
func formatIniValue(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case bool:
		if val {
			return "True"
		}
		return "False"
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int:
		return strconv.Itoa(val)
	default:
		return fmt.Sprintf("%v", val)
	}
}
