package types

import (
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Tags is the key-value configuration list produced by the (external,
// out-of-scope) configuration-file parser. NetHelper reads "tcp_backlog"
// from it; the neighbor dictionary may read implementation-specific
// sizing hints. Correctness never depends on any key being present.
type Tags map[string]string

// IntOrDefault returns the tag value parsed as an int, or def if the key
// is absent or does not parse.
func (t Tags) IntOrDefault(key string, def int) int {
	v, ok := t[key]
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// StringOrDefault returns the tag value, or def if the key is absent.
func (t Tags) StringOrDefault(key, def string) string {
	v, ok := t[key]
	if !ok {
		return def
	}
	return v
}

// LoadTagsYAML reads a flat key-value tag list from a YAML file. This is
// a convenience for tests and example wiring, not a reimplementation of
// the external config-file parser: it only knows how to produce the
// Tags value NetHelper and the dictionary actually consume.
func LoadTagsYAML(path string) (Tags, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	tags := make(Tags, len(raw))
	for k, v := range raw {
		tags[k] = toString(v)
	}
	return tags, nil
}

func toString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case int:
		return strconv.Itoa(t)
	case bool:
		return strconv.FormatBool(t)
	default:
		return ""
	}
}
