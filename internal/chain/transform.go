package chain

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"text/template"

	"github.com/Masterminds/sprig/v3"

	"github.com/musterhub/hub/internal/hub"
)

// applyTransformation runs a single StepTransformation against the
// resolver, returning the value it produces. The "template" kind reuses
// the teacher's text/template+sprig approach from internal/template/engine.go
// (RenderGoTemplate) rather than a hand-rolled substitution pass, since that
// is how the corpus does Go-template rendering.
func applyTransformation(t hub.StepTransformation, r Resolver) (interface{}, error) {
	source, err := resolveOperand(t.Source, r)
	if err != nil {
		return nil, fmt.Errorf("transformation %q: resolving source: %w", t.Type, err)
	}

	switch t.Type {
	case "extract_json":
		return extractJSON(source)
	case "extract_text":
		return extractText(source)
	case "template":
		tmplStr, _ := t.Params["template"].(string)
		return renderTemplate(tmplStr, r)
	case "filter":
		expr, _ := t.Params["condition"].(string)
		return filterArray(source, expr, r)
	case "map":
		field, _ := t.Params["field"].(string)
		return mapArrayField(source, field)
	case "format":
		format, _ := t.Params["format"].(string)
		return formatValue(source, format)
	default:
		return nil, fmt.Errorf("unknown transformation type %q", t.Type)
	}
}

func resolveOperand(source string, r Resolver) (interface{}, error) {
	if source == "" {
		return nil, nil
	}
	v, err := r.Resolve(source)
	if err != nil {
		return nil, err
	}
	if v == Undefined {
		return nil, nil
	}
	return v, nil
}

// extractJSON parses a string value as JSON, or passes through values that
// are already structured.
func extractJSON(v interface{}) (interface{}, error) {
	s, ok := v.(string)
	if !ok {
		return v, nil
	}
	var out interface{}
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, fmt.Errorf("extract_json: %w", err)
	}
	return out, nil
}

// extractText flattens a CallToolResult-shaped map (content blocks) or
// arbitrary value down to a plain string, mirroring how MCP tool results
// carry free text in a list of typed content blocks.
func extractText(v interface{}) (interface{}, error) {
	switch val := v.(type) {
	case string:
		return val, nil
	case []interface{}:
		var sb strings.Builder
		for _, item := range val {
			m, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			if text, ok := m["text"].(string); ok {
				sb.WriteString(text)
			}
		}
		return sb.String(), nil
	case map[string]interface{}:
		if text, ok := val["text"].(string); ok {
			return text, nil
		}
		if content, ok := val["content"].([]interface{}); ok {
			return extractText(content)
		}
		b, _ := json.Marshal(val)
		return string(b), nil
	default:
		return fmt.Sprintf("%v", val), nil
	}
}

func renderTemplate(tmplStr string, r Resolver) (interface{}, error) {
	tmpl, err := template.New("transform").Funcs(sprig.TxtFuncMap()).Option("missingkey=error").Parse(tmplStr)
	if err != nil {
		return nil, fmt.Errorf("template: invalid template: %w", err)
	}
	data := map[string]interface{}{
		"PREV": r.Prev,
		"VARS": r.Vars,
	}
	for k, v := range r.Steps {
		data[k] = v
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("template: execution failed: %w", err)
	}
	return buf.String(), nil
}

func filterArray(v interface{}, condExpr string, r Resolver) (interface{}, error) {
	arr, ok := v.([]interface{})
	if !ok {
		return nil, fmt.Errorf("filter: source is not an array")
	}
	var out []interface{}
	for _, item := range arr {
		itemResolver := r
		itemResolver.Prev = item
		keep, err := EvalCondition(condExpr, itemResolver)
		if err != nil {
			return nil, fmt.Errorf("filter: %w", err)
		}
		if keep {
			out = append(out, item)
		}
	}
	return out, nil
}

func mapArrayField(v interface{}, field string) (interface{}, error) {
	arr, ok := v.([]interface{})
	if !ok {
		return nil, fmt.Errorf("map: source is not an array")
	}
	out := make([]interface{}, 0, len(arr))
	for _, item := range arr {
		m, ok := item.(map[string]interface{})
		if !ok {
			out = append(out, nil)
			continue
		}
		out = append(out, m[field])
	}
	return out, nil
}

// formatValue re-encodes the source value as json, string or csv. The json
// encoding is the exact inverse of the extract_json transformation: running
// a value through format("json") and then extract_json must reproduce it
// (spec.md §8).
func formatValue(v interface{}, format string) (interface{}, error) {
	switch format {
	case "", "json":
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("format: json: %w", err)
		}
		return string(b), nil
	case "string":
		return stringifyValue(v), nil
	case "csv":
		return formatCSV(v)
	default:
		return nil, fmt.Errorf("format: unknown format %q", format)
	}
}

func stringifyValue(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(b)
	}
}

// formatCSV renders an array of objects (one row per element, header row
// from the union of keys: elements in order, each element's new keys sorted)
// or an array of scalars (one row per element) as CSV text.
func formatCSV(v interface{}) (interface{}, error) {
	arr, ok := v.([]interface{})
	if !ok {
		arr = []interface{}{v}
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	var header []string
	seen := map[string]bool{}
	rows := make([][]string, 0, len(arr))
	allObjects := len(arr) > 0
	for _, item := range arr {
		m, ok := item.(map[string]interface{})
		if !ok {
			allObjects = false
			break
		}
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if !seen[k] {
				seen[k] = true
				header = append(header, k)
			}
		}
	}

	if allObjects {
		for _, item := range arr {
			m := item.(map[string]interface{})
			row := make([]string, len(header))
			for i, k := range header {
				row[i] = stringifyValue(m[k])
			}
			rows = append(rows, row)
		}
		if err := w.Write(header); err != nil {
			return nil, fmt.Errorf("format: csv: %w", err)
		}
	} else {
		for _, item := range arr {
			rows = append(rows, []string{stringifyValue(item)})
		}
	}

	for _, row := range rows {
		if err := w.Write(row); err != nil {
			return nil, fmt.Errorf("format: csv: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("format: csv: %w", err)
	}
	return buf.String(), nil
}
