package output

import "encoding/json"

// JSONFormatter renders reports as a single JSON object.
type JSONFormatter struct{}

// NewJSONFormatter creates a JSONFormatter.
func NewJSONFormatter() *JSONFormatter {
	return &JSONFormatter{}
}

func (f *JSONFormatter) Format(r Report) []byte {
	obj := make(map[string]any)
	for _, row := range r.Rows {
		obj[jsonKey(row.Key)] = row.Value
	}
	for _, s := range r.Sections {
		recs := make([]map[string]string, 0, len(s.Records))
		for _, rec := range s.Records {
			m := make(map[string]string, len(rec))
			for i, v := range rec {
				if i < len(s.Columns) {
					m[jsonKey(s.Columns[i])] = v
				}
			}
			recs = append(recs, m)
		}
		obj[jsonKey(s.Title)] = recs
	}
	data, _ := json.MarshalIndent(obj, "", "  ")
	return append(data, '\n')
}

func jsonKey(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch {
		case r >= 'A' && r <= 'Z':
			out = append(out, r+('a'-'A'))
		case r == ' ' || r == '-':
			out = append(out, '_')
		default:
			out = append(out, r)
		}
	}
	return string(out)
}

// Ensure JSONFormatter implements Formatter.
var _ Formatter = (*JSONFormatter)(nil)
