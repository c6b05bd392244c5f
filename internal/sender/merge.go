package sender

import (
	"fmt"
	"regexp"
)

var mergeField = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.]+)\s*\}\}`)

// Render substitutes {{ name }} placeholders with values from data.
// Placeholders without a value are left as written.
func Render(template string, data map[string]any) string {
	if template == "" || len(data) == 0 {
		return template
	}
	return mergeField.ReplaceAllStringFunc(template, func(field string) string {
		key := mergeField.FindStringSubmatch(field)[1]
		v, ok := data[key]
		if !ok || v == nil {
			return field
		}
		return fmt.Sprint(v)
	})
}
