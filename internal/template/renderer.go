// Package template renders stored templates with simple placeholder
// substitution. Placeholders use {{name}} or {name} syntax; anything
// that does not resolve is left in the output untouched.
package template

import (
	"html"
	"regexp"
	"strings"

	"github.com/courierd/courierd/internal/store"
)

var placeholderRe = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.-]+)\s*\}\}|\{\s*([a-zA-Z0-9_.-]+)\s*\}`)

// Render substitutes variables into the template's subject, HTML and
// text bodies. Template-declared defaults apply first, then the
// caller's substitutions override them. Values placed into HTML
// content are escaped; subject and text values are not.
func Render(tmpl *store.Template, substitutions map[string]string) (subject, htmlBody, textBody string) {
	vars := make(map[string]string)
	for _, v := range tmpl.Variables {
		if v.Default != "" {
			vars[v.Name] = v.Default
		}
	}
	for k, v := range substitutions {
		vars[k] = v
	}

	subject = substitute(tmpl.Subject, vars, false)
	htmlBody = substitute(tmpl.HTML, vars, true)
	textBody = substitute(tmpl.Text, vars, false)
	return subject, htmlBody, textBody
}

// RenderString applies substitutions to a single string without
// escaping. Used for caller-supplied subjects and text bodies.
func RenderString(content string, substitutions map[string]string) string {
	return substitute(content, substitutions, false)
}

// RenderHTML applies substitutions to HTML content, escaping values.
func RenderHTML(content string, substitutions map[string]string) string {
	return substitute(content, substitutions, true)
}

func substitute(content string, vars map[string]string, escape bool) string {
	if content == "" || len(vars) == 0 {
		return content
	}
	return placeholderRe.ReplaceAllStringFunc(content, func(match string) string {
		name := placeholderName(match)
		val, ok := vars[name]
		if !ok {
			return match
		}
		if escape {
			return html.EscapeString(val)
		}
		return val
	})
}

func placeholderName(match string) string {
	m := strings.TrimSpace(match)
	m = strings.TrimPrefix(m, "{{")
	m = strings.TrimPrefix(m, "{")
	m = strings.TrimSuffix(m, "}}")
	m = strings.TrimSuffix(m, "}")
	return strings.TrimSpace(m)
}

// ExtractVariables returns the placeholder names found in content, in
// first-seen order with duplicates removed.
func ExtractVariables(content string) []string {
	seen := make(map[string]bool)
	var names []string
	for _, match := range placeholderRe.FindAllString(content, -1) {
		name := placeholderName(match)
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	return names
}
