package service

import (
	"fmt"
	"regexp"

	"github.com/unclebandit/campaign-mailer/internal/model"
)

var placeholderPattern = regexp.MustCompile(`\{\{\s*([\w.]+)\s*\}\}`)

// RenderTemplate substitutes {{ key }} placeholders. Unknown or nil values
// render as an empty string.
func RenderTemplate(template string, vars map[string]any) string {
	if template == "" {
		return ""
	}
	return placeholderPattern.ReplaceAllStringFunc(template, func(match string) string {
		key := placeholderPattern.FindStringSubmatch(match)[1]
		v, ok := vars[key]
		if !ok || v == nil {
			return ""
		}
		return fmt.Sprint(v)
	})
}

// TemplateVars builds the variables of one recipient. Metadata keys override
// the built-in name and email.
func TemplateVars(r *model.CampaignRecipient) map[string]any {
	name := r.Name
	if name == "" {
		name = "there"
	}
	vars := map[string]any{
		"name":  name,
		"email": r.Email,
	}
	for k, v := range r.Metadata {
		vars[k] = v
	}
	return vars
}
