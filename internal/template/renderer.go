// Package template substitutes {{snake_case}} tokens into message bodies.
// Rendering is single-pass and deterministic; an unresolved token fails the
// whole render. A partially rendered business message is worse than none.
package template

import (
	"regexp"
	"sort"

	"apptnotify/internal/domain"
	"apptnotify/internal/variables"
)

var tokenRe = regexp.MustCompile(`\{\{([a-z][a-z0-9_]*)\}\}`)

// Rendered is the channel-ready content for one step.
type Rendered struct {
	Subject string
	Body    string
	// Params are the resolved values in the template's declared parameter
	// order, for WhatsApp's positional template API.
	Params []string
}

// Render substitutes vars into tpl. All referenced tokens (body, subject and
// ParamOrder) must resolve or a *domain.MissingVariableError is returned and
// no content is produced.
func Render(tpl domain.Template, vars variables.Map) (Rendered, error) {
	missing := map[string]bool{}

	body := substitute(tpl, tpl.Body, vars, missing)
	subject := substitute(tpl, tpl.Subject, vars, missing)

	params := make([]string, 0, len(tpl.ParamOrder))
	for _, name := range tpl.ParamOrder {
		v, ok := vars[name]
		if !ok {
			missing[name] = true
			continue
		}
		params = append(params, v.Format(tpl.Channel))
	}

	if len(missing) > 0 {
		names := make([]string, 0, len(missing))
		for n := range missing {
			names = append(names, n)
		}
		sort.Strings(names)
		return Rendered{}, &domain.MissingVariableError{TemplateID: tpl.ID, Names: names}
	}
	return Rendered{Subject: subject, Body: body, Params: params}, nil
}

func substitute(tpl domain.Template, text string, vars variables.Map, missing map[string]bool) string {
	return tokenRe.ReplaceAllStringFunc(text, func(tok string) string {
		name := tokenRe.FindStringSubmatch(tok)[1]
		v, ok := vars[name]
		if !ok {
			missing[name] = true
			return tok
		}
		return v.Format(tpl.Channel)
	})
}
