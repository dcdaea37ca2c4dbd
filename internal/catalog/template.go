package catalog

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"text/template"

	"github.com/Masterminds/sprig/v3"
)

// ErrMissingPort is returned when a template needs a port the request did not carry.
var ErrMissingPort = errors.New("template requires a port")

// Params are the values substituted into a command template.
// Target must already be validated.
type Params struct {
	Target string
	Port   int // 0 = absent
}

// templateData is the dot value of Go templates.
type templateData struct {
	Target  string
	Port    int
	HasPort bool
}

// funcMap is sprig minus the functions that read the process environment.
var funcMap = func() template.FuncMap {
	fm := sprig.TxtFuncMap()
	delete(fm, "env")
	delete(fm, "expandenv")
	return fm
}()

// compileTemplate returns the parsed Go template for d, or nil for a
// placeholder-style command.
func compileTemplate(d Definition) (*template.Template, error) {
	if !strings.Contains(d.Command, "{{") {
		return nil, nil
	}
	tmpl, err := template.New(d.Name).Funcs(funcMap).Option("missingkey=error").Parse(d.Command)
	if err != nil {
		return nil, fmt.Errorf("parsing command template: %w", err)
	}
	return tmpl, nil
}

// Render produces the command for d.
//
// Two template styles are accepted: simple placeholders ({target}, {port})
// and Go text/template with sprig functions ({{ .Target }}, {{ .Port }}).
func Render(d Definition, p Params) (string, error) {
	tmpl, err := compileTemplate(d)
	if err != nil {
		return "", err
	}

	if tmpl == nil {
		if strings.Contains(d.Command, "{port}") && p.Port == 0 {
			return "", ErrMissingPort
		}
		r := strings.NewReplacer("{target}", p.Target, "{port}", strconv.Itoa(p.Port))
		return r.Replace(d.Command), nil
	}

	var sb strings.Builder
	if err := tmpl.Execute(&sb, templateData{Target: p.Target, Port: p.Port, HasPort: p.Port != 0}); err != nil {
		return "", fmt.Errorf("rendering command template: %w", err)
	}
	return strings.TrimSpace(sb.String()), nil
}
