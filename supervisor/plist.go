package supervisor

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"maps"
	"slices"
	"strings"
	"text/template"
)

// Plist is the LaunchAgent property list for the remapping service.
type Plist struct {
	Label       string
	Program     string
	Args        []string
	Env         map[string]string
	StdoutPath  string
	StderrPath  string
	RunAtLoad   bool
	KeepAlive   bool
	ProcessType string
}

var plistTemplate = template.Must(template.New("plist").Funcs(template.FuncMap{ //nolint:gochecknoglobals
	"x": xmlEscape,
}).Parse(`<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>{{x .Label}}</string>
    <key>ProgramArguments</key>
    <array>
        <string>{{x .Program}}</string>
{{- range .Args}}
        <string>{{x .}}</string>
{{- end}}
    </array>
{{- if .EnvKeys}}
    <key>EnvironmentVariables</key>
    <dict>
{{- range .EnvKeys}}
        <key>{{x .}}</key>
        <string>{{x (index $.Env .)}}</string>
{{- end}}
    </dict>
{{- end}}
{{- if .StdoutPath}}
    <key>StandardOutPath</key>
    <string>{{x .StdoutPath}}</string>
{{- end}}
{{- if .StderrPath}}
    <key>StandardErrorPath</key>
    <string>{{x .StderrPath}}</string>
{{- end}}
{{- if .ProcessType}}
    <key>ProcessType</key>
    <string>{{x .ProcessType}}</string>
{{- end}}
    <key>RunAtLoad</key>
    <{{.RunAtLoad}}/>
    <key>KeepAlive</key>
    <{{.KeepAlive}}/>
</dict>
</plist>
`))

// Render produces the plist XML. Environment keys are sorted so the output
// is stable and can be compared with what is on disk.
func (p Plist) Render() ([]byte, error) {
	if p.Label == "" || p.Program == "" {
		return nil, fmt.Errorf("%w: plist needs a label and a program", ErrInvalidPlist)
	}

	data := struct {
		Plist
		EnvKeys []string
	}{
		Plist:   p,
		EnvKeys: slices.Sorted(maps.Keys(p.Env)),
	}

	var buf bytes.Buffer
	if err := plistTemplate.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("rendering plist: %w", err)
	}

	return buf.Bytes(), nil
}

func xmlEscape(s string) (string, error) {
	var sb strings.Builder
	if err := xml.EscapeText(&sb, []byte(s)); err != nil {
		return "", err
	}

	return sb.String(), nil
}
