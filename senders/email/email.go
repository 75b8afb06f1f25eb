package email

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"html/template"
	"strings"

	"github.com/fiffu/recordwatch/lib/models"
)

var (
	//go:embed changes.html
	changesHTML     string
	changesTemplate = template.Must(template.New("changes.html").Parse(changesHTML))
)

func mustFillTemplate(tmpl *template.Template, values any) string {
	buf := new(strings.Builder)
	err := tmpl.Execute(buf, values)
	if err != nil {
		return ""
	}
	return buf.String()
}

type ChangesEmailFormat struct {
	Change *models.ChangeLog
}

func (ef *ChangesEmailFormat) Subject() string {
	verb := "changed"
	if ef.Change.Source == models.SourceDeleted {
		verb = "deleted"
	}
	return fmt.Sprintf("Recordwatch: %d %s %s record(s)", ef.Change.RecordCount, verb, ef.Change.EntityType)
}

func (ef *ChangesEmailFormat) Body() string {
	return mustFillTemplate(changesTemplate, ef)
}

func (ef *ChangesEmailFormat) RecordIDs() []string {
	return models.SplitList(ef.Change.RecordIDs)
}

// Payload is the change payload, indented when it is JSON.
func (ef *ChangesEmailFormat) Payload() string {
	var v any
	if err := json.Unmarshal([]byte(ef.Change.Payload), &v); err != nil {
		return ef.Change.Payload
	}
	buf := new(strings.Builder)
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return ef.Change.Payload
	}
	return strings.TrimSpace(buf.String())
}
