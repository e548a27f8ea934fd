package engine

import (
	"bytes"
	htmltemplate "html/template"
	"strings"
	"text/template"
	"time"
	"unicode"

	"insiderwatch/internal/model"
)

const alertTimeLayout = "2006-01-02 15:04:05 MST"

var textBody = template.Must(template.New("alert.txt").Funcs(template.FuncMap{
	"ts":   formatAlertTime,
	"join": strings.Join,
}).Parse(`Security alert for {{.Username}}

Employee Information
  Employee ID: {{.EmployeeID}}
  Username:    {{.Username}}
  Device(s):   {{join .DeviceIDs ", "}}

Alert Time: {{ts .AlertTime}}

Anomalous activity ({{len .Anomalies}}):
{{range .Anomalies}}  - {{ts .Timestamp}} [{{.Kind}}] {{if .Policy}}policy: {{end}}{{.Summary}}
{{end}}`))

var htmlBody = htmltemplate.Must(htmltemplate.New("alert.html").Funcs(htmltemplate.FuncMap{
	"ts":   formatAlertTime,
	"join": strings.Join,
}).Parse(`<h2>Security alert for {{.Username}}</h2>
<h3>Employee Information</h3>
<table>
<tr><td>Employee ID</td><td>{{.EmployeeID}}</td></tr>
<tr><td>Username</td><td>{{.Username}}</td></tr>
<tr><td>Device(s)</td><td>{{join .DeviceIDs ", "}}</td></tr>
</table>
<p>Alert Time: {{ts .AlertTime}}</p>
<h3>Anomalous activity ({{len .Anomalies}})</h3>
<ul>
{{range .Anomalies}}<li>{{ts .Timestamp}} [{{.Kind}}] {{if .Policy}}<strong>policy:</strong> {{end}}{{.Summary}}</li>
{{end}}</ul>
`))

func formatAlertTime(t time.Time) string {
	return t.UTC().Format(alertTimeLayout)
}

func alertSubject(prefix, username string) string {
	subject := "Security Violation - " + strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, username)
	if prefix = strings.TrimSpace(prefix); prefix != "" {
		subject = prefix + " " + subject
	}
	return subject
}

// renderAlert fills the rendered fields of alert and returns the matching
// notification.
func renderAlert(alert *model.Alert, prefix, recipient string) (model.Notification, error) {
	alert.Subject = alertSubject(prefix, alert.Username)
	var text, html bytes.Buffer
	if err := textBody.Execute(&text, alert); err != nil {
		return model.Notification{}, err
	}
	if err := htmlBody.Execute(&html, alert); err != nil {
		return model.Notification{}, err
	}
	alert.Details = text.String()
	return model.Notification{
		Recipient: recipient,
		Subject:   alert.Subject,
		Text:      alert.Details,
		HTML:      html.String(),
		AlertID:   alert.ID,
	}, nil
}

func deviceIDs(anomalies []model.FeatureTuple) []string {
	seen := make(map[string]struct{}, len(anomalies))
	var out []string
	for _, a := range anomalies {
		if a.DeviceID == "" {
			continue
		}
		if _, ok := seen[a.DeviceID]; ok {
			continue
		}
		seen[a.DeviceID] = struct{}{}
		out = append(out, a.DeviceID)
	}
	return out
}
