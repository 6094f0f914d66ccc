package notification

import (
	"bytes"
	"fmt"
	"html/template"

	"github.com/t77yq/venueguard/internal/model"
)

const productName = "VenueGuard"

// AlertMessage renders the default message body for an alert
func AlertMessage(alert *model.Alert, details AlertDetails) string {
	child := details.ChildName
	if child == "" {
		child = "Child"
	}
	location := details.Location
	if location == "" {
		location = "venue"
	}
	venue := details.Venue

	switch alert.Type {
	case model.AlertTypeChildDetected:
		return fmt.Sprintf("%s has been detected at %s in the %s.", child, venue, location)
	case model.AlertTypeChildMissing:
		return fmt.Sprintf("URGENT: %s has not been seen at %s for an extended period. Last seen: %s.", child, venue, location)
	case model.AlertTypeChildUnauthorizedExit:
		return fmt.Sprintf("ALERT: %s has been detected near an exit at %s without proper checkout.", child, venue)
	case model.AlertTypeUnauthorizedPerson:
		return fmt.Sprintf("Security Alert: An unauthorized person has been detected at %s in the %s.", venue, location)
	case model.AlertTypeStrangerDanger:
		return fmt.Sprintf("Safety Alert: An unrecognized adult has been detected near children at %s.", venue)
	case model.AlertTypeEmergencyBroadcast:
		return fmt.Sprintf("EMERGENCY: %s at %s. Please follow emergency protocols.", alert.Description, venue)
	case model.AlertTypeMedicalEmergency:
		return fmt.Sprintf("Medical Emergency at %s. Immediate assistance required in %s.", venue, location)
	case model.AlertTypeEvacuation:
		return fmt.Sprintf("EVACUATION ALERT: Please evacuate %s immediately. Follow emergency exit procedures.", venue)
	default:
		return fmt.Sprintf("Alert at %s: %s", venue, alert.Description)
	}
}

// AlertSubject renders the subject line for an alert of the given severity
func AlertSubject(severity model.AlertSeverity, venue string) string {
	switch severity {
	case model.AlertSeverityEmergency, model.AlertSeverityCritical:
		return fmt.Sprintf("URGENT %s Alert - %s", productName, venue)
	case model.AlertSeverityHigh:
		return fmt.Sprintf("High Priority %s Alert - %s", productName, venue)
	case model.AlertSeverityMedium:
		return fmt.Sprintf("%s Alert - %s", productName, venue)
	default:
		return fmt.Sprintf("%s Notification - %s", productName, venue)
	}
}

var emailTemplate = template.Must(template.New("email").Parse(`<!DOCTYPE html>
<html>
  <head>
    <meta charset="utf-8">
    <title>{{.Product}} Alert</title>
  </head>
  <body style="font-family: Arial, sans-serif; line-height: 1.6; color: #333;">
    <div style="max-width: 600px; margin: 0 auto; padding: 20px;">
      <h1 style="background: #FF6B6B; color: white; padding: 20px; text-align: center;">{{.Product}} Alert</h1>
      <h2>{{.Subject}}</h2>
      <p>{{.Body}}</p>
      {{- with .Details}}
      <hr>
      <p><strong>Alert Details:</strong></p>
      <ul>
        {{- if .ChildName}}<li><strong>Child:</strong> {{.ChildName}}</li>{{end}}
        {{- if .Venue}}<li><strong>Venue:</strong> {{.Venue}}</li>{{end}}
        {{- if .Location}}<li><strong>Location:</strong> {{.Location}}</li>{{end}}
        {{- if .Time}}<li><strong>Time:</strong> {{.Time}}</li>{{end}}
      </ul>
      {{- end}}
      <p style="text-align: center; font-size: 12px; color: #666;">This is an automated message from {{.Product}}. Please do not reply to this email.</p>
    </div>
  </body>
</html>
`))

// EmailHTML renders the HTML body of an alert email
func EmailHTML(msg Message) (string, error) {
	subject := msg.Subject
	if subject == "" {
		subject = "Safety Alert"
	}

	var buf bytes.Buffer
	err := emailTemplate.Execute(&buf, struct {
		Product string
		Subject string
		Body    string
		Details *AlertDetails
	}{productName, subject, msg.Body, msg.Details})
	if err != nil {
		return "", fmt.Errorf("failed to render email: %w", err)
	}
	return buf.String(), nil
}
