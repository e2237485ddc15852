package delivery

import (
	"bytes"
	"fmt"
	"path/filepath"
	"text/template"

	"github.com/V4T54L/leadflow/internal/domain"
	"gopkg.in/gomail.v2"
)

var notificationBody = template.Must(template.New("notification").Parse(`Hi {{.ClientName}},

Your {{.LeadCount}} fresh leads are ready.

File: {{.File}}
{{- if .FileURL}}
Download: {{.FileURL}}
{{- end}}

Each lead comes with a personalized cold email and LinkedIn icebreaker.

Best,
AILeadGen
`))

type notification struct {
	ClientName string
	LeadCount  int
	File       string
	FileURL    string
}

// sender is satisfied by *gomail.Dialer.
type sender interface {
	DialAndSend(m ...*gomail.Message) error
}

// Mailer sends delivery notifications over SMTP.
type Mailer struct {
	dialer sender
	from   string
}

func NewMailer(host string, port int, user, password, from string) *Mailer {
	return &Mailer{dialer: gomail.NewDialer(host, port, user, password), from: from}
}

// Notify tells the client a delivery is ready.
func (m *Mailer) Notify(to string, receipt domain.DeliveryReceipt) error {
	var body bytes.Buffer
	err := notificationBody.Execute(&body, notification{
		ClientName: receipt.ClientName,
		LeadCount:  receipt.LeadCount,
		File:       filepath.Base(receipt.FilePath),
		FileURL:    receipt.FileURL,
	})
	if err != nil {
		return fmt.Errorf("render notification: %w", err)
	}

	msg := gomail.NewMessage()
	msg.SetHeader("From", m.from)
	msg.SetHeader("To", to)
	msg.SetHeader("Subject", fmt.Sprintf("Your %d Fresh Leads Are Ready!", receipt.LeadCount))
	msg.SetBody("text/plain", body.String())

	if err := m.dialer.DialAndSend(msg); err != nil {
		return fmt.Errorf("send notification to %s: %w", to, err)
	}
	return nil
}
