package utils

import (
	"crypto/tls"
	"errors"
	"fmt"
	"html"
	"net/smtp"
	"os"
	"strings"

	"github.com/jordan-wright/email"
)

// ErrSMTPNotConfigured is returned when the SMTP_* variables are incomplete.
var ErrSMTPNotConfigured = errors.New("smtp config missing")

// ArchiveNotice describes an archived upload for the notification mail.
type ArchiveNotice struct {
	UploadID uint64
	Filename string
	Size     string
	Hash     string
	Bucket   string
	Object   string
}

// SendArchiveMail notifies recipients that an upload was archived.
func SendArchiveMail(to []string, notice ArchiveNotice) error {
	host := os.Getenv("SMTP_HOST")
	port := os.Getenv("SMTP_PORT")
	user := os.Getenv("SMTP_USER")
	pass := os.Getenv("SMTP_PASS")
	from := os.Getenv("SMTP_FROM")
	if host == "" || port == "" || user == "" || pass == "" || from == "" {
		return ErrSMTPNotConfigured
	}
	if len(to) == 0 {
		return nil
	}

	e := email.NewEmail()
	e.From = from
	e.To = to
	e.Subject = fmt.Sprintf("Upload %d archived: %s", notice.UploadID, notice.Filename)
	e.HTML = []byte(`
		<h2>Upload archived</h2>
		<p><b>` + html.EscapeString(notice.Filename) + `</b> (` + html.EscapeString(notice.Size) + `)</p>
		<p>SHA-256: <code>` + html.EscapeString(notice.Hash) + `</code></p>
		<p>Stored at <code>` + html.EscapeString(notice.Bucket+"/"+notice.Object) + `</code></p>
	`)

	addr := host + ":" + port
	auth := smtp.PlainAuth("", user, pass, host)
	tlsConfig := &tls.Config{ServerName: host}
	useTLS := strings.EqualFold(os.Getenv("SMTP_TLS"), "true") ||
		os.Getenv("SMTP_TLS") == "1" ||
		port == "465"
	useStartTLS := strings.EqualFold(os.Getenv("SMTP_STARTTLS"), "true") ||
		os.Getenv("SMTP_STARTTLS") == "1"

	if useTLS {
		return e.SendWithTLS(addr, auth, tlsConfig)
	}
	if useStartTLS {
		return e.SendWithStartTLS(addr, auth, tlsConfig)
	}
	return e.Send(addr, auth)
}
