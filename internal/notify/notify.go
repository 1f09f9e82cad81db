// Package notify builds and delivers outbound case mail. Every message
// carries its correlation token in three redundant places: the
// Message-ID (so standards-compliant replies echo it in In-Reply-To),
// the [ref:...] subject marker, and a Reference: line in the body.
package notify

import (
	"context"
	"fmt"
	"net/smtp"
	"sort"
	"strings"

	"caseflow/internal/logging"
)

// Message is a fully built outbound mail.
type Message struct {
	From       string
	To         string
	Subject    string
	Body       string
	MessageID  string
	InReplyTo  string
	References string
	Token      string
}

// Notifier delivers built messages.
type Notifier interface {
	Send(ctx context.Context, m Message) error
}

// MessageID renders the token as an RFC 5322 message id.
func MessageID(token, tokenDomain string) string {
	if tokenDomain == "" {
		tokenDomain = "caseflow"
	}
	return fmt.Sprintf("<%s@%s>", token, tokenDomain)
}

// SubjectTag renders the subject marker for a token.
func SubjectTag(token string) string {
	return fmt.Sprintf("[ref:%s]", token)
}

// Builder assembles messages for a given sender identity.
type Builder struct {
	From        string
	TokenDomain string
}

// Reminder builds the missing-information mail sent to the case creator.
func (b Builder) Reminder(token, recipient, company string, missing []string, attempt int) Message {
	fields := append([]string(nil), missing...)
	sort.Strings(fields)
	subject := fmt.Sprintf("%s Missing information for %s", SubjectTag(token), company)
	var body strings.Builder
	fmt.Fprintf(&body, "Hello,\n\n")
	fmt.Fprintf(&body, "We could not complete the research request for %s because the following fields are missing:\n\n", company)
	for _, f := range fields {
		fmt.Fprintf(&body, "  - %s\n", f)
	}
	fmt.Fprintf(&body, "\nPlease reply to this mail with the missing values, one per line, as field: value.\n")
	fmt.Fprintf(&body, "Keep the subject line intact so your reply can be matched to the request.\n\n")
	if attempt > 1 {
		fmt.Fprintf(&body, "This is reminder %d for this request.\n\n", attempt)
	}
	fmt.Fprintf(&body, "Reference: %s\n", token)
	return b.assemble(token, recipient, subject, body.String())
}

// Report builds the completed-research mail.
func (b Builder) Report(token, recipient, company string, fields map[string]string) Message {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	subject := fmt.Sprintf("%s Research report for %s", SubjectTag(token), company)
	var body strings.Builder
	fmt.Fprintf(&body, "Hello,\n\n")
	fmt.Fprintf(&body, "The research for %s is complete:\n\n", company)
	for _, k := range keys {
		fmt.Fprintf(&body, "  %s: %s\n", k, fields[k])
	}
	fmt.Fprintf(&body, "\nReference: %s\n", token)
	return b.assemble(token, recipient, subject, body.String())
}

// AdminEscalation builds the mail asking an operator to fix a case.
func (b Builder) AdminEscalation(token, recipient, company string, missing []string) Message {
	fields := append([]string(nil), missing...)
	sort.Strings(fields)
	subject := fmt.Sprintf("%s Operator action needed for %s", SubjectTag(token), company)
	var body strings.Builder
	fmt.Fprintf(&body, "A research case needs operator attention.\n\n")
	fmt.Fprintf(&body, "Company: %s\n", company)
	fmt.Fprintf(&body, "Unresolved fields:\n")
	for _, f := range fields {
		fmt.Fprintf(&body, "  - %s\n", f)
	}
	fmt.Fprintf(&body, "\nReference: %s\n", token)
	return b.assemble(token, recipient, subject, body.String())
}

func (b Builder) assemble(token, recipient, subject, body string) Message {
	id := MessageID(token, b.TokenDomain)
	return Message{
		From:       b.From,
		To:         recipient,
		Subject:    subject,
		Body:       body,
		MessageID:  id,
		References: id,
		Token:      token,
	}
}

// Render produces the wire form of the message.
func Render(m Message) []byte {
	var sb strings.Builder
	fmt.Fprintf(&sb, "From: %s\r\n", m.From)
	fmt.Fprintf(&sb, "To: %s\r\n", m.To)
	fmt.Fprintf(&sb, "Subject: %s\r\n", m.Subject)
	fmt.Fprintf(&sb, "Message-ID: %s\r\n", m.MessageID)
	if m.InReplyTo != "" {
		fmt.Fprintf(&sb, "In-Reply-To: %s\r\n", m.InReplyTo)
	}
	if m.References != "" {
		fmt.Fprintf(&sb, "References: %s\r\n", m.References)
	}
	if m.Token != "" {
		fmt.Fprintf(&sb, "X-Case-Token: %s\r\n", m.Token)
	}
	sb.WriteString("MIME-Version: 1.0\r\n")
	sb.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	sb.WriteString("\r\n")
	sb.WriteString(strings.ReplaceAll(m.Body, "\n", "\r\n"))
	return []byte(sb.String())
}

// SMTPSender delivers messages over plain SMTP.
type SMTPSender struct {
	Addr string
}

func (s SMTPSender) Send(_ context.Context, m Message) error {
	if m.To == "" {
		return fmt.Errorf("message has no recipient")
	}
	return smtp.SendMail(s.Addr, nil, m.From, []string{m.To}, Render(m))
}

// LogNotifier records would-be deliveries to the log instead of sending.
// Used when no smtp address is configured.
type LogNotifier struct{}

func (LogNotifier) Send(_ context.Context, m Message) error {
	logging.New("notify").Info("mail delivery skipped, no smtp configured",
		"to", m.To, "subject", m.Subject, "token", m.Token)
	return nil
}
