package mail

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"text/template"
	"time"
	"unicode"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// InvoiceEmail is the summary handed to the email dispatcher when an
// invoice is sent.
type InvoiceEmail struct {
	To            string          `json:"to"`
	ClientName    string          `json:"client_name"`
	InvoiceNumber string          `json:"invoice_number"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
	Currency      string          `json:"currency"`
	DueDate       time.Time       `json:"due_date"`
	PortalLink    string          `json:"portal_link"`
}

// Validate checks the fields every delivery needs.
func (e InvoiceEmail) Validate() error {
	switch {
	case strings.TrimSpace(e.To) == "":
		return errors.New("mail: recipient required")
	case e.InvoiceNumber == "":
		return errors.New("mail: invoice number required")
	case hasControl(e.To), hasControl(e.InvoiceNumber), hasControl(e.ClientName):
		return errors.New("mail: header fields must not contain control characters")
	}
	return nil
}

func hasControl(s string) bool {
	return strings.ContainsFunc(s, unicode.IsControl)
}

// Message is a rendered plain-text email.
type Message struct {
	To      string
	Subject string
	Body    string
}

var invoiceBody = template.Must(template.New("invoice").Parse(`Hello {{.ClientName}},

Invoice {{.InvoiceNumber}} for {{.Amount}} is ready.
Payment is due on {{.DueDate}}.

View and pay the invoice in your portal:
{{.PortalLink}}
`))

// Compose renders the invoice email.
func Compose(e InvoiceEmail) (Message, error) {
	if err := e.Validate(); err != nil {
		return Message{}, err
	}
	name := e.ClientName
	if name == "" {
		name = "there"
	}
	var body bytes.Buffer
	err := invoiceBody.Execute(&body, map[string]string{
		"ClientName":    name,
		"InvoiceNumber": e.InvoiceNumber,
		"Amount":        FormatAmount(e.TotalAmount, e.Currency),
		"DueDate":       e.DueDate.Format("2 January 2006"),
		"PortalLink":    e.PortalLink,
	})
	if err != nil {
		return Message{}, fmt.Errorf("mail: render invoice %s: %w", e.InvoiceNumber, err)
	}
	return Message{
		To:      e.To,
		Subject: "Invoice " + e.InvoiceNumber,
		Body:    body.String(),
	}, nil
}

// FormatAmount renders amount with the currency symbol and the ISO 4217
// number of minor digits. Unknown codes fall back to "<amount> <code>".
func FormatAmount(amount decimal.Decimal, code string) string {
	unit, err := currency.ParseISO(code)
	if err != nil {
		return amount.StringFixed(2) + " " + code
	}
	scale, _ := currency.Standard.Rounding(unit)
	p := message.NewPrinter(language.English)
	return p.Sprintf("%v %s", currency.Symbol(unit), amount.StringFixed(int32(scale)))
}
