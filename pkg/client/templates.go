package client

import (
	"bytes"
	"strings"
	"text/template"

	"github.com/luxwatch/orderservice/pkg/model"
	"github.com/pkg/errors"
)

type emailTemplate struct {
	subject *template.Template
	body    *template.Template
}

var funcs = template.FuncMap{
	"money": model.FormatCents,
	"ref":   model.ShortRef,
}

func mustTemplate(name, subject, body string) emailTemplate {
	return emailTemplate{
		subject: template.Must(template.New(name + "_subject").Funcs(funcs).Parse(subject)),
		body:    template.Must(template.New(name + "_body").Funcs(funcs).Parse(body)),
	}
}

var emailTemplates = map[model.EmailKind]emailTemplate{
	model.EmailPaymentReceived: mustTemplate("payment_received",
		`Payment received for order #{{ref .OrderID}}`,
		`Hello{{with .CustomerName}} {{.}}{{end}},

We have received your payment of {{money .Total}}{{with .USDTAmount}} ({{.}} USDT){{end}} for order #{{ref .OrderID}}.
{{range .Items}}
- {{.Brand}} {{.Name}} x{{.Quantity}} {{money .UnitPrice}}{{end}}

Your watch is now being prepared for shipment.
`),
	model.EmailOrderShipped: mustTemplate("order_shipped",
		`Your order #{{ref .OrderID}} has shipped`,
		`Hello{{with .CustomerName}} {{.}}{{end}},

Your order #{{ref .OrderID}} is on its way.
{{with .TrackingNumber}}Tracking number: {{.}}
{{end}}{{with .ShippingAddress}}
Shipping to:
{{with .FullName}}{{.}}
{{end}}{{.Address}}
{{with .City}}{{.}} {{end}}{{.PostalCode}}
{{.Country}}
{{end}}`),
	model.EmailTrackingUpdate: mustTemplate("tracking_update",
		`Update on order #{{ref .OrderID}}`,
		`Hello{{with .CustomerName}} {{.}}{{end}},

There is a new update for order #{{ref .OrderID}}.
{{with .Tracking}}
{{.Status.Label}}{{with .Location}} - {{.}}{{end}}
{{.Description}}
{{end}}{{with .TrackingNumber}}Tracking number: {{.}}
{{end}}`),
}

// Render builds subject and plain-text body for an email kind.
func Render(kind model.EmailKind, data model.EmailData) (string, string, error) {
	tpl, ok := emailTemplates[kind]
	if !ok {
		return "", "", errors.Errorf("unknown email kind %q", kind)
	}
	var subject, body bytes.Buffer
	if err := tpl.subject.Execute(&subject, data); err != nil {
		return "", "", errors.Wrapf(err, "render %s subject", kind)
	}
	if err := tpl.body.Execute(&body, data); err != nil {
		return "", "", errors.Wrapf(err, "render %s body", kind)
	}
	return strings.TrimSpace(subject.String()), body.String(), nil
}
