package email

import (
	"bytes"
	"fmt"
	"html/template"
)

const layoutHead = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>{{.Title}}</title>
</head>
<body style="font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; margin: 0; padding: 0; background-color: #f5f5f5;">
<table role="presentation" style="width: 100%; border: 0;">
<tr><td style="padding: 40px 0; text-align: center;">
<table role="presentation" style="max-width: 480px; margin: 0 auto; background: #ffffff; border-radius: 8px; overflow: hidden;">
<tr><td style="padding: 32px 40px; text-align: center;">
<h1 style="margin: 0 0 16px; font-size: 24px; color: #1a1a1a;">{{.Title}}</h1>`

const layoutFoot = `
</td></tr>
</table>
</td></tr>
</table>
</body>
</html>`

var welcomeTemplate = template.Must(template.New("welcome").Parse(layoutHead + `
<p style="margin: 0 0 24px; color: #444; font-size: 15px; line-height: 1.5;">
Olá {{.Name}}, seu pagamento foi confirmado e sua barbearia já está ativa no plano <strong>{{.Plan}}</strong>
({{.Seats}} profissional(is), R$ {{.MonthlyValue}}/mês).
</p>
<a href="{{.LoginURL}}" style="display: inline-block; padding: 12px 32px; background: #111827; color: #ffffff; text-decoration: none; border-radius: 6px; font-size: 15px;">
Entrar
</a>` + layoutFoot))

var awaitingPaymentTemplate = template.Must(template.New("awaiting_payment").Parse(layoutHead + `
<p style="margin: 0 0 24px; color: #444; font-size: 15px; line-height: 1.5;">
Olá {{.Name}}, recebemos seu cadastro. Assim que o PIX de R$ {{.MonthlyValue}} for compensado, seu acesso é liberado automaticamente.
</p>
<p style="margin: 0 0 8px; color: #666; font-size: 13px;">Código PIX copia e cola:</p>
<p style="margin: 0 0 24px; font-family: monospace; font-size: 12px; word-break: break-all;">{{.TransferPayload}}</p>
{{if .ExpiresAt}}<p style="margin: 0; color: #999; font-size: 13px;">Válido até {{.ExpiresAt}}.</p>{{end}}` + layoutFoot))

// WelcomeData holds template data for the account-activated email.
type WelcomeData struct {
	Title        string
	Name         string
	Plan         string
	Seats        int
	MonthlyValue string
	LoginURL     string
}

// AwaitingPaymentData holds template data for the transfer-pending email.
type AwaitingPaymentData struct {
	Title           string
	Name            string
	MonthlyValue    string
	TransferPayload string
	ExpiresAt       string
}

// RenderWelcomeEmail renders the account-activated email.
func RenderWelcomeEmail(data WelcomeData) (html, text string, err error) {
	if data.Title == "" {
		data.Title = "Sua barbearia está ativa"
	}
	var buf bytes.Buffer
	if err := welcomeTemplate.Execute(&buf, data); err != nil {
		return "", "", fmt.Errorf("render welcome template: %w", err)
	}
	text = fmt.Sprintf("%s\n\nOlá %s, seu pagamento foi confirmado. Plano %s, %d profissional(is), R$ %s/mês.\n\nEntrar: %s",
		data.Title, data.Name, data.Plan, data.Seats, data.MonthlyValue, data.LoginURL)
	return buf.String(), text, nil
}

// RenderAwaitingPaymentEmail renders the transfer-pending email.
func RenderAwaitingPaymentEmail(data AwaitingPaymentData) (html, text string, err error) {
	if data.Title == "" {
		data.Title = "Aguardando pagamento"
	}
	var buf bytes.Buffer
	if err := awaitingPaymentTemplate.Execute(&buf, data); err != nil {
		return "", "", fmt.Errorf("render awaiting payment template: %w", err)
	}
	text = fmt.Sprintf("%s\n\nOlá %s, assim que o PIX de R$ %s for compensado seu acesso é liberado automaticamente.\n\nPIX copia e cola: %s",
		data.Title, data.Name, data.MonthlyValue, data.TransferPayload)
	return buf.String(), text, nil
}
