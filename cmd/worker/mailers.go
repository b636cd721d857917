package main

import (
	"mailtask/internal/domain"
	"mailtask/internal/mailer"
)

// registerMailers wires the message builders this worker can deliver.
func registerMailers(reg *mailer.Registry, from string) {
	reg.Register(domain.MailerIdentity{Class: "AccountMailer", Action: "welcome"}, mailer.TemplateBuilder(from, mailer.Template{
		Subject: "Welcome, {name}",
		Text:    "Hi {name},\n\nYour account is ready. Sign in any time at {login_url}.\n",
		HTML:    "<p>Hi {name},</p><p>Your account is ready. <a href=\"{login_url}\">Sign in</a> any time.</p>",
	}))
	reg.Register(domain.MailerIdentity{Class: "AccountMailer", Action: "password_reset"}, mailer.TemplateBuilder(from, mailer.Template{
		Subject: "Reset your password",
		Text:    "Hi {name},\n\nUse this link to reset your password: {reset_url}\nIt expires in {ttl_minutes} minutes.\n",
	}))
	reg.Register(domain.MailerIdentity{Class: "BillingMailer", Action: "receipt"}, mailer.TemplateBuilder(from, mailer.Template{
		Subject: "Receipt {ref}",
		Text:    "Thanks {name}. We received {amount} for order {ref}.\n",
		HTML:    "<p>Thanks {name}.</p><p>We received <b>{amount}</b> for order {ref}.</p>",
	}))
}
