package notify

import (
	"fmt"
	"net/url"
	"strings"
)

// Message is a rendered notice. SMS uses Text only.
type Message struct {
	Subject string
	Body    string
	Text    string
}

// Templates renders notices. FrontendURL is the base of the email verification link.
type Templates struct {
	FrontendURL string
	ProductName string
}

func (t Templates) product() string {
	if t.ProductName == "" {
		return "Cosmical"
	}
	return t.ProductName
}

func greeting(name string) string {
	if name == "" {
		return "Hello,"
	}
	return "Hello " + name + ","
}

// VerificationLink returns the link carrying an email token.
func (t Templates) VerificationLink(token string) string {
	base := strings.TrimRight(t.FrontendURL, "/")
	return base + "/verify-email?token=" + url.QueryEscape(token)
}

func (t Templates) EmailChallenge(name, token string) Message {
	return Message{
		Subject: "Verify your " + t.product() + " email address",
		Body: fmt.Sprintf("%s\n\nConfirm your email address by opening the link below within 24 hours:\n\n%s\n\nIf you did not register, ignore this message.\n",
			greeting(name), t.VerificationLink(token)),
	}
}

func (t Templates) PhoneChallenge(code string) Message {
	return Message{Text: fmt.Sprintf("Your %s verification code is %s. It expires in 10 minutes.", t.product(), code)}
}

func (t Templates) Warning(name string, hoursRemaining int) Message {
	unit := "hours"
	if hoursRemaining == 1 {
		unit = "hour"
	}
	body := fmt.Sprintf("%s\n\nYour %s registration will expire in %d %s. Complete email and phone verification before then or the registration will be removed.\n",
		greeting(name), t.product(), hoursRemaining, unit)
	return Message{
		Subject: "Your " + t.product() + " registration expires soon",
		Body:    body,
		Text:    fmt.Sprintf("Your %s registration expires in %d %s. Finish verification to keep it.", t.product(), hoursRemaining, unit),
	}
}

func (t Templates) Expiration(name string) Message {
	return Message{
		Subject: "Your " + t.product() + " registration has expired",
		Body:    fmt.Sprintf("%s\n\nYour registration was not verified in time and has expired. You are welcome to register again.\n", greeting(name)),
		Text:    fmt.Sprintf("Your %s registration expired before verification completed.", t.product()),
	}
}

func (t Templates) ProvisioningFailure(handle, step string) Message {
	return Message{
		Subject: fmt.Sprintf("[%s] provisioning failed for %s", t.product(), handle),
		Body:    fmt.Sprintf("Provisioning of account %q failed at step %s. The account remains verified and can be retried.\n", handle, step),
		Text:    fmt.Sprintf("Provisioning failed for %s at %s.", handle, step),
	}
}

func (t Templates) Welcome(name, handle, platformEmail, initialPassword string) Message {
	return Message{
		Subject: "Welcome to " + t.product(),
		Body: fmt.Sprintf("%s\n\nYour account %s is ready. Your platform address is %s.\n\n"+
			"Initial password: %s\nThis is the only time it is sent. Change it with passwd after your first login.\n",
			greeting(name), handle, platformEmail, initialPassword),
		Text: fmt.Sprintf("Your %s account %s is ready.", t.product(), handle),
	}
}
