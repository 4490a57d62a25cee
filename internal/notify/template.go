package notify

import "strings"

// Template is a plain-text mail template. Variables appear as {{name}} and
// are substituted from the event payload.
type Template struct {
	Subject string
	Body    string
}

// Render substitutes every {{key}} occurrence in subject and body.
func (t Template) Render(vars map[string]string) (subject, body string) {
	subject, body = t.Subject, t.Body
	for k, v := range vars {
		needle := "{{" + k + "}}"
		subject = strings.ReplaceAll(subject, needle, v)
		body = strings.ReplaceAll(body, needle, v)
	}
	return subject, body
}

// DefaultTemplates keys mail templates by event type. Events without a
// template are not mailed.
func DefaultTemplates() map[string]Template {
	return map[string]Template{
		"borrow_confirmation": {
			Subject: "Borrow confirmation: {{book_title}}",
			Body: "You have borrowed \"{{book_title}}\" (ISBN {{isbn}}).\n" +
				"Borrowed: {{borrow_date}}\nDue back: {{due_date}}\n\n" +
				"Please return the book on time.",
		},
		"return_receipt": {
			Subject: "Return receipt: {{book_title}}",
			Body: "You have returned \"{{book_title}}\" (ISBN {{isbn}}) on {{return_date}}.\n" +
				"Outstanding fine: {{fine_amount}}",
		},
		"overdue_notice": {
			Subject: "Overdue: {{book_title}}",
			Body: "\"{{book_title}}\" was due on {{due_date}} and is {{days_overdue}} day(s) late.\n" +
				"Please return it as soon as possible.",
		},
		"reservation_ready": {
			Subject: "A copy of {{book_title}} is available",
			Body: "A copy of \"{{book_title}}\" (ISBN {{isbn}}) has been returned and you are " +
				"first in the queue.\nBorrow it before {{expires_at}} or your reservation expires.",
		},
	}
}
