package composer

import "fmt"

// SubjectMarker is the phrase every donation request subject carries.
// Replies to a request are recognised by it.
const SubjectMarker = "Email Access Request"

// ReplySubject returns the subject of the donation request answering a
// message with the given subject.
func ReplySubject(subject string) string {
	return fmt.Sprintf("Re: %s - %s", subject, SubjectMarker)
}

// FormatAmount renders cents as a dollar amount, e.g. 100 -> "$1.00".
func FormatAmount(cents int64) string {
	return fmt.Sprintf("$%d.%02d", cents/100, cents%100)
}

// TemplateBody is the deterministic donation request body.
func TemplateBody(charityName string, amountCents int64, paymentURL string) string {
	amount := FormatAmount(amountCents)
	return fmt.Sprintf(`Hello,

Thank you for your email. To help manage my inbox and reduce spam, I use an email filtering system that asks unknown senders for a small %[1]s donation before their message reaches me.

This one-time donation to %[2]s grants you permanent access to my inbox for future emails.

Complete your %[1]s donation here: %[3]s

Once your payment is confirmed:
- Your original email will be delivered to my inbox
- You'll be added to my known contacts list for future emails
- All future emails from you will bypass the filtering system

Thank you for understanding and for supporting %[2]s!

Best regards,
Email Guardian System`, amount, charityName, paymentURL)
}

// ManualInstructionsBody is sent when no payment link could be created.
func ManualInstructionsBody(charityName string, amountCents int64) string {
	amount := FormatAmount(amountCents)
	return fmt.Sprintf(`Hello,

Thank you for your email. To help manage my inbox and reduce spam, I use an email filtering system that asks unknown senders for a small %[1]s donation before their message reaches me.

This one-time donation to %[2]s grants you permanent access to my inbox for future emails.

Our payment page is temporarily unavailable. Please reply to this message and we will send you payment instructions for your %[1]s donation.

Once your payment is confirmed, your original email will be delivered to my inbox and all future emails from you will bypass the filtering system.

Thank you for understanding and for supporting %[2]s!

Best regards,
Email Guardian System`, amount, charityName)
}
