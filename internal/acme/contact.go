package acme

import (
	"fmt"
	"net/mail"
	"strings"
)

const mailtoScheme = "mailto:"

// validateContacts checks the contact URLs of a new-account or account
// update request. Only mailto addresses without hfields or address lists
// are accepted (RFC 8555, section 7.3).
func validateContacts(contacts []string) *Problem {
	for _, contact := range contacts {
		if !strings.HasPrefix(contact, mailtoScheme) {
			return UnsupportedContactProblem(fmt.Sprintf("%s: Unsupported address scheme.", contact))
		}
		addr := strings.TrimPrefix(contact, mailtoScheme)
		if strings.HasPrefix(addr, `"`) {
			return InvalidContactProblem("Quoted local part in email is not allowed.")
		}
		if strings.Contains(addr, ",") {
			return InvalidContactProblem("More than one addr-spec is not allowed.")
		}
		at := strings.LastIndex(addr, "@")
		if at < 0 || at == len(addr)-1 {
			return InvalidContactProblem(fmt.Sprintf("%s: Not a valid email address.", addr))
		}
		domain := addr[at+1:]
		if strings.Contains(domain, "?") {
			return InvalidContactProblem(fmt.Sprintf("%s: hfields are not allowed.", domain))
		}
		if _, err := mail.ParseAddress(addr); err != nil {
			return InvalidContactProblem(fmt.Sprintf("%s: Not a valid email address.", domain))
		}
	}
	return nil
}
