package acme

import "fmt"

// Links builds absolute URLs for ACME resources. Base is the external URL
// clients reach the server at, without a trailing slash.
type Links struct {
	Base string
}

func (l Links) Directory(caSerial string) string {
	return fmt.Sprintf("%s/acme/%s/directory", l.Base, caSerial)
}

func (l Links) NewNonce(caSerial string) string {
	return fmt.Sprintf("%s/acme/%s/new-nonce", l.Base, caSerial)
}

func (l Links) NewAccount(caSerial string) string {
	return fmt.Sprintf("%s/acme/%s/new-account", l.Base, caSerial)
}

func (l Links) Account(caSerial, slug string) string {
	return fmt.Sprintf("%s/acme/%s/account/%s", l.Base, caSerial, slug)
}

func (l Links) AccountOrders(caSerial, slug string) string {
	return fmt.Sprintf("%s/acme/%s/account/%s/orders", l.Base, caSerial, slug)
}

func (l Links) NewOrder(caSerial string) string {
	return fmt.Sprintf("%s/acme/%s/new-order", l.Base, caSerial)
}

func (l Links) Order(caSerial, slug string) string {
	return fmt.Sprintf("%s/acme/%s/order/%s", l.Base, caSerial, slug)
}

func (l Links) Finalize(caSerial, slug string) string {
	return fmt.Sprintf("%s/acme/%s/order/%s/finalize", l.Base, caSerial, slug)
}

func (l Links) Authorization(caSerial, slug string) string {
	return fmt.Sprintf("%s/acme/%s/authz/%s", l.Base, caSerial, slug)
}

func (l Links) Challenge(caSerial, slug string) string {
	return fmt.Sprintf("%s/acme/%s/chall/%s", l.Base, caSerial, slug)
}

func (l Links) Certificate(caSerial, slug string) string {
	return fmt.Sprintf("%s/acme/%s/cert/%s", l.Base, caSerial, slug)
}

func (l Links) RevokeCert(caSerial string) string {
	return fmt.Sprintf("%s/acme/%s/revoke-cert", l.Base, caSerial)
}

func (l Links) CRL(caSerial string) string {
	return fmt.Sprintf("%s/crl/%s", l.Base, caSerial)
}
