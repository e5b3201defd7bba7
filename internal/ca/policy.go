package ca

import (
	"crypto/x509"
	"fmt"
	"time"

	"github.com/certforge/certforge/internal/profile"
)

// LeafOnlyPolicy rejects any template that would produce a CA certificate.
// Issued extensions are already encoded at check time, so the basicConstraints
// DER is inspected directly.
func LeafOnlyPolicy() profile.PolicyCheck {
	return func(template *x509.Certificate, sans []profile.GeneralName) error {
		for _, ext := range template.ExtraExtensions {
			if !ext.Id.Equal([]int{2, 5, 29, 19}) {
				continue
			}
			// A non-empty basicConstraints SEQUENCE starts with the cA
			// BOOLEAN; an empty SEQUENCE (30 00) means cA=false.
			if len(ext.Value) > 2 {
				return &profile.PolicyError{Policy: "leaf-only", Reason: "CA certificates cannot be issued through this channel"}
			}
		}
		return nil
	}
}

// LifetimePolicy rejects templates whose validity window exceeds max.
func LifetimePolicy(max time.Duration) profile.PolicyCheck {
	return func(template *x509.Certificate, sans []profile.GeneralName) error {
		if lifetime := template.NotAfter.Sub(template.NotBefore); lifetime > max+5*time.Minute {
			return &profile.PolicyError{
				Policy: "lifetime",
				Reason: fmt.Sprintf("requested lifetime %s exceeds the maximum of %s", lifetime, max),
			}
		}
		return nil
	}
}
