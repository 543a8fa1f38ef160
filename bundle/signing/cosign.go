// Package signing verifies bundle signatures with sigstore's cosign.
package signing

import (
	"context"
	"crypto/x509"
	"fmt"
	"time"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/sigstore/cosign/v2/pkg/cosign"
	"github.com/sigstore/cosign/v2/pkg/oci"
	ociremote "github.com/sigstore/cosign/v2/pkg/oci/remote"
	sigs "github.com/sigstore/cosign/v2/pkg/signature"
	"github.com/sigstore/sigstore/pkg/fulcioroots"

	"github.com/skillhost-dev/skillhost/bundle"
	"github.com/skillhost-dev/skillhost/bundle/values"
)

// CosignVerifier implements bundle.SignatureVerifier using cosign. With
// public keys configured it verifies offline against them; otherwise it
// runs keyless verification against Fulcio certificates and the Rekor
// transparency log.
type CosignVerifier struct {
	publicKeys  []string
	oidcIssuers []string
}

var _ bundle.SignatureVerifier = (*CosignVerifier)(nil)

// NewCosignVerifier creates a cosign-based verifier. Keys are cosign key
// references (paths, KMS URIs). Without keys and issuers, keyless
// verification accepts the public CI token issuers.
func NewCosignVerifier(publicKeys []string, oidcIssuers []string) *CosignVerifier {
	if len(oidcIssuers) == 0 {
		oidcIssuers = []string{
			"https://token.actions.githubusercontent.com",
			"https://gitlab.com",
		}
	}

	return &CosignVerifier{
		publicKeys:  publicKeys,
		oidcIssuers: oidcIssuers,
	}
}

// VerifySignature checks the signature of a remote bundle reference.
func (v *CosignVerifier) VerifySignature(ctx context.Context, ref values.Reference) (*bundle.SignatureResult, error) {
	if ref.Kind() != values.KindOCI {
		return nil, fmt.Errorf("signature verification requires an OCI reference, got %s", ref.String())
	}
	imgRef, err := name.ParseReference(ref.Locator())
	if err != nil {
		return nil, fmt.Errorf("parse reference %s: %w", ref.Locator(), err)
	}

	opts := &cosign.CheckOpts{
		RegistryClientOpts: []ociremote.Option{
			ociremote.WithRemoteOptions(remote.WithAuthFromKeychain(authn.DefaultKeychain)),
		},
		ClaimVerifier: cosign.SimpleClaimVerifier,
	}

	if len(v.publicKeys) > 0 {
		return v.verifyWithPublicKeys(ctx, imgRef, opts)
	}
	return v.verifyKeyless(ctx, imgRef, opts)
}

// verifyWithPublicKeys tries each configured key until one validates a
// signature. Key-based verification is offline: there is no Fulcio
// identity, and the transparency log is not required.
func (v *CosignVerifier) verifyWithPublicKeys(ctx context.Context, imgRef name.Reference, opts *cosign.CheckOpts) (*bundle.SignatureResult, error) {
	opts.IgnoreTlog = true
	opts.IgnoreSCT = true

	var lastErr error
	for _, keyRef := range v.publicKeys {
		verifier, err := sigs.PublicKeyFromKeyRef(ctx, keyRef)
		if err != nil {
			lastErr = fmt.Errorf("load public key %s: %w", keyRef, err)
			continue
		}
		opts.SigVerifier = verifier

		checked, _, err := cosign.VerifyImageSignatures(ctx, imgRef, opts)
		if err != nil {
			lastErr = err
			continue
		}
		if len(checked) > 0 {
			return resultFrom(checked[0], keyRef), nil
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no public keys configured")
	}
	return nil, fmt.Errorf("no valid signatures found: %w", lastErr)
}

// verifyKeyless checks the signing certificate against the Fulcio roots
// and requires a Rekor transparency log entry.
func (v *CosignVerifier) verifyKeyless(ctx context.Context, imgRef name.Reference, opts *cosign.CheckOpts) (*bundle.SignatureResult, error) {
	roots, err := fulcioroots.Get()
	if err != nil {
		return nil, fmt.Errorf("fulcio roots: %w", err)
	}
	intermediates, err := fulcioroots.GetIntermediates()
	if err != nil {
		return nil, fmt.Errorf("fulcio intermediates: %w", err)
	}
	opts.RootCerts = roots
	opts.IntermediateCerts = intermediates

	if opts.RekorPubKeys, err = cosign.GetRekorPubs(ctx); err != nil {
		return nil, fmt.Errorf("rekor public keys: %w", err)
	}
	if opts.CTLogPubKeys, err = cosign.GetCTLogPubs(ctx); err != nil {
		return nil, fmt.Errorf("ct log public keys: %w", err)
	}

	// Any subject from an accepted issuer passes. Pinning exact signer
	// identities is the operator's call, via configuration.
	for _, issuer := range v.oidcIssuers {
		opts.Identities = append(opts.Identities, cosign.Identity{
			Issuer:        issuer,
			SubjectRegExp: ".*",
		})
	}

	checked, _, err := cosign.VerifyImageSignatures(ctx, imgRef, opts)
	if err != nil {
		return nil, fmt.Errorf("keyless verification: %w", err)
	}
	if len(checked) == 0 {
		return nil, fmt.Errorf("no valid signatures found")
	}
	return resultFrom(checked[0], ""), nil
}

// resultFrom flattens a checked signature into the shape callers log and
// display.
func resultFrom(sig oci.Signature, fallbackSigner string) *bundle.SignatureResult {
	result := &bundle.SignatureResult{Verified: true, Signer: fallbackSigner}

	if cert, err := sig.Cert(); err == nil && cert != nil {
		if signer := certSigner(cert); signer != "" {
			result.Signer = signer
		}
	}
	if b, err := sig.Bundle(); err == nil && b != nil {
		result.SignedAt = time.Unix(b.Payload.IntegratedTime, 0).UTC()
		result.TransparencyLog = b.Payload.LogID
	}
	return result
}

// certSigner pulls the subject identity out of a Fulcio certificate.
func certSigner(cert *x509.Certificate) string {
	if len(cert.EmailAddresses) > 0 {
		return cert.EmailAddresses[0]
	}
	if len(cert.URIs) > 0 {
		return cert.URIs[0].String()
	}
	return cert.Subject.CommonName
}
