// Copyright (c) 2024, Arm Limited. All rights reserved.
//
// SPDX-License-Identifier: BSD-3-Clause

package authvar

import (
	"crypto/sha256"
	"crypto/x509"

	"github.com/hashicorp/go-hclog"
	"go.mozilla.org/pkcs7"

	"github.com/stormset/sp-uefi-variable/internal/efi"
)

// Request carries everything Verify needs to validate one authenticated
// SetVariable.
type Request struct {
	GUID       efi.GUID
	Name       efi.Name
	Attributes efi.Attributes
	Payload    []byte // auth header + inner payload, as received

	// PriorTimestamp is the timestamp recorded on the last accepted
	// write to this variable (0 if never written).
	PriorTimestamp uint64
	// PriorFingerprint is the fingerprint bound on the last accepted
	// self-signed write, if any.
	PriorFingerprint *[32]byte
}

// Result is what a successful Verify returns to the UEFI Variable Store
// so it can commit the write and update the variable's auth state.
type Result struct {
	InnerPayload []byte
	Timestamp    uint64

	// Fingerprint/FingerprintBound are populated when this write went
	// through the self-signed "private authenticated variable" path;
	// trust-anchor-verified writes leave FingerprintBound false since
	// the anchor, not a pinned signer, governs authority.
	Fingerprint      [32]byte
	FingerprintBound bool
}

// Verifier validates authenticated SetVariable payloads. The crypto
// primitive (PKCS#7 parse/verify, SHA-256) is supplied by
// go.mozilla.org/pkcs7 and crypto/x509/crypto/sha256, standing in for
// whatever PSA Crypto provider a real secure partition would call out
// to.
type Verifier struct {
	log hclog.Logger

	// TrustAnchor, when non-nil, is consulted first (EFI_IMAGE_SECURITY_DATABASE
	// semantics): a signer that chains to it is trusted without
	// fingerprint pinning. Nil means every write uses the
	// self-signed-first-write policy.
	TrustAnchor *x509.CertPool
}

func New(log hclog.Logger, trustAnchor *x509.CertPool) *Verifier {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Verifier{log: log.Named("authvar"), TrustAnchor: trustAnchor}
}

// Verify parses the PKCS#7 signature carried by req.Payload, checks it
// against the canonical digest of the variable identity and inner
// payload, enforces timestamp monotonicity, and (outside the
// trust-anchor path) pins the signer fingerprint across writes.
func (v *Verifier) Verify(req Request) (Result, efi.Status) {
	header, inner, err := ParseAuthHeader(req.Payload)
	if err != nil {
		v.log.Debug("malformed auth header", "error", err)
		return Result{}, efi.CompromisedData
	}

	p7, err := pkcs7.Parse(header.Cert)
	if err != nil {
		v.log.Debug("malformed PKCS#7 signature", "error", err)
		return Result{}, efi.CompromisedData
	}
	if len(p7.Certificates) == 0 {
		return Result{}, efi.CompromisedData
	}

	digest := canonicalDigestInput(req.GUID, req.Name, req.Attributes, header.Timestamp, inner)
	p7.Content = digest

	trustedByAnchor := false
	if v.TrustAnchor != nil {
		signer := p7.Certificates[0]
		if _, err := signer.Verify(x509.VerifyOptions{Roots: v.TrustAnchor, KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageAny}}); err == nil {
			trustedByAnchor = true
		}
	}

	if err := p7.Verify(); err != nil {
		v.log.Debug("PKCS#7 signature verification failed", "error", err)
		return Result{}, efi.SecurityViolation
	}

	if header.Timestamp <= req.PriorTimestamp {
		v.log.Debug("authenticated write replay or out-of-order timestamp",
			"guid", req.GUID.String(), "new", header.Timestamp, "prior", req.PriorTimestamp)
		return Result{}, efi.SecurityViolation
	}

	result := Result{InnerPayload: inner, Timestamp: header.Timestamp}

	if !trustedByAnchor {
		fp, status := fingerprint(p7.Certificates)
		if status != efi.Success {
			return Result{}, status
		}
		if req.PriorFingerprint != nil && *req.PriorFingerprint != fp {
			v.log.Debug("authenticated write from a different principal", "guid", req.GUID.String())
			return Result{}, efi.SecurityViolation
		}
		result.Fingerprint = fp
		result.FingerprintBound = true
	}

	return result, efi.Success
}

// fingerprint computes SHA-256(signer_common_name || top_level_cert_tbs).
// The signing certificate is the first in the parsed chain, its
// CommonName read straight off pkix.Name, and the top-level certificate
// is the last in the chain.
func fingerprint(chain []*x509.Certificate) ([32]byte, efi.Status) {
	signer := chain[0]
	if signer.Subject.CommonName == "" {
		return [32]byte{}, efi.CompromisedData
	}
	topLevel := chain[len(chain)-1]

	h := sha256.New()
	h.Write([]byte(signer.Subject.CommonName))
	h.Write(topLevel.RawTBSCertificate)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out, efi.Success
}
