package ap

import (
	"context"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"net/http"
	"strings"
	"time"

	"github.com/go-fed/httpsig"

	"github.com/stridefed/stride/internal/apperr"
)

// maxDateSkew bounds the age of a signed request. Anything whose Date header
// is further than this from server time is rejected as a replay.
const maxDateSkew = 30 * time.Second

var signedHeaders = []string{httpsig.RequestTarget, "host", "date", "digest"}

// SignRequest signs an outgoing POST with draft-cavage HTTP signatures over
// (request-target), host, date and digest. The Date and Host headers are set
// here; the digest is computed by the signer from body.
func SignRequest(req *http.Request, body []byte, keyID string, privKey *rsa.PrivateKey) error {
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	req.Header.Set("Host", req.URL.Host)

	signer, _, err := httpsig.NewSigner(
		[]httpsig.Algorithm{httpsig.RSA_SHA256},
		httpsig.DigestSha256,
		signedHeaders,
		httpsig.Signature,
		0,
	)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, err, "create signer")
	}
	if err := signer.SignRequest(privKey, keyID, req, body); err != nil {
		return apperr.Wrap(apperr.KindInternal, err, "sign request")
	}
	return nil
}

// KeyResolver resolves a signature keyId to the RSA public key that should
// have produced it.
type KeyResolver interface {
	ResolveKey(ctx context.Context, keyID string) (*rsa.PublicKey, error)
}

// VerifyRequest checks an inbound request's HTTP signature before any of the
// body is interpreted. The checks the go-fed verifier does not perform are
// done here: the Date header must be within maxDateSkew of server time
// (StaleRequest), and the Digest header must match the SHA-256 of the body
// actually received (SignatureInvalid). Returns the verified keyId.
func VerifyRequest(req *http.Request, body []byte, resolver KeyResolver) (string, error) {
	if err := checkDate(req); err != nil {
		return "", err
	}
	if err := checkDigest(req, body); err != nil {
		return "", err
	}

	verifier, err := httpsig.NewVerifier(req)
	if err != nil {
		return "", apperr.Wrap(apperr.KindSignatureInvalid, err, "missing or malformed signature header")
	}
	keyID := verifier.KeyId()

	pubKey, err := resolver.ResolveKey(req.Context(), keyID)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindNotFound {
			return "", apperr.Wrap(apperr.KindKeyUnavailable, err, "no key for %s", keyID)
		}
		return "", apperr.Wrap(apperr.KindKeyUnavailable, err, "resolve key %s", keyID)
	}

	if err := verifier.Verify(pubKey, httpsig.RSA_SHA256); err != nil {
		return "", apperr.Wrap(apperr.KindSignatureInvalid, err, "signature verification failed")
	}
	return keyID, nil
}

func checkDate(req *http.Request) error {
	dateHdr := req.Header.Get("Date")
	if dateHdr == "" {
		return apperr.E(apperr.KindSignatureInvalid, "missing Date header")
	}
	sent, err := http.ParseTime(dateHdr)
	if err != nil {
		return apperr.E(apperr.KindSignatureInvalid, "unparseable Date header %q", dateHdr)
	}
	skew := time.Since(sent)
	if skew < 0 {
		skew = -skew
	}
	if skew > maxDateSkew {
		return apperr.E(apperr.KindStaleRequest, "request Date %s outside %s window", dateHdr, maxDateSkew)
	}
	return nil
}

func checkDigest(req *http.Request, body []byte) error {
	digestHdr := req.Header.Get("Digest")
	if digestHdr == "" {
		return apperr.E(apperr.KindSignatureInvalid, "missing Digest header")
	}
	want := ""
	for _, part := range strings.Split(digestHdr, ",") {
		algo, val, ok := strings.Cut(strings.TrimSpace(part), "=")
		if ok && strings.EqualFold(algo, "SHA-256") {
			want = val
			break
		}
	}
	if want == "" {
		return apperr.E(apperr.KindSignatureInvalid, "no SHA-256 digest in %q", digestHdr)
	}
	sum := sha256.Sum256(body)
	got := base64.StdEncoding.EncodeToString(sum[:])
	if got != want {
		return apperr.E(apperr.KindSignatureInvalid, "Digest does not match request body")
	}
	return nil
}
