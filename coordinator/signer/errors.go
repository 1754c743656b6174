package signer

import (
	"fmt"
	"net/http"

	"github.com/pkg/errors"
)

// ErrMalformedHostname is returned when a host string cannot be parsed as a
// url or host:port pair.
var ErrMalformedHostname = errors.New("hostname must include port, separated by one colon, like example.com:3500")

// ErrNotOK is returned when a signer endpoint answers with a non-2xx code.
var ErrNotOK = errors.New("did not receive 2xx response from signer")

// ErrInvalidKeyFormat is returned when the signer hands back key material
// that is not a 65-byte uncompressed secp256k1 point.
var ErrInvalidKeyFormat = errors.New("invalid public key format from signer")

// ErrSignerTimeout is returned when a signer request exceeds its deadline.
var ErrSignerTimeout = errors.New("signer request timed out")

func non200Err(resp *http.Response) error {
	return errors.Wrap(ErrNotOK, fmt.Sprintf("url=%s, status=%d", resp.Request.URL, resp.StatusCode))
}
