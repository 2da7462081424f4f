package sharing

import (
	"encoding/json"

	qrcode "github.com/skip2/go-qrcode"
)

// DisclosureAction tags the payload so scanners can recognize it.
const DisclosureAction = "medvault-scan"

// Disclosure is the QR-transported bundle a recipient needs: the token to
// clone the staging repository and the key to decrypt what it holds. The
// private key exists nowhere else.
type Disclosure struct {
	Action                 string `json:"action"`
	EphemeralPrivateKeyHex string `json:"ephemeralPrivateKeyHex"`
	SessionToken           string `json:"sessionToken"`
	StagingRepoID          string `json:"stagingRepoId"`
	ExpiresAtUnixSeconds   int64  `json:"expiresAtUnixSeconds"`
	EndpointURL            string `json:"endpointUrl"`
}

// JSON returns the wire encoding scanners consume.
func (d *Disclosure) JSON() ([]byte, error) {
	return json.Marshal(d)
}

// QRPNG renders the payload as a QR code PNG of the given pixel size.
func (d *Disclosure) QRPNG(size int) ([]byte, error) {
	raw, err := d.JSON()
	if err != nil {
		return nil, err
	}
	return qrcode.Encode(string(raw), qrcode.Medium, size)
}
