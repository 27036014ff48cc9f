package gateway

import (
	"encoding/base64"

	qrcode "github.com/skip2/go-qrcode"
)

const qrSize = 256

// RenderQR turns a pairing code into a PNG data URL the web UI can show
// directly in an <img>.
func RenderQR(code string) (string, error) {
	png, err := qrcode.Encode(code, qrcode.Medium, qrSize)
	if err != nil {
		return "", err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}
