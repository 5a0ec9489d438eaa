// sign.go implements request signing for every supported venue. Each scheme
// is a small pure function over (credentials, request), kept here so the
// adapters stay readable.
//
//   - Coinbase Advanced: ES256 JWT per request, key name as kid, uri claim.
//   - Kraken:            API-Sign = HMAC-SHA512(path + SHA256(nonce+postdata),
//     base64-decoded secret), base64 output.
//   - OKX:              OK-ACCESS-SIGN = base64(HMAC-SHA256(ts+method+path+body)).
//   - Binance:          query-string signature = hex(HMAC-SHA256(query)).
//   - Alpaca:           plain key/secret headers, no signature.
package broker

import (
	"crypto/ecdsa"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"net/url"
	"time"
)

// krakenSign computes the API-Sign header for a private Kraken endpoint.
// postData must already contain "nonce=<n>".
func krakenSign(secret, path, nonce, postData string) (string, error) {
	secretBytes, err := base64.StdEncoding.DecodeString(secret)
	if err != nil {
		return "", fmt.Errorf("decode kraken secret: %w", err)
	}
	inner := sha256.Sum256([]byte(nonce + postData))
	mac := hmac.New(sha512.New, secretBytes)
	mac.Write([]byte(path))
	mac.Write(inner[:])
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

// okxSign computes the OK-ACCESS-SIGN header. timestamp is ISO8601 with
// milliseconds, method upper-case, path includes the query string.
func okxSign(secret, timestamp, method, path, body string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp + method + path + body))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// binanceSign signs the raw query string with HMAC-SHA256, hex-encoded.
func binanceSign(secret string, query url.Values) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(query.Encode()))
	return hex.EncodeToString(mac.Sum(nil))
}

// coinbaseJWT builds the per-request ES256 JWT for the Advanced Trade API.
// keyName is the CDP key id, keyPEM the EC private key in PEM form, and uri
// is "METHOD host/path" without query parameters.
func coinbaseJWT(keyName, keyPEM, uri string) (string, error) {
	key, err := parseECKey(keyPEM)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("jwt nonce: %w", err)
	}

	now := time.Now().Unix()
	header := map[string]any{
		"alg":   "ES256",
		"kid":   keyName,
		"nonce": hex.EncodeToString(nonce),
		"typ":   "JWT",
	}
	claims := map[string]any{
		"sub": keyName,
		"iss": "cdp",
		"nbf": now,
		"exp": now + 120,
		"uri": uri,
	}

	signingInput, err := jwtSigningInput(header, claims)
	if err != nil {
		return "", err
	}

	digest := sha256.Sum256([]byte(signingInput))
	r, s, err := ecdsa.Sign(rand.Reader, key, digest[:])
	if err != nil {
		return "", fmt.Errorf("jwt sign: %w", err)
	}

	// JWS ES256 signatures are fixed-width r||s, 32 bytes each.
	sig := make([]byte, 64)
	r.FillBytes(sig[:32])
	s.FillBytes(sig[32:])

	return signingInput + "." + base64.RawURLEncoding.EncodeToString(sig), nil
}

func jwtSigningInput(header, claims map[string]any) (string, error) {
	hb, err := json.Marshal(header)
	if err != nil {
		return "", fmt.Errorf("jwt header: %w", err)
	}
	cb, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("jwt claims: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(hb) + "." +
		base64.RawURLEncoding.EncodeToString(cb), nil
}

func parseECKey(keyPEM string) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(keyPEM))
	if block == nil {
		return nil, fmt.Errorf("coinbase key: no PEM block found")
	}
	if key, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("coinbase key: %w", err)
	}
	key, ok := parsed.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("coinbase key: not an EC key")
	}
	return key, nil
}
