package main

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"
)

// b64u is base64url no padding
func b64u(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

func must(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
}

// tokengen mints an HS256 bearer token for a release-gate instance running
// with RELEASE_GATE_AUTH_SECRET set. Intended for local testing and smoke
// scripts, not production issuance.
func main() {
	secret := flag.String("secret", os.Getenv("RELEASE_GATE_AUTH_SECRET"), "HMAC secret the service verifies with")
	email := flag.String("email", "dev@example.com", "actor email (email claim)")
	expSecs := flag.Int("exp-secs", 3600, "token expiry in seconds")
	flag.Parse()

	if *secret == "" {
		fmt.Fprintln(os.Stderr, "error: -secret or RELEASE_GATE_AUTH_SECRET required")
		os.Exit(2)
	}

	header := map[string]interface{}{"alg": "HS256", "typ": "JWT"}
	now := time.Now().Unix()
	payload := map[string]interface{}{
		"email": *email,
		"sub":   *email,
		"iat":   now,
		"exp":   now + int64(*expSecs),
	}

	hb, err := json.Marshal(header)
	must(err)
	pb, err := json.Marshal(payload)
	must(err)

	signingInput := b64u(hb) + "." + b64u(pb)
	mac := hmac.New(sha256.New, []byte(*secret))
	mac.Write([]byte(signingInput))

	fmt.Println(signingInput + "." + b64u(mac.Sum(nil)))
}
