package sip

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"regexp"
)

// PBXes in the field almost universally challenge with MD5 digest and no qop,
// so that is the one scheme implemented here.

var (
	reChallengeRealm = regexp.MustCompile(`realm="([^"]+)"`)
	reChallengeNonce = regexp.MustCompile(`nonce="([^"]+)"`)
)

// digestChallenge is the relevant part of a WWW-Authenticate header.
type digestChallenge struct {
	Realm string
	Nonce string
}

// parseDigestChallenge extracts realm and nonce from a WWW-Authenticate
// header value.
func parseDigestChallenge(header string) (digestChallenge, error) {
	realm := reChallengeRealm.FindStringSubmatch(header)
	nonce := reChallengeNonce.FindStringSubmatch(header)
	if realm == nil || nonce == nil {
		return digestChallenge{}, fmt.Errorf("sip: malformed digest challenge %q", header)
	}
	return digestChallenge{Realm: realm[1], Nonce: nonce[1]}, nil
}

// digestResponse computes the RFC 2617 response hash for a challenge:
// MD5(MD5(user:realm:pass) : nonce : MD5(method:uri)).
func digestResponse(ch digestChallenge, username, password, method, uri string) string {
	ha1 := md5Hex(username + ":" + ch.Realm + ":" + password)
	ha2 := md5Hex(method + ":" + uri)
	return md5Hex(ha1 + ":" + ch.Nonce + ":" + ha2)
}

// digestAuthorization renders the Authorization header value answering ch.
func digestAuthorization(ch digestChallenge, username, password, method, uri string) string {
	response := digestResponse(ch, username, password, method, uri)
	return fmt.Sprintf(
		`Digest username="%s", realm="%s", nonce="%s", uri="%s", response="%s", algorithm=MD5`,
		username, ch.Realm, ch.Nonce, uri, response,
	)
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}
