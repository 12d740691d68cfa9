package sign

import (
	"encoding/base64"
	"strconv"
	"strings"
)

// HelloTranscript builds the canonical transcript used for signing/verifying
// hello messages. Format:
//
//	taskmesh:hello|v=1|role=<role>|alg=<alg>|ts=<unix_ms>|pub=<b64url>|nonce=<b64url>|name=<peerName>
func HelloTranscript(role, alg string, pub, nonce []byte, tsUnixMS int64, peerName string) []byte {
	b64 := base64.RawURLEncoding
	var sb strings.Builder
	sb.Grow(96 + len(peerName))
	sb.WriteString("taskmesh:hello|v=1|role=")
	sb.WriteString(strings.ToLower(strings.TrimSpace(role)))
	sb.WriteString("|alg=")
	sb.WriteString(strings.ToLower(strings.TrimSpace(alg)))
	sb.WriteString("|ts=")
	sb.WriteString(strconv.FormatInt(tsUnixMS, 10))
	sb.WriteString("|pub=")
	sb.WriteString(b64.EncodeToString(pub))
	sb.WriteString("|nonce=")
	sb.WriteString(b64.EncodeToString(nonce))
	sb.WriteString("|name=")
	sb.WriteString(peerName)
	return []byte(sb.String())
}
