// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

// Package sigv4 signs graph database requests with AWS Signature Version 4.
//
// The database accepts the host and x-amz-date headers as the only signed
// headers, so the signature here covers a smaller surface than general
// SigV4 implementations do.
package sigv4

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"slices"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"k8s.io/utils/clock"
)

var (
	// Error is the default sigv4 errs class.
	Error = errs.Class("sigv4")

	mon = monkit.Package()
)

const (
	service       = "neptune-db"
	algorithm     = "AWS4-HMAC-SHA256"
	signedHeaders = "host;x-amz-date"
)

// canonicalURIs maps a query type onto the request path the signature
// covers.
var canonicalURIs = map[string]string{
	"sparql":         "/sparql",
	"gremlin":        "/gremlin",
	"gremlin_stream": "/gremlin/stream",
	"sparql_stream":  "/sparql/stream",
}

// Credentials hold an AWS access key pair plus an optional session token.
type Credentials struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
}

// CredentialSource produces the credentials a request is signed with.
type CredentialSource interface {
	Credentials(ctx context.Context) (Credentials, error)
}

// StaticCredentials is a CredentialSource that always returns the same keys.
type StaticCredentials Credentials

// Credentials implements CredentialSource.
func (creds StaticCredentials) Credentials(ctx context.Context) (Credentials, error) {
	return Credentials(creds), nil
}

// AWSCredentials adapts an AWS SDK credentials provider to a
// CredentialSource.
type AWSCredentials struct {
	Provider aws.CredentialsProvider
}

// Credentials implements CredentialSource.
func (a AWSCredentials) Credentials(ctx context.Context) (Credentials, error) {
	creds, err := a.Provider.Retrieve(ctx)
	if err != nil {
		return Credentials{}, Error.Wrap(err)
	}
	return Credentials{
		AccessKeyID:     creds.AccessKeyID,
		SecretAccessKey: creds.SecretAccessKey,
		SessionToken:    creds.SessionToken,
	}, nil
}

// Param is a single request parameter. Parameters keep their insertion
// order so that the signed payload matches the sent payload byte for byte.
type Param struct {
	Key   string
	Value string
}

// Signer signs requests against a single region.
type Signer struct {
	region string
	source CredentialSource
	clock  clock.PassiveClock
}

// New creates a Signer for the region using credentials from source.
func New(region string, source CredentialSource) *Signer {
	return NewWithClock(region, source, clock.RealClock{})
}

// NewWithClock creates a Signer with the given clock.
func NewWithClock(region string, source CredentialSource, clk clock.PassiveClock) *Signer {
	return &Signer{
		region: region,
		source: source,
		clock:  clk,
	}
}

// SignedHeaders computes the headers that authenticate a request of the
// given method and query type against host. The returned map always
// carries x-amz-security-token, empty when the credentials have no
// session token.
func (signer *Signer) SignedHeaders(ctx context.Context, host, method, queryType string, params []Param) (_ map[string]string, err error) {
	defer mon.Task()(&ctx)(&err)

	canonicalURI, ok := canonicalURIs[queryType]
	if !ok {
		return nil, Error.New("unknown query type %q", queryType)
	}

	creds, err := signer.source.Credentials(ctx)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	requestParameters := EncodePayload(params)

	now := signer.clock.Now().UTC()
	amzdate := now.Format("20060102T150405Z")
	datestamp := now.Format("20060102")

	var canonicalQuery, payload string
	switch method {
	case http.MethodGet:
		canonicalQuery = normalizeQueryString(requestParameters)
	case http.MethodPost:
		payload = requestParameters
	default:
		return nil, Error.New("unsupported request method %q", method)
	}

	canonicalHeaders := "host:" + host + "\n" + "x-amz-date:" + amzdate + "\n"
	canonicalRequest := method + "\n" + canonicalURI + "\n" + canonicalQuery +
		"\n" + canonicalHeaders + "\n" + signedHeaders + "\n" + sha256hex(payload)

	credentialScope := datestamp + "/" + signer.region + "/" + service + "/aws4_request"
	stringToSign := algorithm + "\n" + amzdate + "\n" + credentialScope +
		"\n" + sha256hex(canonicalRequest)

	signingKey := signatureKey(creds.SecretAccessKey, datestamp, signer.region)
	signature := hex.EncodeToString(hmacSHA256(signingKey, stringToSign))

	authorization := algorithm + " " +
		"Credential=" + creds.AccessKeyID + "/" + credentialScope + ", " +
		"SignedHeaders=" + signedHeaders + ", " +
		"Signature=" + signature

	return map[string]string{
		"x-amz-date":           amzdate,
		"Authorization":        authorization,
		"x-amz-security-token": creds.SessionToken,
	}, nil
}

// EncodePayload urlencodes params with spaces as %20 and single quotes
// sent as encoded double quotes. The result is used both as the signed
// payload and as the wire payload.
func EncodePayload(params []Param) string {
	var b strings.Builder
	for i, p := range params {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(quote(p.Key))
		b.WriteByte('=')
		b.WriteString(quote(p.Value))
	}
	return strings.ReplaceAll(b.String(), "%27", "%22")
}

// quote percent-encodes everything except unreserved characters and '/'.
func quote(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9',
			c == '_', c == '.', c == '-', c == '~', c == '/':
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "%%%02X", c)
		}
	}
	return b.String()
}

// normalizeQueryString sorts the query parameters by name for the
// canonical request.
func normalizeQueryString(query string) string {
	var pairs [][]string
	for _, s := range strings.Split(query, "&") {
		if len(s) == 0 {
			continue
		}
		parts := strings.Split(s, "=")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		pairs = append(pairs, parts)
	}
	sort.Slice(pairs, func(i, j int) bool {
		return slices.Compare(pairs[i], pairs[j]) < 0
	})

	normalized := make([]string, 0, len(pairs))
	for _, p := range pairs {
		value := ""
		if len(p) > 1 {
			value = p[1]
		}
		normalized = append(normalized, p[0]+"="+value)
	}
	return strings.Join(normalized, "&")
}

// signatureKey derives the signing key from the secret access key using
// the date, region and service.
func signatureKey(secret, datestamp, region string) []byte {
	kDate := hmacSHA256([]byte("AWS4"+secret), datestamp)
	kRegion := hmacSHA256(kDate, region)
	kService := hmacSHA256(kRegion, service)
	return hmacSHA256(kService, "aws4_request")
}

func hmacSHA256(key []byte, msg string) []byte {
	mac := hmac.New(sha256.New, key)
	_, _ = mac.Write([]byte(msg))
	return mac.Sum(nil)
}

func sha256hex(data string) string {
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])
}
