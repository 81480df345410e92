// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package stream

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"storj.io/graphrelay/sigv4"
)

// Query languages of the source cluster.
const (
	LanguageGremlin = "gremlin"
	LanguageSparql  = "sparql"
)

// Iterator types understood by the stream endpoint.
const (
	iteratorTrimHorizon         = "TRIM_HORIZON"
	iteratorAfterSequenceNumber = "AFTER_SEQUENCE_NUMBER"
)

// Config holds configuration for the stream reader.
type Config struct {
	Endpoint string        `help:"change stream endpoint url" default:""`
	IAMAuth  bool          `help:"sign stream requests with sigv4" default:"false"`
	Timeout  time.Duration `help:"http timeout for one stream read" default:"1m"`
}

// Reader issues reads against the change stream endpoint.
type Reader struct {
	log      *zap.Logger
	endpoint string
	host     string
	language string
	signer   *sigv4.Signer
	client   *http.Client
}

// NewReader creates a Reader for the configured endpoint. The query
// language is derived from the endpoint path; signer may be nil when
// IAM auth is disabled.
func NewReader(log *zap.Logger, config Config, signer *sigv4.Signer) (*Reader, error) {
	language, err := Language(config.Endpoint)
	if err != nil {
		return nil, err
	}
	parsed, err := url.Parse(config.Endpoint)
	if err != nil {
		return nil, Error.New("invalid stream endpoint %q: %v", config.Endpoint, err)
	}
	if config.IAMAuth && signer == nil {
		return nil, Error.New("iam auth is enabled but no signer is configured")
	}
	if !config.IAMAuth {
		signer = nil
	}
	return &Reader{
		log:      log,
		endpoint: config.Endpoint,
		host:     parsed.Host,
		language: language,
		signer:   signer,
		client:   &http.Client{Timeout: config.Timeout},
	}, nil
}

// Language derives the query language from the stream endpoint.
func Language(endpoint string) (string, error) {
	lowered := strings.ToLower(endpoint)
	switch {
	case strings.Contains(lowered, LanguageGremlin):
		return LanguageGremlin, nil
	case strings.Contains(lowered, LanguageSparql):
		return LanguageSparql, nil
	default:
		return "", Error.New("invalid stream endpoint %q: cannot derive query language", endpoint)
	}
}

// Language returns the query language of the source cluster.
func (reader *Reader) Language() string {
	return reader.language
}

// Fetch reads up to limit records after the given position. Position
// (0,0) reads from the trim horizon. Returns ErrEndOfStream when the
// cursor points past the head of the stream, a GapError when the
// response skips a commit.
func (reader *Reader) Fetch(ctx context.Context, limit int, commitNum, opNum int64) (_ *Batch, err error) {
	defer mon.Task()(&ctx)(&err)

	params := []sigv4.Param{
		{Key: "limit", Value: strconv.Itoa(limit)},
		{Key: "commitNum", Value: strconv.FormatInt(commitNum, 10)},
		{Key: "opNum", Value: strconv.FormatInt(opNum, 10)},
		{Key: "iteratorType", Value: iteratorAfterSequenceNumber},
	}
	startingCommit := commitNum
	if commitNum == 0 && opNum == 0 {
		params = []sigv4.Param{
			{Key: "limit", Value: strconv.Itoa(limit)},
			{Key: "iteratorType", Value: iteratorTrimHorizon},
		}
		startingCommit = -1
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		reader.endpoint+"?"+sigv4.EncodePayload(params), nil)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	if reader.signer != nil {
		headers, err := reader.signer.SignedHeaders(ctx, reader.host, http.MethodGet,
			reader.language+"_stream", params)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		for name, value := range headers {
			req.Header.Set(name, value)
		}
	}

	reader.log.Debug("querying stream",
		zap.Int("limit", limit),
		zap.Int64("commitNum", commitNum),
		zap.Int64("opNum", opNum))

	resp, err := reader.client.Do(req)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, ErrEndOfStream.New("no records after (%d, %d)", commitNum, opNum)
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, Error.New("stream request failed: status %d: %s", resp.StatusCode, string(body))
	}

	var batch Batch
	if err := json.NewDecoder(resp.Body).Decode(&batch); err != nil {
		return nil, Error.New("malformed stream response: %w", err)
	}
	if err := checkGaps(batch.Records, startingCommit); err != nil {
		return nil, err
	}
	return &batch, nil
}
