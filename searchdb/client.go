// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package searchdb

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/olivere/elastic/v7"
	"go.uber.org/zap"
)

// openSearchDistribution identifies clusters that report themselves as
// an opensearch fork; those skip the minimum version check.
const openSearchDistribution = "opensearch"

// Config holds configuration for the search cluster client.
type Config struct {
	Endpoint              string `help:"search cluster endpoint, host or host:port" default:""`
	Shards                int    `help:"number of primary shards for the index" default:"5"`
	Replicas              int    `help:"number of replicas for the index" default:"1"`
	GeoFields             string `help:"comma separated field names mapped as geo_point" default:""`
	IgnoreMissingDocument bool   `help:"treat updates against missing documents as no-ops" default:"true"`
}

// GeoFieldList splits the configured geo_point field names.
func (config Config) GeoFieldList() []string {
	var fields []string
	for _, field := range strings.Split(config.GeoFields, ",") {
		if field = strings.TrimSpace(field); field != "" {
			fields = append(fields, field)
		}
	}
	return fields
}

// Client wraps the search cluster connection.
type Client struct {
	log    *zap.Logger
	es     *elastic.Client
	config Config
}

// NewClient connects to the configured search cluster.
func NewClient(log *zap.Logger, config Config) (*Client, error) {
	endpoint, err := endpointURL(config.Endpoint)
	if err != nil {
		return nil, err
	}

	es, err := elastic.NewClient(
		elastic.SetURL(endpoint),
		elastic.SetSniff(false),
		elastic.SetHealthcheck(false),
	)
	if err != nil {
		return nil, Error.New("connecting to %q: %w", endpoint, err)
	}

	return &Client{
		log:    log,
		es:     es,
		config: config,
	}, nil
}

// endpointURL normalizes the configured endpoint to scheme://host:port,
// defaulting to https on port 443.
func endpointURL(endpoint string) (string, error) {
	if endpoint == "" {
		return "", Error.New("search endpoint is not configured")
	}
	scheme := "https"
	rest := endpoint
	if i := strings.Index(endpoint, "://"); i >= 0 {
		scheme = endpoint[:i]
		rest = endpoint[i+3:]
	}
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		rest = rest[:i]
	}
	if !strings.Contains(rest, ":") {
		rest += ":443"
	}
	return scheme + "://" + rest, nil
}

// Bootstrap verifies the cluster version and creates the index with its
// settings and dynamic templates when it does not exist yet.
func (client *Client) Bootstrap(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	if err := client.checkVersion(ctx); err != nil {
		return err
	}

	exists, err := client.es.IndexExists(Index).Do(ctx)
	if err != nil {
		return Error.Wrap(err)
	}
	if exists {
		client.log.Info("index already exists", zap.String("index", Index))
		return nil
	}

	body := map[string]interface{}{
		"settings": map[string]interface{}{
			"number_of_shards":   client.config.Shards,
			"number_of_replicas": client.config.Replicas,
		},
		"mappings": indexMappings(),
	}
	if _, err := client.es.CreateIndex(Index).BodyJson(body).Do(ctx); err != nil {
		return Error.New("creating index %q: %w", Index, err)
	}
	client.log.Info("created index", zap.String("index", Index))
	return nil
}

// checkVersion rejects clusters below major version 7. Opensearch
// distributions restart their version numbers and are accepted as is,
// and non-numeric versions only log a warning.
func (client *Client) checkVersion(ctx context.Context) error {
	resp, err := client.es.PerformRequest(ctx, elastic.PerformRequestOptions{
		Method: "GET",
		Path:   "/",
	})
	if err != nil {
		return Error.New("fetching cluster info: %w", err)
	}

	var info struct {
		Version struct {
			Number       string `json:"number"`
			Distribution string `json:"distribution"`
		} `json:"version"`
	}
	if err := json.Unmarshal(resp.Body, &info); err != nil {
		return Error.New("malformed cluster info: %w", err)
	}

	if strings.ToLower(info.Version.Distribution) == openSearchDistribution {
		client.log.Debug("skipping version check for opensearch distribution")
		return nil
	}

	major, _, _ := strings.Cut(info.Version.Number, ".")
	majorVersion, err := strconv.Atoi(major)
	if err != nil {
		client.log.Warn("cluster major version is not numeric, skipping version check",
			zap.String("version", info.Version.Number))
		return nil
	}
	if majorVersion < 7 {
		return Error.New("cluster version %s below 7.x is not supported", info.Version.Number)
	}
	return nil
}

// NewRegistry fetches the index mappings and ensures configured
// geo_point fields are mapped. Called once per polling cycle.
func (client *Client) NewRegistry(ctx context.Context) (_ *Registry, err error) {
	defer mon.Task()(&ctx)(&err)

	registry, err := NewRegistry(ctx, client.log, client)
	if err != nil {
		return nil, err
	}
	if err := registry.EnsureGeoPoints(ctx, client.config.GeoFieldList()); err != nil {
		return nil, err
	}
	return registry, nil
}

// GetMapping implements MappingAPI.
func (client *Client) GetMapping(ctx context.Context) (map[string]interface{}, error) {
	return client.es.GetMapping().Index(Index).Do(ctx)
}

// PutMapping implements MappingAPI.
func (client *Client) PutMapping(ctx context.Context, body map[string]interface{}) error {
	_, err := client.es.PutMapping().Index(Index).BodyJson(body).Do(ctx)
	return err
}

// indexMappings returns the dynamic templates keeping the datatype,
// graph and language fields of nested values unanalyzed, and string
// values indexed as text with a keyword sub-field.
func indexMappings() map[string]interface{} {
	keyword := func(name string) map[string]interface{} {
		return map[string]interface{}{
			name: map[string]interface{}{
				"path_match": FieldPredicates + ".*." + name,
				"mapping": map[string]interface{}{
					"type":  "keyword",
					"index": "true",
				},
			},
		}
	}
	return map[string]interface{}{
		"dynamic_templates": []map[string]interface{}{
			keyword("datatype"),
			keyword("graph"),
			keyword("language"),
			{
				"value": map[string]interface{}{
					"path_match": FieldPredicates + ".*.value",
					"mapping": map[string]interface{}{
						"type": "text",
						"fields": map[string]interface{}{
							"keyword": map[string]interface{}{
								"type":         "keyword",
								"ignore_above": 256,
							},
						},
					},
				},
			},
		},
	}
}
