// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package searchdb_test

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"storj.io/graphrelay/internal/testcontext"
	"storj.io/graphrelay/searchdb"
)

type bulkServer struct {
	*httptest.Server
	requests atomic.Int64
	lastBody atomic.Value
	respond  func(w http.ResponseWriter)
}

func newBulkServer(t *testing.T, respond func(w http.ResponseWriter)) *bulkServer {
	server := &bulkServer{respond: respond}
	server.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/_bulk") {
			http.NotFound(w, r)
			return
		}
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		server.lastBody.Store(string(body))
		server.requests.Add(1)
		server.respond(w)
	}))
	return server
}

func bulkOK(count int) func(w http.ResponseWriter) {
	return func(w http.ResponseWriter) {
		items := make([]string, count)
		for i := range items {
			items[i] = fmt.Sprintf(`{"update":{"_index":%q,"_id":"doc%d","status":200}}`, searchdb.Index, i)
		}
		fmt.Fprintf(w, `{"took":1,"errors":false,"items":[%s]}`, strings.Join(items, ","))
	}
}

func bulkMissing() func(w http.ResponseWriter) {
	return func(w http.ResponseWriter) {
		fmt.Fprintf(w, `{"took":1,"errors":true,"items":[`+
			`{"update":{"_index":%q,"_id":"doc0","status":404,`+
			`"error":{"type":"document_missing_exception","reason":"missing"}}}]}`, searchdb.Index)
	}
}

func testClient(t *testing.T, url string, ignoreMissing bool) *searchdb.Client {
	client, err := searchdb.NewClient(zaptest.NewLogger(t), searchdb.Config{
		Endpoint:              url,
		Shards:                5,
		Replicas:              1,
		IgnoreMissingDocument: ignoreMissing,
	})
	require.NoError(t, err)
	return client
}

func addAction(id string) searchdb.Action {
	return searchdb.Action{
		DocumentID: id,
		Op:         searchdb.OpAdd,
		Predicates: []searchdb.Predicate{{Key: "name", Value: searchdb.ValueObject{Value: "alice"}}},
		Upsert:     searchdb.NewDocument("42", searchdb.DocVertex),
	}
}

func TestExecute(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	server := newBulkServer(t, bulkOK(1))
	defer server.Close()

	client := testClient(t, server.URL, true)
	require.NoError(t, client.Execute(ctx, []searchdb.Action{addAction("doc0")}))

	body := server.lastBody.Load().(string)
	require.Contains(t, body, `"painless"`)
	require.Contains(t, body, `"_id":"doc0"`)
	require.Contains(t, body, `"upsert"`)
	require.Contains(t, body, `"predicates"`)
}

func TestExecuteChunks(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	server := newBulkServer(t, bulkOK(1))
	defer server.Close()

	client := testClient(t, server.URL, true)
	actions := make([]searchdb.Action, 2500)
	for i := range actions {
		actions[i] = addAction(fmt.Sprintf("doc%d", i))
	}
	require.NoError(t, client.Execute(ctx, actions))
	require.EqualValues(t, 2, server.requests.Load())
}

func TestExecuteIgnoresMissingDocuments(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	server := newBulkServer(t, bulkMissing())
	defer server.Close()

	client := testClient(t, server.URL, true)
	require.NoError(t, client.Execute(ctx, []searchdb.Action{addAction("doc0")}))
}

func TestExecuteMissingDocumentsFatal(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	server := newBulkServer(t, bulkMissing())
	defer server.Close()

	client := testClient(t, server.URL, false)
	err := client.Execute(ctx, []searchdb.Action{addAction("doc0")})
	require.True(t, searchdb.ErrBulkPartial.Has(err))
}

func TestExecuteOtherFailureFatal(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	server := newBulkServer(t, func(w http.ResponseWriter) {
		fmt.Fprintf(w, `{"took":1,"errors":true,"items":[`+
			`{"update":{"_index":%q,"_id":"doc0","status":400,`+
			`"error":{"type":"mapper_parsing_exception","reason":"bad"}}}]}`, searchdb.Index)
	})
	defer server.Close()

	// Ignoring missing documents does not cover other failures.
	client := testClient(t, server.URL, true)
	err := client.Execute(ctx, []searchdb.Action{addAction("doc0")})
	require.True(t, searchdb.ErrBulkPartial.Has(err))
}

func TestExecuteRetriesTransportError(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	var server *bulkServer
	server = newBulkServer(t, func(w http.ResponseWriter) {
		if server.requests.Load() == 1 {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		bulkOK(1)(w)
	})
	defer server.Close()

	client := testClient(t, server.URL, true)
	require.NoError(t, client.Execute(ctx, []searchdb.Action{addAction("doc0")}))
	require.EqualValues(t, 2, server.requests.Load())
}

func TestBootstrapCreatesIndex(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	var createBody atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/":
			fmt.Fprint(w, `{"version":{"number":"7.10.0"}}`)
		case r.Method == http.MethodHead:
			// Index existence check.
			w.WriteHeader(http.StatusNotFound)
		case r.Method == http.MethodPut:
			body, err := io.ReadAll(r.Body)
			require.NoError(t, err)
			createBody.Store(string(body))
			fmt.Fprint(w, `{"acknowledged":true}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	client := testClient(t, server.URL, true)
	require.NoError(t, client.Bootstrap(ctx))

	body := createBody.Load().(string)
	require.Contains(t, body, `"number_of_shards":5`)
	require.Contains(t, body, `"dynamic_templates"`)
}

func TestBootstrapRejectsOldVersion(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"version":{"number":"6.8.0"}}`)
	}))
	defer server.Close()

	client := testClient(t, server.URL, true)
	require.Error(t, client.Bootstrap(ctx))
}

func TestBootstrapAcceptsOpenSearch(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/":
			fmt.Fprint(w, `{"version":{"number":"2.11.0","distribution":"opensearch"}}`)
		case r.Method == http.MethodHead:
			// Index already exists.
			w.WriteHeader(http.StatusOK)
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	client := testClient(t, server.URL, true)
	require.NoError(t, client.Bootstrap(ctx))
}
