package engine

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/quasar/pkg/catalog"
	"github.com/ajitpratap0/quasar/pkg/clients"
	"github.com/ajitpratap0/quasar/pkg/dataverse"
	"github.com/ajitpratap0/quasar/pkg/errors"
	"github.com/ajitpratap0/quasar/pkg/json"
	"github.com/ajitpratap0/quasar/pkg/singer"
	"github.com/ajitpratap0/quasar/pkg/state"
)

// fakeAPI is an httptest-backed Dataverse organization. Handlers are
// registered per test; the token endpoint always issues a static token.
type fakeAPI struct {
	t      *testing.T
	mux    *http.ServeMux
	server *httptest.Server
}

func newFakeAPI(t *testing.T) *fakeAPI {
	t.Helper()
	f := &fakeAPI{t: t, mux: http.NewServeMux()}
	f.server = httptest.NewServer(f.mux)
	t.Cleanup(f.server.Close)

	f.mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"tok","token_type":"Bearer","expires_in":3600}`)
	})
	return f
}

// url returns the base server URL.
func (f *fakeAPI) url() string { return f.server.URL }

// handle registers a handler for an entity set path.
func (f *fakeAPI) handle(entitySet string, h http.HandlerFunc) {
	f.mux.HandleFunc("/api/data/v9.2/"+entitySet, h)
}

func (f *fakeAPI) writeJSON(w http.ResponseWriter, v interface{}) {
	f.t.Helper()
	w.Header().Set("Content-Type", "application/json")
	data, err := json.Marshal(v)
	require.NoError(f.t, err)
	_, _ = w.Write(data)
}

// client builds the full stack against the fake server with a fast
// retry policy.
func (f *fakeAPI) client() *dataverse.Client {
	tokens := clients.NewTokenManager(clients.OAuth2Config{
		TokenURL:     f.url() + "/token",
		ClientID:     "client",
		ClientSecret: "secret",
		RedirectURI:  "https://localhost",
		RefreshToken: "refresh",
		Resource:     f.url(),
	})

	policy := clients.DefaultRetryPolicy()
	policy.MaxAttempts = 2
	policy.InitialDelay = time.Millisecond
	policy.MaxDelay = 2 * time.Millisecond

	cfg := clients.DefaultHTTPConfig()
	cfg.BaseURL = f.url() + "/api/data/v9.2/"
	cfg.UserAgent = "quasar-test"

	httpClient := clients.NewHTTPClient(cfg, tokens, clients.NewRateLimiter(60000, 1000), policy)
	return dataverse.NewClient(httpClient, 100)
}

// incrementalEntity describes a stream keyed on modifiedon.
func incrementalEntity(name string) *dataverse.Entity {
	return &dataverse.Entity{
		LogicalName:          name,
		EntitySetName:        name + "s",
		KeyProperty:          name + "id",
		ReplicationKey:       "modifiedon",
		ValidReplicationKeys: []string{"modifiedon"},
		Attributes: []dataverse.Attribute{
			{LogicalName: name + "id", Type: dataverse.FieldString, Readable: true},
			{LogicalName: "name", Type: dataverse.FieldString, Readable: true},
			{LogicalName: "employees", Type: dataverse.FieldInteger, Readable: true},
			{LogicalName: "modifiedon", Type: dataverse.FieldDateTime, Readable: true},
		},
	}
}

func modifiedAt(i int) string {
	return time.Date(2021, 5, 1, 0, 0, 0, 0, time.UTC).
		Add(time.Duration(i) * time.Minute).Format(time.RFC3339)
}

func record(entity string, i int) map[string]interface{} {
	m := map[string]interface{}{}
	m[entity+"id"] = fmt.Sprintf("id-%03d", i)
	m["name"] = fmt.Sprintf("%s %d", entity, i)
	m["employees"] = i
	m["modifiedon"] = modifiedAt(i)
	m["@odata.etag"] = fmt.Sprintf(`W/"%d"`, i)
	m["statuscode"] = 1 // not in the schema, pruned by coercion
	return m
}

func newFileWriter(t *testing.T) (*singer.Writer, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "out.jsonl")
	w, err := singer.NewWriter(singer.WriterConfig{Path: path})
	require.NoError(t, err)
	return w, path
}

func readMessages(t *testing.T, w *singer.Writer, path string) []map[string]interface{} {
	t.Helper()
	require.NoError(t, w.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var out []map[string]interface{}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 1024*1024), 1024*1024)
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var m map[string]interface{}
		require.NoError(t, json.Unmarshal(sc.Bytes(), &m))
		out = append(out, m)
	}
	require.NoError(t, sc.Err())
	return out
}

func messagesOfType(msgs []map[string]interface{}, typ string) []map[string]interface{} {
	var out []map[string]interface{}
	for _, m := range msgs {
		if m["type"] == typ {
			out = append(out, m)
		}
	}
	return out
}

func bookmarkIn(t *testing.T, stateMsg map[string]interface{}, stream, key string) string {
	t.Helper()
	value, ok := stateMsg["value"].(map[string]interface{})
	require.True(t, ok, "STATE message has no value")
	bookmarks, ok := value["bookmarks"].(map[string]interface{})
	require.True(t, ok, "state value has no bookmarks")
	bm, ok := bookmarks[stream].(map[string]interface{})
	if !ok {
		return ""
	}
	v, _ := bm[key].(string)
	return v
}

func TestEngineEndToEndIncremental(t *testing.T) {
	api := newFakeAPI(t)

	records := make([]map[string]interface{}, 150)
	for i := range records {
		records[i] = record("account", i)
	}
	// An offset timestamp must come out normalized to Z form.
	records[0]["modifiedon"] = "2021-05-01T00:00:00+00:00"

	var firstQuery atomic.Value
	var prefer atomic.Value
	api.handle("accounts", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") == "2" {
			api.writeJSON(w, map[string]interface{}{"value": records[100:]})
			return
		}
		firstQuery.Store(r.URL.Query())
		prefer.Store(r.Header.Get("Prefer"))
		api.writeJSON(w, map[string]interface{}{
			"value":           records[:100],
			"@odata.nextLink": api.url() + "/api/data/v9.2/accounts?page=2",
		})
	})

	cat := catalog.FromEntities([]*dataverse.Entity{incrementalEntity("account")}, true)
	writer, path := newFileWriter(t)
	st := state.New()

	eng := New(api.client(), writer, st, cat, Config{
		Concurrency: 1,
		StartDate:   "2021-04-01T00:00:00Z",
	})
	require.NoError(t, eng.Run(context.Background()))

	msgs := readMessages(t, writer, path)
	require.Len(t, msgs, 154) // currently_syncing STATE, SCHEMA, 150 RECORDs, bookmark STATE, final STATE

	assert.Equal(t, "STATE", msgs[0]["type"])
	value := msgs[0]["value"].(map[string]interface{})
	assert.Equal(t, "account", value["currently_syncing"])

	assert.Equal(t, "SCHEMA", msgs[1]["type"])
	assert.Equal(t, "account", msgs[1]["stream"])
	assert.Equal(t, []interface{}{"accountid"}, msgs[1]["key_properties"])
	assert.Equal(t, []interface{}{"modifiedon"}, msgs[1]["bookmark_properties"])

	for i := 0; i < 150; i++ {
		msg := msgs[2+i]
		require.Equal(t, "RECORD", msg["type"], "message %d", 2+i)
		rec := msg["record"].(map[string]interface{})
		assert.Equal(t, fmt.Sprintf("account %d", i), rec["name"])
		assert.Equal(t, float64(i), rec["employees"])
		assert.NotContains(t, rec, "@odata.etag")
		assert.NotContains(t, rec, "statuscode")
	}

	// The offset form was normalized.
	first := msgs[2]["record"].(map[string]interface{})
	assert.Equal(t, "2021-05-01T00:00:00Z", first["modifiedon"])

	assert.Equal(t, "STATE", msgs[152]["type"])
	assert.Equal(t, modifiedAt(149), bookmarkIn(t, msgs[152], "account", "modifiedon"))

	final := msgs[153]
	assert.Equal(t, "STATE", final["type"])
	assert.Nil(t, final["value"].(map[string]interface{})["currently_syncing"])

	q := firstQuery.Load().(url.Values)
	assert.Equal(t, "modifiedon ge 2021-04-01T00:00:00Z", q.Get("$filter"))
	assert.Equal(t, "modifiedon asc", q.Get("$orderby"))
	assert.Equal(t, "accountid,employees,modifiedon,name", q.Get("$select"))
	assert.Equal(t, "odata.maxpagesize=100", prefer.Load())
}

func TestEngineFailureIsolation(t *testing.T) {
	api := newFakeAPI(t)

	api.handle("alphas", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"code":"0x80060888","message":"boom"}}`, http.StatusInternalServerError)
	})
	betas := make([]map[string]interface{}, 5)
	for i := range betas {
		betas[i] = record("beta", i)
	}
	api.handle("betas", func(w http.ResponseWriter, r *http.Request) {
		api.writeJSON(w, map[string]interface{}{"value": betas})
	})

	cat := catalog.FromEntities([]*dataverse.Entity{
		incrementalEntity("alpha"),
		incrementalEntity("beta"),
	}, true)
	writer, path := newFileWriter(t)

	st := state.New()
	st.SetBookmark("alpha", "modifiedon", "2021-04-15T00:00:00Z")

	eng := New(api.client(), writer, st, cat, Config{
		Concurrency: 1,
		StartDate:   "2021-04-01T00:00:00Z",
	})
	err := eng.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 2 entity syncs failed")
	assert.True(t, errors.IsType(err, errors.ErrorTypeTransient))

	// Alpha's bookmark is untouched; beta completed and advanced.
	v, ok := st.Bookmark("alpha", "modifiedon")
	require.True(t, ok)
	assert.Equal(t, "2021-04-15T00:00:00Z", v)
	v, ok = st.Bookmark("beta", "modifiedon")
	require.True(t, ok)
	assert.Equal(t, modifiedAt(4), v)

	msgs := readMessages(t, writer, path)
	recordMsgs := messagesOfType(msgs, "RECORD")
	require.Len(t, recordMsgs, 5)
	for _, m := range recordMsgs {
		assert.Equal(t, "beta", m["stream"])
	}
}

func TestEngineAuthFailureAbortsRun(t *testing.T) {
	f := &fakeAPI{t: t, mux: http.NewServeMux()}
	f.server = httptest.NewServer(f.mux)
	t.Cleanup(f.server.Close)

	f.mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":"invalid_grant","error_description":"refresh token expired"}`)
	})

	var alphaHits, betaHits int64
	f.handle("alphas", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&alphaHits, 1)
	})
	f.handle("betas", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&betaHits, 1)
	})

	cat := catalog.FromEntities([]*dataverse.Entity{
		incrementalEntity("alpha"),
		incrementalEntity("beta"),
	}, true)
	writer, path := newFileWriter(t)

	eng := New(f.client(), writer, state.New(), cat, Config{
		Concurrency: 1,
		StartDate:   "2021-04-01T00:00:00Z",
	})
	err := eng.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeAuth))

	// The rejected credential stopped the run before beta was attempted
	// and before any entity request went out.
	assert.EqualValues(t, 0, atomic.LoadInt64(&alphaHits))
	assert.EqualValues(t, 0, atomic.LoadInt64(&betaHits))

	msgs := readMessages(t, writer, path)
	assert.Empty(t, messagesOfType(msgs, "RECORD"))
}

func TestEngineFullTableMarker(t *testing.T) {
	api := newFakeAPI(t)

	widgets := []map[string]interface{}{
		{"widgetid": "w-1", "name": "one"},
		{"widgetid": "w-2", "name": "two"},
		{"widgetid": "w-3", "name": "three"},
	}
	api.handle("widgets", func(w http.ResponseWriter, r *http.Request) {
		api.writeJSON(w, map[string]interface{}{"value": widgets})
	})

	entity := &dataverse.Entity{
		LogicalName:   "widget",
		EntitySetName: "widgets",
		KeyProperty:   "widgetid",
		Attributes: []dataverse.Attribute{
			{LogicalName: "widgetid", Type: dataverse.FieldString, Readable: true},
			{LogicalName: "name", Type: dataverse.FieldString, Readable: true},
		},
	}
	cat := catalog.FromEntities([]*dataverse.Entity{entity}, true)
	writer, path := newFileWriter(t)
	st := state.New()

	before := time.Now().UTC()
	eng := New(api.client(), writer, st, cat, Config{Concurrency: 1})
	require.NoError(t, eng.Run(context.Background()))

	marker, ok := st.Bookmark("widget", state.FullSyncStartedKey)
	require.True(t, ok)
	started, err := time.Parse(time.RFC3339Nano, marker)
	require.NoError(t, err)
	assert.False(t, started.Before(before.Truncate(time.Second)))
	assert.False(t, started.After(time.Now().UTC()))

	msgs := readMessages(t, writer, path)
	assert.Len(t, messagesOfType(msgs, "RECORD"), 3)

	schema := messagesOfType(msgs, "SCHEMA")[0]
	assert.NotContains(t, schema, "bookmark_properties")
}

func TestEngineBookmarkNeverRegresses(t *testing.T) {
	api := newFakeAPI(t)

	// The server hands back stale records regardless of the filter; the
	// bookmark must still not move backward.
	stale := make([]map[string]interface{}, 3)
	for i := range stale {
		stale[i] = record("account", i)
	}
	api.handle("accounts", func(w http.ResponseWriter, r *http.Request) {
		api.writeJSON(w, map[string]interface{}{"value": stale})
	})

	cat := catalog.FromEntities([]*dataverse.Entity{incrementalEntity("account")}, true)
	writer, _ := newFileWriter(t)

	st := state.New()
	st.SetBookmark("account", "modifiedon", "2022-01-01T00:00:00Z")

	eng := New(api.client(), writer, st, cat, Config{
		Concurrency: 1,
		StartDate:   "2021-04-01T00:00:00Z",
	})
	require.NoError(t, eng.Run(context.Background()))
	require.NoError(t, writer.Close())

	v, ok := st.Bookmark("account", "modifiedon")
	require.True(t, ok)
	assert.Equal(t, "2022-01-01T00:00:00Z", v)
}

func TestEngineCheckpointRecords(t *testing.T) {
	api := newFakeAPI(t)

	records := make([]map[string]interface{}, 25)
	for i := range records {
		records[i] = record("account", i)
	}
	api.handle("accounts", func(w http.ResponseWriter, r *http.Request) {
		api.writeJSON(w, map[string]interface{}{"value": records})
	})

	cat := catalog.FromEntities([]*dataverse.Entity{incrementalEntity("account")}, true)
	writer, path := newFileWriter(t)

	eng := New(api.client(), writer, state.New(), cat, Config{
		Concurrency:       1,
		CheckpointRecords: 10,
		StartDate:         "2021-04-01T00:00:00Z",
	})
	require.NoError(t, eng.Run(context.Background()))

	msgs := readMessages(t, writer, path)
	states := messagesOfType(msgs, "STATE")
	// currently_syncing, two mid-stream checkpoints, completion, final.
	require.Len(t, states, 5)
	assert.Equal(t, modifiedAt(9), bookmarkIn(t, states[1], "account", "modifiedon"))
	assert.Equal(t, modifiedAt(19), bookmarkIn(t, states[2], "account", "modifiedon"))
	assert.Equal(t, modifiedAt(24), bookmarkIn(t, states[3], "account", "modifiedon"))

	// Every record emitted before a checkpoint precedes that STATE.
	seen := 0
	for _, m := range msgs {
		switch m["type"] {
		case "RECORD":
			seen++
		case "STATE":
			if v := bookmarkIn(t, m, "account", "modifiedon"); v == modifiedAt(9) {
				assert.GreaterOrEqual(t, seen, 10)
			}
		}
	}
}

func TestEngineConcurrentStreams(t *testing.T) {
	api := newFakeAPI(t)

	for _, name := range []string{"alpha", "beta", "gamma"} {
		name := name
		recs := make([]map[string]interface{}, 4)
		for i := range recs {
			recs[i] = record(name, i)
		}
		api.handle(name+"s", func(w http.ResponseWriter, r *http.Request) {
			api.writeJSON(w, map[string]interface{}{"value": recs})
		})
	}

	cat := catalog.FromEntities([]*dataverse.Entity{
		incrementalEntity("alpha"),
		incrementalEntity("beta"),
		incrementalEntity("gamma"),
	}, true)
	writer, path := newFileWriter(t)
	st := state.New()

	eng := New(api.client(), writer, st, cat, Config{
		Concurrency: 2,
		StartDate:   "2021-04-01T00:00:00Z",
	})
	require.NoError(t, eng.Run(context.Background()))

	msgs := readMessages(t, writer, path)
	assert.Len(t, messagesOfType(msgs, "RECORD"), 12)

	// Concurrent runs never claim a single in-progress stream.
	for _, m := range messagesOfType(msgs, "STATE") {
		assert.Nil(t, m["value"].(map[string]interface{})["currently_syncing"])
	}

	for _, name := range []string{"alpha", "beta", "gamma"} {
		v, ok := st.Bookmark(name, "modifiedon")
		require.True(t, ok, name)
		assert.Equal(t, modifiedAt(3), v, name)
	}
}

func TestEngineResumesInterruptedStream(t *testing.T) {
	api := newFakeAPI(t)

	for _, name := range []string{"alpha", "beta"} {
		name := name
		api.handle(name+"s", func(w http.ResponseWriter, r *http.Request) {
			api.writeJSON(w, map[string]interface{}{"value": []map[string]interface{}{record(name, 0)}})
		})
	}

	cat := catalog.FromEntities([]*dataverse.Entity{
		incrementalEntity("alpha"),
		incrementalEntity("beta"),
	}, true)
	writer, path := newFileWriter(t)

	st := state.New()
	st.SetCurrentlySyncing("beta")

	eng := New(api.client(), writer, st, cat, Config{
		Concurrency: 1,
		StartDate:   "2021-04-01T00:00:00Z",
	})
	require.NoError(t, eng.Run(context.Background()))

	msgs := readMessages(t, writer, path)
	records := messagesOfType(msgs, "RECORD")
	require.Len(t, records, 2)
	assert.Equal(t, "beta", records[0]["stream"], "interrupted stream syncs first")
	assert.Equal(t, "alpha", records[1]["stream"])
}
