package testutil

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/gorilla/mux"
	"github.com/spf13/cast"
)

// Request is a request received by the fake server
type Request struct {
	Route  string
	Method string
	Path   string
	Query  map[string]string
	Body   map[string]any
	Time   time.Time
}

// ViewRow is a row emitted by a view function
type ViewRow struct {
	Key   any
	Value any
}

// ViewFunc is a map function: it emits rows for a document
type ViewFunc func(doc map[string]any) []ViewRow

type storedDoc struct {
	body    map[string]any
	rev     int
	revID   string
	deleted bool
}

type change struct {
	seq int
	id  string
}

// Server is an in-memory CouchDB speaking the subset of the http api the adapter uses
type Server struct {
	*httptest.Server
	mu       sync.Mutex
	db       string
	docs     map[string]*storedDoc
	seq      int
	changes  []change
	views    map[string]ViewFunc
	requests []Request
	failures map[string]int
	notify   chan struct{}
	// longPoll bounds how long a long-poll waits for a change before it returns an empty result
	longPoll time.Duration
}

// NewServer starts a fake server hosting one database. The by-type and by-association views of the
// "couchsync" design document read the type tag stored under typeTag.
func NewServer(db, typeTag string) *Server {
	s := &Server{
		db:       db,
		docs:     map[string]*storedDoc{},
		views:    map[string]ViewFunc{},
		failures: map[string]int{},
		notify:   make(chan struct{}),
		longPoll: 200 * time.Millisecond,
	}
	s.AddView("couchsync", "by-type", func(doc map[string]any) []ViewRow {
		tag := cast.ToStringMap(doc[typeTag])
		if typ, ok := tag["type"].(string); ok {
			return []ViewRow{{Key: typ}}
		}
		return nil
	})
	s.AddView("couchsync", "by-association", func(doc map[string]any) []ViewRow {
		tag := cast.ToStringMap(doc[typeTag])
		var rows []ViewRow
		for _, key := range cast.ToStringSlice(tag["belongsTo"]) {
			if id, ok := doc[key].(string); ok && id != "" {
				rows = append(rows, ViewRow{Key: id, Value: tag["type"]})
			}
		}
		return rows
	})
	r := mux.NewRouter()
	db = "/" + db
	r.HandleFunc(db, s.route("info", s.info)).Methods(http.MethodGet)
	r.HandleFunc(db+"/", s.route("info", s.info)).Methods(http.MethodGet)
	r.HandleFunc(db, s.route("post", s.post)).Methods(http.MethodPost)
	r.HandleFunc(db+"/", s.route("post", s.post)).Methods(http.MethodPost)
	r.HandleFunc(db+"/_all_docs", s.route("allDocs", s.allDocs)).Methods(http.MethodPost)
	r.HandleFunc(db+"/_changes", s.route("changes", s.changesFeed)).Methods(http.MethodGet)
	r.HandleFunc(db+"/_design/{ddoc}/_view/{view}", s.route("view", s.view)).Methods(http.MethodGet, http.MethodPost)
	r.HandleFunc(db+"/{id:.+}", s.route("get", s.get)).Methods(http.MethodGet)
	r.HandleFunc(db+"/{id:.+}", s.route("put", s.put)).Methods(http.MethodPut)
	r.HandleFunc(db+"/{id:.+}", s.route("delete", s.delete)).Methods(http.MethodDelete)
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reply(w, http.StatusNotFound, map[string]any{"error": "not_found", "reason": "no route"})
	})
	s.Server = httptest.NewServer(r)
	return s
}

// DB returns the database name
func (s *Server) DB() string {
	return s.db
}

// AddView registers a map function under designDoc/view
func (s *Server) AddView(designDoc, view string, fn ViewFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.views[designDoc+"/"+view] = fn
}

// FailNext makes the next n requests to the route answer with a body that is not json.
// Routes: info, post, allDocs, changes, view, get, put, delete
func (s *Server) FailNext(route string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[route] = n
}

// SetLongPollTimeout sets how long a long-poll waits for a change before it returns an empty result
func (s *Server) SetLongPollTimeout(timeout time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.longPoll = timeout
}

// Requests returns every request received so far
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request{}, s.requests...)
}

// RequestsTo returns the requests received by the route
func (s *Server) RequestsTo(route string) []Request {
	var matched []Request
	for _, r := range s.Requests() {
		if r.Route == route {
			matched = append(matched, r)
		}
	}
	return matched
}

// ResetRequests forgets every recorded request
func (s *Server) ResetRequests() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = nil
}

// Seq returns the current update sequence
func (s *Server) Seq() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

// Put writes a document as another client would, bypassing revision checks. It returns the new revision.
func (s *Server) Put(doc map[string]any) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := cast.ToString(doc["_id"])
	if id == "" {
		id = gofakeit.UUID()
	}
	return s.write(id, doc, false)
}

// Delete deletes a document as another client would. It returns the deletion revision.
func (s *Server) Delete(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(id, map[string]any{}, true)
}

// Doc returns the stored document body with _id and _rev, or nil if it is missing or deleted
func (s *Server) Doc(id string) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[id]
	if !ok || d.deleted {
		return nil
	}
	return s.render(id, d)
}

// Rev returns the current revision of a document
func (s *Server) Rev(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.docs[id]; ok {
		return d.revID
	}
	return ""
}

func (s *Server) route(name string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req := Request{
			Route:  name,
			Method: r.Method,
			Path:   r.URL.Path,
			Query:  map[string]string{},
			Time:   time.Now(),
		}
		for k := range r.URL.Query() {
			req.Query[k] = r.URL.Query().Get(k)
		}
		bits, _ := io.ReadAll(r.Body)
		if len(bits) > 0 {
			_ = json.Unmarshal(bits, &req.Body)
		}
		s.mu.Lock()
		s.requests = append(s.requests, req)
		fail := s.failures[name] > 0
		if fail {
			s.failures[name]--
		}
		s.mu.Unlock()
		if fail {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("<html>upstream error</html>"))
			return
		}
		r.Body = io.NopCloser(strings.NewReader(string(bits)))
		handler(w, r)
	}
}

func reply(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func decode(r *http.Request) map[string]any {
	body := map[string]any{}
	_ = json.NewDecoder(r.Body).Decode(&body)
	return body
}

func (s *Server) render(id string, d *storedDoc) map[string]any {
	out := map[string]any{}
	for k, v := range d.body {
		out[k] = v
	}
	out["_id"] = id
	out["_rev"] = d.revID
	if d.deleted {
		out["_deleted"] = true
	}
	return out
}

// write stores a revision and appends a change. The caller holds the lock.
func (s *Server) write(id string, body map[string]any, deleted bool) string {
	d, ok := s.docs[id]
	if !ok {
		d = &storedDoc{}
		s.docs[id] = d
	}
	clean := map[string]any{}
	for k, v := range body {
		if !strings.HasPrefix(k, "_") {
			clean[k] = v
		}
	}
	d.body = clean
	d.deleted = deleted
	d.rev++
	d.revID = fmt.Sprintf("%d-%s", d.rev, strings.ToLower(gofakeit.LetterN(16)))
	s.seq++
	s.changes = append(s.changes, change{seq: s.seq, id: id})
	close(s.notify)
	s.notify = make(chan struct{})
	return d.revID
}

func (s *Server) info(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, d := range s.docs {
		if !d.deleted {
			count++
		}
	}
	reply(w, http.StatusOK, map[string]any{
		"db_name":    s.db,
		"doc_count":  count,
		"update_seq": s.seq,
	})
}

func (s *Server) post(w http.ResponseWriter, r *http.Request) {
	body := decode(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	id := cast.ToString(body["_id"])
	if id == "" {
		id = gofakeit.UUID()
	}
	if d, ok := s.docs[id]; ok && !d.deleted {
		reply(w, http.StatusConflict, map[string]any{"error": "conflict", "reason": "Document update conflict."})
		return
	}
	rev := s.write(id, body, false)
	reply(w, http.StatusCreated, map[string]any{"ok": true, "id": id, "rev": rev})
}

func (s *Server) get(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[id]
	switch {
	case !ok:
		reply(w, http.StatusNotFound, map[string]any{"error": "not_found", "reason": "missing"})
	case d.deleted:
		reply(w, http.StatusNotFound, map[string]any{"error": "not_found", "reason": "deleted"})
	default:
		reply(w, http.StatusOK, s.render(id, d))
	}
}

func (s *Server) put(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	body := decode(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.docs[id]; ok && !d.deleted && cast.ToString(body["_rev"]) != d.revID {
		reply(w, http.StatusConflict, map[string]any{"error": "conflict", "reason": "Document update conflict."})
		return
	}
	if strings.HasPrefix(id, "_design/") {
		if err := s.installViews(strings.TrimPrefix(id, "_design/"), body); err != nil {
			reply(w, http.StatusBadRequest, map[string]any{"error": "compilation_error", "reason": err.Error()})
			return
		}
	}
	rev := s.write(id, body, false)
	reply(w, http.StatusCreated, map[string]any{"ok": true, "id": id, "rev": rev})
}

// installViews compiles the map functions of a design document. The caller holds the lock.
func (s *Server) installViews(designDoc string, body map[string]any) error {
	for name, view := range cast.ToStringMap(body["views"]) {
		source := cast.ToString(cast.ToStringMap(view)["map"])
		fn, err := CompileView(source)
		if err != nil {
			return err
		}
		s.views[designDoc+"/"+name] = fn
	}
	return nil
}

func (s *Server) delete(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[id]
	if !ok || d.deleted {
		reply(w, http.StatusNotFound, map[string]any{"error": "not_found", "reason": "deleted"})
		return
	}
	if r.URL.Query().Get("rev") != d.revID {
		reply(w, http.StatusConflict, map[string]any{"error": "conflict", "reason": "Document update conflict."})
		return
	}
	rev := s.write(id, map[string]any{}, true)
	reply(w, http.StatusOK, map[string]any{"ok": true, "id": id, "rev": rev})
}

func (s *Server) allDocs(w http.ResponseWriter, r *http.Request) {
	body := decode(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	includeDocs := r.URL.Query().Get("include_docs") == "true"
	var rows []map[string]any
	for _, key := range cast.ToStringSlice(body["keys"]) {
		d, ok := s.docs[key]
		if !ok {
			rows = append(rows, map[string]any{"key": key, "error": "not_found"})
			continue
		}
		row := map[string]any{
			"id":    key,
			"key":   key,
			"value": map[string]any{"rev": d.revID, "deleted": d.deleted},
		}
		if includeDocs {
			if d.deleted {
				row["doc"] = nil
			} else {
				row["doc"] = s.render(key, d)
			}
		}
		rows = append(rows, row)
	}
	reply(w, http.StatusOK, map[string]any{"total_rows": len(s.docs), "offset": 0, "rows": rows})
}

type emitted struct {
	id    string
	key   any
	value any
}

func keyString(key any) string {
	bits, _ := json.Marshal(key)
	return string(bits)
}

func (s *Server) view(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	body := decode(r)
	query := r.URL.Query()
	s.mu.Lock()
	defer s.mu.Unlock()
	fn, ok := s.views[vars["ddoc"]+"/"+vars["view"]]
	if !ok {
		reply(w, http.StatusNotFound, map[string]any{"error": "not_found", "reason": "missing_named_view"})
		return
	}
	param := func(name string) (any, bool) {
		raw := query.Get(name)
		if raw == "" {
			return nil, false
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return nil, false
		}
		return v, true
	}
	var keys []string
	if k, ok := body["keys"]; ok {
		for _, key := range cast.ToSlice(k) {
			keys = append(keys, keyString(key))
		}
	} else if k, ok := param("keys"); ok {
		for _, key := range cast.ToSlice(k) {
			keys = append(keys, keyString(key))
		}
	}
	if k, ok := param("key"); ok {
		keys = []string{keyString(k)}
	}
	startKey, hasStart := param("startkey")
	endKey, hasEnd := param("endkey")
	var rows []emitted
	for id, d := range s.docs {
		if d.deleted {
			continue
		}
		for _, row := range fn(s.render(id, d)) {
			ks := keyString(row.Key)
			if keys != nil && !containsString(keys, ks) {
				continue
			}
			if hasStart && ks < keyString(startKey) {
				continue
			}
			if hasEnd && ks > keyString(endKey) {
				continue
			}
			rows = append(rows, emitted{id: id, key: row.Key, value: row.Value})
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		ki, kj := keyString(rows[i].key), keyString(rows[j].key)
		if ki == kj {
			return rows[i].id < rows[j].id
		}
		return ki < kj
	})
	if query.Get("descending") == "true" {
		for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
			rows[i], rows[j] = rows[j], rows[i]
		}
	}
	offset := 0
	if skip, err := strconv.Atoi(query.Get("skip")); err == nil && skip > 0 {
		offset = skip
	}
	if offset > len(rows) {
		offset = len(rows)
	}
	rows = rows[offset:]
	if limit, err := strconv.Atoi(query.Get("limit")); err == nil && limit >= 0 && limit < len(rows) {
		rows = rows[:limit]
	}
	includeDocs := query.Get("include_docs") == "true"
	out := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		o := map[string]any{"id": row.id, "key": row.key, "value": row.value}
		if includeDocs {
			o["doc"] = s.render(row.id, s.docs[row.id])
		}
		out = append(out, o)
	}
	reply(w, http.StatusOK, map[string]any{"total_rows": len(out), "offset": offset, "rows": out})
}

func containsString(values []string, value string) bool {
	for _, v := range values {
		if v == value {
			return true
		}
	}
	return false
}

func (s *Server) changesFeed(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	since := cast.ToInt(query.Get("since"))
	includeDocs := query.Get("include_docs") == "true"
	s.mu.Lock()
	timeout := time.NewTimer(s.longPoll)
	s.mu.Unlock()
	defer timeout.Stop()
	for {
		s.mu.Lock()
		results := s.changesSince(since, includeDocs)
		if len(results) > 0 || query.Get("feed") != "longpoll" {
			lastSeq := s.seq
			s.mu.Unlock()
			reply(w, http.StatusOK, map[string]any{"results": results, "last_seq": lastSeq})
			return
		}
		notify := s.notify
		s.mu.Unlock()
		select {
		case <-notify:
		case <-timeout.C:
			reply(w, http.StatusOK, map[string]any{"results": []any{}, "last_seq": since})
			return
		case <-r.Context().Done():
			return
		}
	}
}

// changesSince returns the latest change of every document changed after since. The caller holds the lock.
func (s *Server) changesSince(since int, includeDocs bool) []map[string]any {
	latest := map[string]int{}
	for _, c := range s.changes {
		if c.seq > since {
			latest[c.id] = c.seq
		}
	}
	var results []map[string]any
	for _, c := range s.changes {
		if seq, ok := latest[c.id]; !ok || seq != c.seq {
			continue
		}
		d := s.docs[c.id]
		result := map[string]any{
			"seq":     c.seq,
			"id":      c.id,
			"changes": []map[string]any{{"rev": d.revID}},
		}
		if d.deleted {
			result["deleted"] = true
		}
		if includeDocs {
			result["doc"] = s.render(c.id, d)
		}
		results = append(results, result)
	}
	return results
}
