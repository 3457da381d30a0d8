// Package apitest is an in-memory document server for tests. It speaks the
// subset of the REST API the client uses and can inject failures.
package apitest

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

	"github.com/google/uuid"
)

// Collections served under /api/<kind>/.
const (
	Tags           = "tags"
	Correspondents = "correspondents"
	DocumentTypes  = "document_types"
	Documents      = "documents"
)

type object = map[string]any

type trashed struct {
	obj       object
	deletedAt time.Time
}

// Upload is a document received through post_document.
type Upload struct {
	FileName      string
	ContentType   string
	Data          []byte
	Title         string
	Tags          []string
	DocumentType  string
	Correspondent string
	CustomFields  string
	TaskID        string
	DocumentID    int64
}

// Server is the fake. Zero values are usable after New.
type Server struct {
	*httptest.Server

	mu      sync.Mutex
	nextID  int64
	objects map[string]map[int64]object
	trash   map[int64]trashed
	tasks   []object
	uploads []Upload
	faults  map[string][]int
	calls   []string

	// Username/Password accepted by /api/token/, which answers with Token.
	Username string
	Password string
	Token    string
	// RequireToken rejects requests without "Token <Token>" with 401.
	RequireToken bool
	// CustomFields enables /api/custom_fields/; otherwise it answers 404.
	CustomFields bool
	// QuoteTaskID wraps the post_document answer in JSON quotes.
	QuoteTaskID bool
	// Now stamps trash entries.
	Now func() time.Time
}

// New starts a fake server. It is closed by t.Cleanup when registered by
// the caller.
func New() *Server {
	s := &Server{
		nextID:      100,
		objects:     make(map[string]map[int64]object),
		trash:       make(map[int64]trashed),
		faults:      make(map[string][]int),
		Username:    "admin",
		Password:    "secret",
		Token:       "test-token",
		QuoteTaskID: true,
		Now:         time.Now,
	}
	for _, kind := range []string{Tags, Correspondents, DocumentTypes, Documents} {
		s.objects[kind] = make(map[int64]object)
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// Fail makes the next requests to method+path answer the given statuses,
// one per request, before normal handling resumes.
func (s *Server) Fail(method, path string, statuses ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := method + " " + path
	s.faults[key] = append(s.faults[key], statuses...)
}

// Calls returns "METHOD /path" for every request received.
func (s *Server) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

// CallCount counts requests matching method and path.
func (s *Server) CallCount(method, path string) int {
	n := 0
	for _, c := range s.Calls() {
		if c == method+" "+path {
			n++
		}
	}
	return n
}

// Put stores v (any JSON-encodable entity with an "id") in kind.
func (s *Server) Put(kind string, v any) {
	obj := toObject(v)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[kind][idOf(obj)] = obj
}

// Remove deletes an entity directly, as another client would.
func (s *Server) Remove(kind string, id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects[kind], id)
}

// Get decodes the entity into out and reports whether it exists.
func (s *Server) Get(kind string, id int64, out any) bool {
	s.mu.Lock()
	obj, ok := s.objects[kind][id]
	s.mu.Unlock()
	if !ok {
		return false
	}
	data, _ := json.Marshal(obj)
	return json.Unmarshal(data, out) == nil
}

// IDs returns the sorted ids of kind.
func (s *Server) IDs(kind string) []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedIDs(s.objects[kind])
}

// AddTag creates a tag and returns its id.
func (s *Server) AddTag(name string) int64 {
	return s.add(Tags, object{"name": name, "slug": strings.ToLower(name)})
}

// AddDocument creates a document and returns its id.
func (s *Server) AddDocument(title string, tags ...int64) int64 {
	if tags == nil {
		tags = []int64{}
	}
	return s.add(Documents, object{
		"title": title, "tags": tags, "created": "2024-01-01", "added": "2024-01-01T00:00:00Z",
	})
}

func (s *Server) add(kind string, obj object) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	obj["id"] = s.nextID
	s.objects[kind][s.nextID] = obj
	return s.nextID
}

// TrashDocument moves a document to the trash at the given time.
func (s *Server) TrashDocument(id int64, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if obj, ok := s.objects[Documents][id]; ok {
		delete(s.objects[Documents], id)
		s.trash[id] = trashed{obj: obj, deletedAt: at}
	}
}

// TrashIDs returns the sorted ids in the trash.
func (s *Server) TrashIDs() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int64, 0, len(s.trash))
	for id := range s.trash {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Uploads returns the documents received so far.
func (s *Server) Uploads() []Upload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Upload(nil), s.uploads...)
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.calls = append(s.calls, r.Method+" "+r.URL.Path)
	key := r.Method + " " + r.URL.Path
	if queued := s.faults[key]; len(queued) > 0 {
		status := queued[0]
		s.faults[key] = queued[1:]
		s.mu.Unlock()
		http.Error(w, http.StatusText(status), status)
		return
	}
	s.mu.Unlock()

	if s.RequireToken && r.URL.Path != "/api/token/" && r.Header.Get("Authorization") != "Token "+s.Token {
		http.Error(w, `{"detail":"Invalid token."}`, http.StatusUnauthorized)
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "api" {
		http.NotFound(w, r)
		return
	}

	switch {
	case parts[1] == "token" && r.Method == http.MethodPost:
		s.login(w, r)
	case parts[1] == "trash":
		s.handleTrash(w, r)
	case parts[1] == "tasks" && r.Method == http.MethodGet:
		s.listTasks(w, r)
	case parts[1] == "custom_fields" && r.Method == http.MethodGet:
		if !s.CustomFields {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, http.StatusOK, object{"count": 0, "next": nil, "results": []any{}})
	case len(parts) == 3 && parts[1] == Documents && parts[2] == "post_document":
		s.postDocument(w, r)
	default:
		s.handleCollection(w, r, parts[1:])
	}
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var creds struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil ||
		creds.Username != s.Username || creds.Password != s.Password {
		writeJSON(w, http.StatusBadRequest, object{"non_field_errors": []string{"Unable to log in."}})
		return
	}
	writeJSON(w, http.StatusOK, object{"token": s.Token})
}

func (s *Server) handleCollection(w http.ResponseWriter, r *http.Request, parts []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	coll, ok := s.objects[parts[0]]
	if !ok {
		http.NotFound(w, r)
		return
	}

	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			items := make([]any, 0, len(coll))
			for _, id := range sortedIDs(coll) {
				items = append(items, coll[id])
			}
			writePage(w, r, items)
		case http.MethodPost:
			var obj object
			if err := json.NewDecoder(r.Body).Decode(&obj); err != nil {
				writeJSON(w, http.StatusBadRequest, object{"detail": err.Error()})
				return
			}
			if name, _ := obj["name"].(string); parts[0] != Documents && name == "" {
				writeJSON(w, http.StatusBadRequest, object{"name": []string{"This field is required."}})
				return
			}
			s.nextID++
			obj["id"] = s.nextID
			coll[s.nextID] = obj
			writeJSON(w, http.StatusCreated, obj)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
		return
	}

	id, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	obj, ok := coll[id]
	if !ok {
		writeJSON(w, http.StatusNotFound, object{"detail": "No Tag matches the given query."})
		return
	}

	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, obj)
	case http.MethodPatch, http.MethodPut:
		var patch object
		if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
			writeJSON(w, http.StatusBadRequest, object{"detail": err.Error()})
			return
		}
		for k, v := range patch {
			if k != "id" {
				obj[k] = v
			}
		}
		writeJSON(w, http.StatusOK, obj)
	case http.MethodDelete:
		delete(coll, id)
		if parts[0] == Documents {
			s.trash[id] = trashed{obj: obj, deletedAt: s.Now()}
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleTrash(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch r.Method {
	case http.MethodGet:
		ids := make([]int64, 0, len(s.trash))
		for id := range s.trash {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		items := make([]any, 0, len(ids))
		for _, id := range ids {
			t := s.trash[id]
			obj := make(object, len(t.obj)+1)
			for k, v := range t.obj {
				obj[k] = v
			}
			obj["deleted_at"] = t.deletedAt.UTC().Format(time.RFC3339)
			items = append(items, obj)
		}
		writePage(w, r, items)

	case http.MethodPost:
		var body struct {
			Documents []int64 `json:"documents"`
			Action    string  `json:"action"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, object{"detail": err.Error()})
			return
		}
		ids := body.Documents
		if len(ids) == 0 && body.Action == "empty" {
			for id := range s.trash {
				ids = append(ids, id)
			}
		}
		for _, id := range ids {
			if _, ok := s.trash[id]; !ok {
				writeJSON(w, http.StatusBadRequest, object{"documents": []string{fmt.Sprintf("Document %d not in trash", id)}})
				return
			}
		}
		for _, id := range ids {
			switch body.Action {
			case "restore":
				s.objects[Documents][id] = s.trash[id].obj
				delete(s.trash, id)
			case "empty":
				delete(s.trash, id)
			default:
				writeJSON(w, http.StatusBadRequest, object{"action": []string{"invalid"}})
				return
			}
		}
		writeJSON(w, http.StatusOK, object{"result": "OK", "doc_ids": ids})

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// listTasks answers with a bare array, like older servers do.
func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := r.URL.Query().Get("task_id")
	out := make([]any, 0, len(s.tasks))
	for _, t := range s.tasks {
		if want == "" || t["task_id"] == want {
			out = append(out, t)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// postDocument accepts the upload and consumes it immediately: a document
// and a finished task are created.
func (s *Server) postDocument(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseMultipartForm(64 << 20); err != nil {
		writeJSON(w, http.StatusBadRequest, object{"detail": err.Error()})
		return
	}
	file, header, err := r.FormFile("document")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, object{"document": []string{"No file was submitted."}})
		return
	}
	defer file.Close()
	data, _ := io.ReadAll(file)

	up := Upload{
		FileName:      header.Filename,
		ContentType:   header.Header.Get("Content-Type"),
		Data:          data,
		Title:         r.FormValue("title"),
		Tags:          r.MultipartForm.Value["tags"],
		DocumentType:  r.FormValue("document_type"),
		Correspondent: r.FormValue("correspondent"),
		CustomFields:  r.FormValue("custom_fields"),
		TaskID:        uuid.New().String(),
	}

	title := up.Title
	if title == "" {
		title = strings.TrimSuffix(up.FileName, "."+lastExt(up.FileName))
	}
	tags := make([]int64, 0, len(up.Tags))
	for _, t := range up.Tags {
		if id, err := strconv.ParseInt(t, 10, 64); err == nil {
			tags = append(tags, id)
		}
	}

	s.mu.Lock()
	s.nextID++
	up.DocumentID = s.nextID
	s.objects[Documents][up.DocumentID] = object{
		"id": up.DocumentID, "title": title, "tags": tags,
		"created": "2024-01-01", "added": "2024-01-01T00:00:00Z", "original_file_name": up.FileName,
	}
	s.tasks = append(s.tasks, object{
		"id": len(s.tasks) + 1, "task_id": up.TaskID, "task_file_name": up.FileName,
		"date_created": s.Now().UTC().Format(time.RFC3339), "type": "file",
		"status": "SUCCESS", "related_document": strconv.FormatInt(up.DocumentID, 10),
	})
	s.uploads = append(s.uploads, up)
	s.mu.Unlock()

	body := up.TaskID
	if s.QuoteTaskID {
		body = strconv.Quote(body)
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = io.WriteString(w, body)
}

func writePage(w http.ResponseWriter, r *http.Request, items []any) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	size, _ := strconv.Atoi(r.URL.Query().Get("page_size"))
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = 25
	}
	start := min((page-1)*size, len(items))
	end := min(start+size, len(items))

	var next any
	if end < len(items) {
		u := *r.URL
		q := u.Query()
		q.Set("page", strconv.Itoa(page+1))
		u.RawQuery = q.Encode()
		next = "http://" + r.Host + u.String()
	}
	writeJSON(w, http.StatusOK, object{"count": len(items), "next": next, "results": items[start:end]})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func toObject(v any) object {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	var obj object
	if err := json.Unmarshal(data, &obj); err != nil {
		panic(err)
	}
	return obj
}

func idOf(obj object) int64 {
	switch id := obj["id"].(type) {
	case float64:
		return int64(id)
	case int64:
		return id
	}
	return 0
}

func sortedIDs(coll map[int64]object) []int64 {
	ids := make([]int64, 0, len(coll))
	for id := range coll {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func lastExt(name string) string {
	if i := strings.LastIndex(name, "."); i >= 0 {
		return name[i+1:]
	}
	return ""
}
