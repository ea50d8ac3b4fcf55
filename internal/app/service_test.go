package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"formdesk/api/internal/authpw"
	"formdesk/api/internal/config"
	"formdesk/api/internal/export"
	"formdesk/api/internal/form"
	"formdesk/api/internal/search"
	"formdesk/api/internal/store"
)

// fakeStore is an in-memory stand-in for the Postgres store. It backs both
// the entry data and the refresh sessions, like PostgresStore does.
type fakeStore struct {
	mu       sync.Mutex
	entries  map[string]*store.FormEntry
	order    []string
	sessions map[string]store.Principal
	revoked  map[string]bool
	seq      int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		entries:  make(map[string]*store.FormEntry),
		sessions: make(map[string]store.Principal),
		revoked:  make(map[string]bool),
	}
}

func blankFields() map[string]string {
	fields := make(map[string]string, len(form.Names))
	for _, name := range form.Names {
		fields[name] = ""
	}
	return fields
}

func copyEntry(entry *store.FormEntry) store.FormEntry {
	out := *entry
	out.Fields = make(map[string]string, len(entry.Fields))
	for k, v := range entry.Fields {
		out.Fields[k] = v
	}
	out.Updates = append([]store.FieldUpdate(nil), entry.Updates...)
	return out
}

func (f *fakeStore) CurrentEntry(ctx context.Context) (store.FormEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.order) - 1; i >= 0; i-- {
		entry := f.entries[f.order[i]]
		if !entry.IsComplete {
			return copyEntry(entry), nil
		}
	}
	f.seq++
	entry := &store.FormEntry{
		ID:        fmt.Sprintf("ent-%d", f.seq),
		Fields:    blankFields(),
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	f.entries[entry.ID] = entry
	f.order = append(f.order, entry.ID)
	return copyEntry(entry), nil
}

func (f *fakeStore) GetEntry(ctx context.Context, entryID string) (store.FormEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry, ok := f.entries[entryID]
	if !ok {
		return store.FormEntry{}, sql.ErrNoRows
	}
	return copyEntry(entry), nil
}

func (f *fakeStore) UpdateEntryField(ctx context.Context, entryID, fieldName, value, updatedBy string) (store.FormEntry, error) {
	if !form.Known(fieldName) {
		return store.FormEntry{}, fmt.Errorf("%w: %s", store.ErrUnknownField, fieldName)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	entry, ok := f.entries[entryID]
	if !ok {
		return store.FormEntry{}, sql.ErrNoRows
	}
	entry.Fields[fieldName] = value
	entry.Updates = append(entry.Updates, store.FieldUpdate{
		FieldName:  fieldName,
		FieldValue: value,
		UpdatedBy:  updatedBy,
		UpdatedAt:  time.Now(),
	})
	entry.UpdatedAt = time.Now()
	return copyEntry(entry), nil
}

func (f *fakeStore) ResetEntry(ctx context.Context, entryID string) (store.FormEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry, ok := f.entries[entryID]
	if !ok {
		return store.FormEntry{}, sql.ErrNoRows
	}
	entry.Fields = blankFields()
	entry.Updates = nil
	entry.IsComplete = false
	entry.UpdatedAt = time.Now()
	return copyEntry(entry), nil
}

func (f *fakeStore) MarkComplete(ctx context.Context, entryID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry, ok := f.entries[entryID]
	if !ok || entry.IsComplete {
		return sql.ErrNoRows
	}
	entry.IsComplete = true
	entry.UpdatedAt = time.Now()
	return nil
}

func (f *fakeStore) ListSubmittedEntries(ctx context.Context) ([]store.FormEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	items := make([]store.FormEntry, 0)
	for i := len(f.order) - 1; i >= 0; i-- {
		entry := f.entries[f.order[i]]
		if entry.IsComplete {
			items = append(items, copyEntry(entry))
		}
	}
	return items, nil
}

func (f *fakeStore) UpdateEntry(ctx context.Context, entryID string, fields map[string]string, isComplete *bool) (store.FormEntry, error) {
	for name := range fields {
		if !form.Known(name) {
			return store.FormEntry{}, fmt.Errorf("%w: %s", store.ErrUnknownField, name)
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	entry, ok := f.entries[entryID]
	if !ok {
		return store.FormEntry{}, sql.ErrNoRows
	}
	// Mirror the form_entries_one_active unique index: un-archiving fails
	// while another entry is the active draft.
	if isComplete != nil && !*isComplete {
		for id, other := range f.entries {
			if id != entryID && !other.IsComplete {
				return store.FormEntry{}, store.ErrActiveDraftExists
			}
		}
	}
	for name, value := range fields {
		entry.Fields[name] = value
	}
	if isComplete != nil {
		entry.IsComplete = *isComplete
	}
	entry.UpdatedAt = time.Now()
	return copyEntry(entry), nil
}

func (f *fakeStore) DeleteEntry(ctx context.Context, entryID string) (store.FormEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry, ok := f.entries[entryID]
	if !ok {
		return store.FormEntry{}, sql.ErrNoRows
	}
	removed := copyEntry(entry)
	delete(f.entries, entryID)
	for i, id := range f.order {
		if id == entryID {
			f.order = append(f.order[:i], f.order[i+1:]...)
			break
		}
	}
	return removed, nil
}

func (f *fakeStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revoked[jti] = true
	return nil
}

func (f *fakeStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.revoked[jti], nil
}

func (f *fakeStore) Ping(ctx context.Context) error {
	return nil
}

func (f *fakeStore) SaveRefreshSession(ctx context.Context, tokenHash, name, tier string, expiresAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[tokenHash] = store.Principal{Name: name, Tier: tier}
	return nil
}

func (f *fakeStore) LookupRefreshSession(ctx context.Context, tokenHash string) (store.Principal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	principal, ok := f.sessions[tokenHash]
	if !ok {
		return store.Principal{}, sql.ErrNoRows
	}
	return principal, nil
}

func (f *fakeStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, tokenHash)
	return nil
}

// fakeSearch records index traffic and serves a canned response.
type fakeSearch struct {
	mu       sync.Mutex
	indexed  map[string]search.RecordDoc
	deleted  []string
	response search.Response
}

func newFakeSearch() *fakeSearch {
	return &fakeSearch{indexed: make(map[string]search.RecordDoc)}
}

func (f *fakeSearch) Search(q search.Query) search.Response {
	resp := f.response
	resp.Query = q.Text
	if resp.Results == nil {
		resp.Results = []search.Result{}
	}
	return resp
}

func (f *fakeSearch) IndexRecord(doc search.RecordDoc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexed[doc.ID] = doc
}

func (f *fakeSearch) DeleteRecord(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.indexed, id)
	f.deleted = append(f.deleted, id)
}

func newTestService(t *testing.T) (*Service, *fakeStore, *fakeSearch) {
	t.Helper()
	passwords, err := authpw.NewService("view-pass", "edit-pass")
	if err != nil {
		t.Fatalf("authpw.NewService() error = %v", err)
	}
	fs := newFakeStore()
	idx := newFakeSearch()
	svc := &Service{
		cfg: config.Config{
			TokenSecret: "test-secret",
			AccessTTL:   time.Hour,
			RefreshTTL:  24 * time.Hour,
		},
		store:     fs,
		sessions:  fs,
		passwords: passwords,
		search:    idx,
	}
	svc.export = export.NewService(exportStore{data: fs})
	return svc, fs, idx
}

func fillDraft(t *testing.T, svc *Service) string {
	t.Helper()
	ctx := context.Background()
	entry, err := svc.store.CurrentEntry(ctx)
	if err != nil {
		t.Fatalf("CurrentEntry() error = %v", err)
	}
	for _, name := range form.Names {
		value := "value for " + name
		if name == form.FieldBudget {
			value = "15000"
		}
		if name == form.FieldPhoneNumber {
			value = "01234567890"
		}
		if _, _, err := svc.UpdateField(ctx, name, value, "Avery"); err != nil {
			t.Fatalf("UpdateField(%s) error = %v", name, err)
		}
	}
	return entry.ID
}

func TestLoginAssignsTierFromPassword(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	session, err := svc.Login(ctx, "Avery", "view-pass")
	if err != nil {
		t.Fatalf("Login(viewer) error = %v", err)
	}
	if session.Tier != "viewer" {
		t.Fatalf("viewer login tier = %q", session.Tier)
	}
	if session.UserName != "Avery" {
		t.Fatalf("viewer login name = %q", session.UserName)
	}

	session, err = svc.Login(ctx, "", "edit-pass")
	if err != nil {
		t.Fatalf("Login(editor) error = %v", err)
	}
	if session.Tier != "editor" {
		t.Fatalf("editor login tier = %q", session.Tier)
	}
	if session.UserName != "User" {
		t.Fatalf("blank name should default to User, got %q", session.UserName)
	}
}

func TestLoginRejectsWrongPassword(t *testing.T) {
	svc, _, _ := newTestService(t)
	if _, err := svc.Login(context.Background(), "Avery", "nope"); !errors.Is(err, authpw.ErrInvalidPassword) {
		t.Fatalf("Login(wrong password) error = %v, want ErrInvalidPassword", err)
	}
}

func TestRefreshRotatesToken(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	session, err := svc.Login(ctx, "Avery", "edit-pass")
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}

	renewed, err := svc.Refresh(ctx, session.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if renewed.Tier != "editor" || renewed.UserName != "Avery" {
		t.Fatalf("refreshed session lost principal: %+v", renewed)
	}
	if renewed.RefreshToken == session.RefreshToken {
		t.Fatal("refresh token was not rotated")
	}

	// The old refresh token must be unusable after rotation.
	if _, err := svc.Refresh(ctx, session.RefreshToken); err == nil {
		t.Fatal("expected Refresh() to fail for rotated token")
	}
}

func TestLogoutRevokesAccessToken(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	session, err := svc.Login(ctx, "Avery", "view-pass")
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if _, err := svc.SessionFromToken(ctx, session.Token); err != nil {
		t.Fatalf("SessionFromToken() before logout error = %v", err)
	}

	if err := svc.Logout(ctx, session, session.RefreshToken); err != nil {
		t.Fatalf("Logout() error = %v", err)
	}

	if _, err := svc.SessionFromToken(ctx, session.Token); err == nil {
		t.Fatal("expected SessionFromToken() to fail after logout")
	}
	if _, err := svc.Refresh(ctx, session.RefreshToken); err == nil {
		t.Fatal("expected Refresh() to fail after logout")
	}
}

func TestUpdateFieldAppendsAttribution(t *testing.T) {
	svc, fs, _ := newTestService(t)
	ctx := context.Background()

	payload, isComplete, err := svc.UpdateField(ctx, form.FieldProduct, "Widget Campaign", "Avery")
	if err != nil {
		t.Fatalf("UpdateField() error = %v", err)
	}
	if isComplete {
		t.Fatal("one filled field reported as complete")
	}
	if payload["product"] != "Widget Campaign" {
		t.Fatalf("payload product = %v", payload["product"])
	}

	updates, ok := payload["field_updates"].([]map[string]any)
	if !ok || len(updates) != 1 {
		t.Fatalf("field_updates = %v", payload["field_updates"])
	}
	if updates[0]["field_name"] != "product" || updates[0]["updated_by"] != "Avery" {
		t.Fatalf("attribution row = %v", updates[0])
	}

	// A second write to the same field appends rather than replaces.
	payload, _, err = svc.UpdateField(ctx, form.FieldProduct, "Widget Campaign v2", "Jordan")
	if err != nil {
		t.Fatalf("UpdateField() second write error = %v", err)
	}
	updates = payload["field_updates"].([]map[string]any)
	if len(updates) != 2 {
		t.Fatalf("expected append-only log, got %d rows", len(updates))
	}

	entryID := payload["id"].(string)
	entry, err := fs.GetEntry(ctx, entryID)
	if err != nil {
		t.Fatalf("GetEntry() error = %v", err)
	}
	latest, ok := entry.LatestUpdateFor("product")
	if !ok || latest.UpdatedBy != "Jordan" {
		t.Fatalf("LatestUpdateFor(product) = %+v, ok=%v", latest, ok)
	}
}

func TestUpdateFieldRejectsUnknownField(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, _, err := svc.UpdateField(context.Background(), "salary", "100", "Avery")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("UpdateField(unknown) error = %v, want DomainError", err)
	}
	if domainErr.Status != http.StatusBadRequest {
		t.Fatalf("DomainError.Status = %d", domainErr.Status)
	}
}

func TestSubmitIncompleteDraft(t *testing.T) {
	svc, _, idx := newTestService(t)
	ctx := context.Background()

	if _, _, err := svc.UpdateField(ctx, form.FieldProduct, "Widget", "Avery"); err != nil {
		t.Fatalf("UpdateField() error = %v", err)
	}

	payload, err := svc.Submit(ctx)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if payload["success"] != false {
		t.Fatalf("Submit() on incomplete draft = %v", payload)
	}
	if payload["message"] != "All fields must be filled before submission" {
		t.Fatalf("Submit() message = %v", payload["message"])
	}
	if len(idx.indexed) != 0 {
		t.Fatal("incomplete draft was indexed")
	}
}

func TestSubmitCompleteDraft(t *testing.T) {
	svc, fs, idx := newTestService(t)
	ctx := context.Background()

	entryID := fillDraft(t, svc)

	payload, err := svc.Submit(ctx)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if payload["success"] != true {
		t.Fatalf("Submit() = %v", payload)
	}

	archived, err := fs.GetEntry(ctx, entryID)
	if err != nil {
		t.Fatalf("GetEntry() error = %v", err)
	}
	if !archived.IsComplete {
		t.Fatal("submitted entry not marked complete")
	}
	if _, ok := idx.indexed[entryID]; !ok {
		t.Fatal("submitted entry not indexed for search")
	}

	// The next read serves a fresh draft under a new identifier.
	next, err := svc.CurrentEntry(ctx)
	if err != nil {
		t.Fatalf("CurrentEntry() after submit error = %v", err)
	}
	if next["id"] == entryID {
		t.Fatal("active draft still points at the archived entry")
	}
	if next["product"] != "" {
		t.Fatalf("fresh draft carries data: %v", next["product"])
	}
}

func TestClearKeepsEntryID(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	payload, _, err := svc.UpdateField(ctx, form.FieldProduct, "Widget", "Avery")
	if err != nil {
		t.Fatalf("UpdateField() error = %v", err)
	}
	entryID := payload["id"].(string)

	cleared, err := svc.Clear(ctx)
	if err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	if cleared["id"] != entryID {
		t.Fatalf("Clear() changed entry id: %v != %s", cleared["id"], entryID)
	}
	if cleared["product"] != "" {
		t.Fatalf("Clear() left field value: %v", cleared["product"])
	}
	if updates := cleared["field_updates"].([]map[string]any); len(updates) != 0 {
		t.Fatalf("Clear() left %d attribution rows", len(updates))
	}
}

func TestSubmittedRecordsFiltersBlank(t *testing.T) {
	svc, fs, _ := newTestService(t)
	ctx := context.Background()

	fillDraft(t, svc)
	if _, err := svc.Submit(ctx); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	// Simulate a corrupted archive row with no data at all.
	fs.mu.Lock()
	fs.seq++
	blankID := fmt.Sprintf("ent-%d", fs.seq)
	fs.entries[blankID] = &store.FormEntry{ID: blankID, Fields: blankFields(), IsComplete: true}
	fs.order = append(fs.order, blankID)
	fs.mu.Unlock()

	items, err := svc.SubmittedRecords(ctx)
	if err != nil {
		t.Fatalf("SubmittedRecords() error = %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("SubmittedRecords() returned %d items, want 1", len(items))
	}
	for _, item := range items {
		if item["id"] == blankID {
			t.Fatal("all-blank record was not filtered out")
		}
	}
}

func TestUpdateRecordPatch(t *testing.T) {
	svc, _, idx := newTestService(t)
	ctx := context.Background()

	entryID := fillDraft(t, svc)
	if _, err := svc.Submit(ctx); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	payload, err := svc.UpdateRecord(ctx, entryID, map[string]any{"product": "Renamed"})
	if err != nil {
		t.Fatalf("UpdateRecord() error = %v", err)
	}
	if payload["product"] != "Renamed" {
		t.Fatalf("patched product = %v", payload["product"])
	}
	if doc, ok := idx.indexed[entryID]; !ok || doc.Product != "Renamed" {
		t.Fatalf("search index not refreshed: %+v ok=%v", doc, ok)
	}

	// Unarchiving drops the record from the search index.
	if _, err := svc.UpdateRecord(ctx, entryID, map[string]any{"is_complete": false}); err != nil {
		t.Fatalf("UpdateRecord(is_complete=false) error = %v", err)
	}
	if _, ok := idx.indexed[entryID]; ok {
		t.Fatal("unarchived record still in search index")
	}
}

func TestUpdateRecordUnarchiveBlockedByActiveDraft(t *testing.T) {
	svc, _, idx := newTestService(t)
	ctx := context.Background()

	entryID := fillDraft(t, svc)
	if _, err := svc.Submit(ctx); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	// Polling after submit lazily creates the next draft, which occupies the
	// single active-draft slot.
	if _, err := svc.CurrentEntry(ctx); err != nil {
		t.Fatalf("CurrentEntry() error = %v", err)
	}

	_, err := svc.UpdateRecord(ctx, entryID, map[string]any{"is_complete": false})
	if !errors.Is(err, store.ErrActiveDraftExists) {
		t.Fatalf("UpdateRecord(is_complete=false) error = %v, want ErrActiveDraftExists", err)
	}

	// The archived record must stay archived and indexed.
	entry, err := svc.store.GetEntry(ctx, entryID)
	if err != nil {
		t.Fatalf("GetEntry() error = %v", err)
	}
	if !entry.IsComplete {
		t.Fatal("record was un-archived despite the active draft")
	}
	if _, ok := idx.indexed[entryID]; !ok {
		t.Fatal("record was de-indexed despite the failed un-archive")
	}
}

func TestUpdateRecordRejectsUnknownKey(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	entryID := fillDraft(t, svc)

	_, err := svc.UpdateRecord(ctx, entryID, map[string]any{"salary": "100"})
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("UpdateRecord(unknown key) error = %v, want DomainError", err)
	}
	if domainErr.Status != http.StatusUnprocessableEntity {
		t.Fatalf("DomainError.Status = %d", domainErr.Status)
	}

	if _, err := svc.UpdateRecord(ctx, entryID, map[string]any{}); !errors.As(err, &domainErr) {
		t.Fatalf("UpdateRecord(empty patch) error = %v, want DomainError", err)
	}
}

func TestUpdateRecordMissing(t *testing.T) {
	svc, _, _ := newTestService(t)
	if _, err := svc.UpdateRecord(context.Background(), "ent-missing", map[string]any{"product": "x"}); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("UpdateRecord(missing) error = %v, want sql.ErrNoRows", err)
	}
}

func TestDeleteRecord(t *testing.T) {
	svc, fs, idx := newTestService(t)
	ctx := context.Background()

	entryID := fillDraft(t, svc)
	if _, err := svc.Submit(ctx); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	removed, err := svc.DeleteRecord(ctx, entryID)
	if err != nil {
		t.Fatalf("DeleteRecord() error = %v", err)
	}
	if removed["id"] != entryID {
		t.Fatalf("DeleteRecord() returned %v", removed["id"])
	}
	if _, err := fs.GetEntry(ctx, entryID); !errors.Is(err, sql.ErrNoRows) {
		t.Fatal("record still present after delete")
	}
	if len(idx.deleted) != 1 || idx.deleted[0] != entryID {
		t.Fatalf("search deletions = %v", idx.deleted)
	}

	if _, err := svc.DeleteRecord(ctx, entryID); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("DeleteRecord(missing) error = %v, want sql.ErrNoRows", err)
	}
}

func TestExportRecordRequiresSubmitted(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	entryID := fillDraft(t, svc)

	// Still a draft: export must behave as if the record does not exist.
	if _, err := svc.ExportRecord(ctx, entryID, export.FormatCSV); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("ExportRecord(draft) error = %v, want sql.ErrNoRows", err)
	}

	if _, err := svc.Submit(ctx); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	result, err := svc.ExportRecord(ctx, entryID, export.FormatCSV)
	if err != nil {
		t.Fatalf("ExportRecord(csv) error = %v", err)
	}
	if result.MimeType != "text/csv" || len(result.Data) == 0 {
		t.Fatalf("ExportRecord(csv) result = %+v", result)
	}
}
