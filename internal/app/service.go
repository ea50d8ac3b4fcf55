package app

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"strings"
	"time"

	"formdesk/api/internal/auth"
	"formdesk/api/internal/authpw"
	"formdesk/api/internal/config"
	"formdesk/api/internal/export"
	"formdesk/api/internal/form"
	"formdesk/api/internal/rbac"
	"formdesk/api/internal/search"
	"formdesk/api/internal/session"
	"formdesk/api/internal/store"
	"formdesk/api/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserName     string
	Tier         string
	JTI          string
	ExpiresAt    time.Time
}

type dataStore interface {
	CurrentEntry(context.Context) (store.FormEntry, error)
	GetEntry(context.Context, string) (store.FormEntry, error)
	UpdateEntryField(ctx context.Context, entryID, fieldName, value, updatedBy string) (store.FormEntry, error)
	ResetEntry(context.Context, string) (store.FormEntry, error)
	MarkComplete(context.Context, string) error
	ListSubmittedEntries(context.Context) ([]store.FormEntry, error)
	UpdateEntry(ctx context.Context, entryID string, fields map[string]string, isComplete *bool) (store.FormEntry, error)
	DeleteEntry(context.Context, string) (store.FormEntry, error)
	RevokeAccessToken(context.Context, string, time.Time) error
	IsAccessTokenRevoked(context.Context, string) (bool, error)
	Ping(ctx context.Context) error
}

type sessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash, name, tier string, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.Principal, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

type searchIndex interface {
	Search(q search.Query) search.Response
	IndexRecord(doc search.RecordDoc)
	DeleteRecord(id string)
}

type exporter interface {
	Export(ctx context.Context, req export.Request) (*export.Result, error)
}

type Service struct {
	cfg       config.Config
	store     dataStore
	sessions  sessionStore
	passwords *authpw.Service
	search    searchIndex
	export    exporter
}

// New wires a service whose refresh sessions live in Postgres alongside the
// form data.
func New(cfg config.Config, dataStore *store.PostgresStore, passwords *authpw.Service, searchSvc *search.Service) *Service {
	return newService(cfg, dataStore, dataStore, passwords, searchSvc)
}

// NewWithSessionStore wires a service whose refresh sessions live in Redis.
func NewWithSessionStore(cfg config.Config, dataStore *store.PostgresStore, sessions *session.RedisStore, passwords *authpw.Service, searchSvc *search.Service) *Service {
	return newService(cfg, dataStore, sessions, passwords, searchSvc)
}

func newService(cfg config.Config, data dataStore, sessions sessionStore, passwords *authpw.Service, searchSvc *search.Service) *Service {
	svc := &Service{
		cfg:       cfg,
		store:     data,
		sessions:  sessions,
		passwords: passwords,
		search:    searchSvc,
	}
	svc.export = export.NewService(exportStore{data: data})
	return svc
}

// Login verifies one of the two shared access passwords and opens a session
// at the tier the password grants.
func (s *Service) Login(ctx context.Context, name, password string) (Session, error) {
	tier, err := s.passwords.Verify(password)
	if err != nil {
		return Session{}, err
	}

	userName := strings.TrimSpace(name)
	if userName == "" {
		userName = "User"
	}

	return s.issueSession(ctx, store.Principal{Name: userName, Tier: string(tier)})
}

// Refresh rotates a refresh token: the presented token is revoked and a new
// session is issued for the same principal.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	principal, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, principal)
}

func (s *Service) issueSession(ctx context.Context, principal store.Principal) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.TokenSecret), auth.Claims{
		Name: principal.Name,
		Tier: principal.Tier,
		JTI:  jti,
		Exp:  expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), principal.Name, principal.Tier, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserName:     principal.Name,
		Tier:         principal.Tier,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.TokenSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	return Session{
		Token:     token,
		UserName:  claims.Name,
		Tier:      claims.Tier,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		_ = s.store.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt)
	}
	if refreshToken != "" {
		_ = s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

func (s *Service) Can(tier string, action rbac.Action) bool {
	return rbac.Can(rbac.Normalize(tier), action)
}

// CurrentEntry returns the active draft, creating one when none exists.
func (s *Service) CurrentEntry(ctx context.Context) (map[string]any, error) {
	entry, err := s.store.CurrentEntry(ctx)
	if err != nil {
		return nil, err
	}
	return entryPayload(entry), nil
}

// UpdateField writes one draft field and appends its attribution row. The
// second return value reports whether the draft is now complete.
func (s *Service) UpdateField(ctx context.Context, fieldName, value, updatedBy string) (map[string]any, bool, error) {
	if !form.Known(fieldName) {
		return nil, false, domainError(http.StatusBadRequest, "VALIDATION_ERROR", fmt.Sprintf("unknown field %q", fieldName), nil)
	}

	entry, err := s.store.CurrentEntry(ctx)
	if err != nil {
		return nil, false, err
	}

	updated, err := s.store.UpdateEntryField(ctx, entry.ID, fieldName, value, updatedBy)
	if err != nil {
		return nil, false, err
	}

	return entryPayload(updated), form.IsComplete(updated.Fields), nil
}

// Submit archives the active draft when every field is filled. The response
// mirrors the form client contract: a success flag plus a human message, with
// an incomplete draft reported in the body rather than as an error.
func (s *Service) Submit(ctx context.Context) (map[string]any, error) {
	entry, err := s.store.CurrentEntry(ctx)
	if err != nil {
		return nil, err
	}

	if !form.IsComplete(entry.Fields) {
		return map[string]any{
			"success": false,
			"message": "All fields must be filled before submission",
		}, nil
	}

	if err := s.store.MarkComplete(ctx, entry.ID); err != nil {
		return nil, err
	}

	s.search.IndexRecord(search.NewRecordDoc(entry.ID, entry.Fields))

	return map[string]any{
		"success": true,
		"message": "Form submitted successfully",
	}, nil
}

// Clear resets every field of the active draft and wipes its attribution log.
// The draft keeps its identifier.
func (s *Service) Clear(ctx context.Context) (map[string]any, error) {
	entry, err := s.store.CurrentEntry(ctx)
	if err != nil {
		return nil, err
	}
	reset, err := s.store.ResetEntry(ctx, entry.ID)
	if err != nil {
		return nil, err
	}
	return entryPayload(reset), nil
}

// SubmittedRecords lists archived records, newest first. Records whose fields
// are all blank are treated as corrupted and filtered out.
func (s *Service) SubmittedRecords(ctx context.Context) ([]map[string]any, error) {
	entries, err := s.store.ListSubmittedEntries(ctx)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(entries))
	for _, entry := range entries {
		if form.AllBlank(entry.Fields) {
			continue
		}
		items = append(items, entryPayload(entry))
	}
	return items, nil
}

// UpdateRecord applies a partial patch to any record. Patch keys are limited
// to the recognized field names plus is_complete; anything else is rejected.
func (s *Service) UpdateRecord(ctx context.Context, entryID string, patch map[string]any) (map[string]any, error) {
	fields := make(map[string]string)
	var isComplete *bool

	for key, raw := range patch {
		if key == "is_complete" {
			flag, ok := raw.(bool)
			if !ok {
				return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "is_complete must be a boolean", nil)
			}
			isComplete = &flag
			continue
		}
		if !form.Known(key) {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", fmt.Sprintf("unknown field %q", key), nil)
		}
		value, ok := raw.(string)
		if !ok {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", fmt.Sprintf("field %q must be a string", key), nil)
		}
		fields[key] = value
	}

	if len(fields) == 0 && isComplete == nil {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "patch contains no recognized fields", nil)
	}

	updated, err := s.store.UpdateEntry(ctx, entryID, fields, isComplete)
	if err != nil {
		return nil, err
	}

	if updated.IsComplete {
		s.search.IndexRecord(search.NewRecordDoc(updated.ID, updated.Fields))
	} else {
		s.search.DeleteRecord(updated.ID)
	}

	return entryPayload(updated), nil
}

// DeleteRecord removes a record permanently and returns the removed row.
func (s *Service) DeleteRecord(ctx context.Context, entryID string) (map[string]any, error) {
	removed, err := s.store.DeleteEntry(ctx, entryID)
	if err != nil {
		return nil, err
	}
	s.search.DeleteRecord(entryID)
	return entryPayload(removed), nil
}

func (s *Service) SearchRecords(ctx context.Context, text string, limit, offset int) search.Response {
	return s.search.Search(search.Query{Text: text, Limit: limit, Offset: offset})
}

// ExportRecord renders an archived record in the requested format. Only
// submitted records can be exported.
func (s *Service) ExportRecord(ctx context.Context, entryID string, format export.Format) (*export.Result, error) {
	return s.export.Export(ctx, export.Request{RecordID: entryID, Format: format})
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// exportStore adapts the entry store to the export service, exposing only
// submitted records.
type exportStore struct {
	data dataStore
}

func (a exportStore) GetRecord(ctx context.Context, id string) (export.Record, error) {
	entry, err := a.data.GetEntry(ctx, id)
	if err != nil {
		return export.Record{}, err
	}
	if !entry.IsComplete {
		return export.Record{}, sql.ErrNoRows
	}

	record := export.Record{
		ID:          entry.ID,
		Fields:      entry.Fields,
		SubmittedAt: entry.UpdatedAt,
	}
	for _, update := range entry.Updates {
		record.Updates = append(record.Updates, export.Update{
			FieldName: update.FieldName,
			Value:     update.FieldValue,
			UpdatedBy: update.UpdatedBy,
			UpdatedAt: update.UpdatedAt,
		})
	}
	return record, nil
}

func entryPayload(entry store.FormEntry) map[string]any {
	payload := map[string]any{
		"id":            entry.ID,
		"is_complete":   entry.IsComplete,
		"field_updates": updatesPayload(entry.Updates),
		"created_at":    entry.CreatedAt,
		"updated_at":    entry.UpdatedAt,
	}
	for _, name := range form.Names {
		payload[name] = entry.Fields[name]
	}
	return payload
}

func updatesPayload(updates []store.FieldUpdate) []map[string]any {
	items := make([]map[string]any, 0, len(updates))
	for _, update := range updates {
		items = append(items, map[string]any{
			"field_name":  update.FieldName,
			"field_value": update.FieldValue,
			"updated_by":  update.UpdatedBy,
			"updated_at":  update.UpdatedAt,
		})
	}
	return items
}
