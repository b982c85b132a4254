package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/MrWong99/kokoro/internal/analysis"
	"github.com/MrWong99/kokoro/internal/credential"
	"github.com/MrWong99/kokoro/internal/observe"
	"github.com/MrWong99/kokoro/internal/partner"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func validateStruct(v any) error {
	validateOnce.Do(func() { validate = validator.New(validator.WithRequiredStructEnabled()) })
	return validate.Struct(v)
}

// ── /api/session ─────────────────────────────────────────────────────────────

type clientSecret struct {
	Value     string `json:"value"`
	ExpiresAt int64  `json:"expires_at,omitempty"`
}

type sessionResponse struct {
	ClientSecret clientSecret `json:"client_secret"`
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	log := observe.Logger(r.Context())
	if s.creds == nil {
		log.Error("session: no credential provider configured")
		writeError(w, http.StatusInternalServerError, "API Key is missing on Server")
		return
	}

	tok, err := s.creds.Token(r.Context())
	if err != nil {
		log.Error("session: mint failed", "err", err)
		var ce *credential.Error
		switch {
		case errors.Is(err, credential.ErrMissingKey):
			writeError(w, http.StatusInternalServerError, "API Key is missing on Server")
		case errors.As(err, &ce) && ce.Status >= 400:
			writeError(w, ce.Status, ce.Err.Error())
		default:
			writeError(w, http.StatusInternalServerError, "Internal Server Error")
		}
		return
	}

	resp := sessionResponse{ClientSecret: clientSecret{Value: tok.Value}}
	if !tok.ExpiresAt.IsZero() {
		resp.ClientSecret.ExpiresAt = tok.ExpiresAt.Unix()
	}
	writeJSON(w, http.StatusOK, resp)
}

// ── /api/review ──────────────────────────────────────────────────────────────

// reviewPayload accepts the current field names and the older web client's.
type reviewPayload struct {
	analysis.ReviewRequest

	History          string `json:"history"`
	AgentMBTI        string `json:"agentMBTI"`
	AgentBasePrompt  string `json:"agentBasePrompt"`
	SituationText    string `json:"situationText"`
	AIEmotion        string `json:"aiEmotion"`
	AIInterests      string `json:"aiInterests"`
	UserRelationship string `json:"userRelationship"`
	AIName           string `json:"aiName"`
}

// request merges legacy fields into the canonical request. Canonical values
// win when both are present.
func (p reviewPayload) request() analysis.ReviewRequest {
	req := p.ReviewRequest
	fill := func(dst *string, legacy string) {
		if *dst == "" {
			*dst = legacy
		}
	}
	fill(&req.ConversationLog, p.History)
	fill(&req.PersonalityArchetype, p.AgentMBTI)
	fill(&req.PersonalityPrompt, p.AgentBasePrompt)
	fill(&req.ScenarioText, p.SituationText)
	fill(&req.ExpressivenessMode, p.AIEmotion)
	fill(&req.Interests, p.AIInterests)
	fill(&req.RelationshipStage, p.UserRelationship)
	fill(&req.DisplayName, p.AIName)
	return req
}

func (s *Server) handleReview(w http.ResponseWriter, r *http.Request) {
	log := observe.Logger(r.Context())
	if s.scorer == nil {
		writeError(w, http.StatusServiceUnavailable, "Analysis is not configured")
		return
	}

	var p reviewPayload
	if err := decodeJSON(w, r, &p); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req := p.request()
	if err := validateStruct(req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid review request: %v", err))
		return
	}

	report, err := s.scorer.RequestReport(r.Context(), req.ConversationLog, req.SessionContext)
	if err != nil {
		log.Error("review: analysis failed", "err", err, "malformed", analysis.IsMalformed(err))
		writeError(w, http.StatusInternalServerError, "Analysis failed")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// ── /api/characters ──────────────────────────────────────────────────────────

type archetypeView struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Group string `json:"group,omitempty"`
	Voice string `json:"voice,omitempty"`
}

type scenarioView struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	Point string `json:"point,omitempty"`
}

type charactersResponse struct {
	Default    string          `json:"default"`
	Archetypes []archetypeView `json:"archetypes"`
	Scenarios  []scenarioView  `json:"scenarios"`
}

func (s *Server) handleCharacters(w http.ResponseWriter, _ *http.Request) {
	c := s.catalogue.Load()
	resp := charactersResponse{
		Default:    c.Default().ID,
		Archetypes: []archetypeView{},
		Scenarios:  []scenarioView{},
	}
	for _, a := range c.Archetypes() {
		resp.Archetypes = append(resp.Archetypes, archetypeView{ID: a.ID, Name: a.DisplayName(), Group: a.Group, Voice: a.Voice})
	}
	for _, sc := range c.Scenarios() {
		resp.Scenarios = append(resp.Scenarios, scenarioView{ID: sc.ID, Label: sc.Label, Point: sc.Point})
	}
	writeJSON(w, http.StatusOK, resp)
}

// ── /api/partners ────────────────────────────────────────────────────────────

func (s *Server) handleListPartners(w http.ResponseWriter, r *http.Request) {
	list, err := s.partners.List(r.Context())
	if err != nil {
		s.partnerError(w, r, err)
		return
	}
	if list == nil {
		list = []partner.Partner{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleSavePartner(w http.ResponseWriter, r *http.Request) {
	var p partner.Partner
	if err := decodeJSON(w, r, &p); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	saved, err := s.partners.Save(r.Context(), p)
	if err != nil {
		s.partnerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, saved)
}

func (s *Server) handleGetPartner(w http.ResponseWriter, r *http.Request) {
	p, err := s.partners.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.partnerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleDeletePartner(w http.ResponseWriter, r *http.Request) {
	if err := s.partners.Delete(r.Context(), r.PathValue("id")); err != nil {
		s.partnerError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) partnerError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, partner.ErrNotFound):
		writeError(w, http.StatusNotFound, "partner not found")
	case errors.Is(err, partner.ErrInvalid):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		observe.Logger(r.Context()).Error("partners: store failure", "err", err)
		writeError(w, http.StatusInternalServerError, "Internal Server Error")
	}
}

// ── helpers ──────────────────────────────────────────────────────────────────

type errorBody struct {
	Error string `json:"error"`
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is empty")
		}
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}
