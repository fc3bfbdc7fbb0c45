package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"mailpool/internal/domain"
	"mailpool/internal/store"
)

type Encrypter interface {
	Encrypt(plaintext string) (string, error)
}

type accountReq struct {
	Email        string `json:"email"`
	Password     string `json:"password"`
	ClientID     string `json:"client_id"`
	RefreshToken string `json:"refresh_token"`
}

// importReq carries accounts as objects, as "email----password----client_id----refresh_token"
// lines, or both.
type importReq struct {
	GroupID  *int64       `json:"group_id"`
	Accounts []accountReq `json:"accounts"`
	Text     string       `json:"text"`
}

func parseImportLines(text string) ([]accountReq, []string) {
	var out []accountReq
	var bad []string
	for i, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.Split(line, "----")
		if len(parts) != 4 {
			bad = append(bad, fmt.Sprintf("line %d: want 4 fields, got %d", i+1, len(parts)))
			continue
		}
		out = append(out, accountReq{
			Email:        strings.TrimSpace(parts[0]),
			Password:     strings.TrimSpace(parts[1]),
			ClientID:     strings.TrimSpace(parts[2]),
			RefreshToken: strings.TrimSpace(parts[3]),
		})
	}
	return out, bad
}

func (s *Server) importAccounts(w http.ResponseWriter, r *http.Request) {
	var req importReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	lines, failures := parseImportLines(req.Text)
	created := 0
	for _, a := range append(req.Accounts, lines...) {
		if a.Email == "" || a.ClientID == "" || a.RefreshToken == "" {
			failures = append(failures, fmt.Sprintf("%s: email, client_id and refresh_token are required", a.Email))
			continue
		}
		acc, err := s.sealAccount(a, req.GroupID)
		if err == nil {
			err = s.store.CreateAccount(r.Context(), acc)
		}
		if err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", a.Email, err))
			continue
		}
		created++
	}
	s.audit(r, "import", "account", "", fmt.Sprintf("created=%d, failed=%d", created, len(failures)))
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "created": created, "errors": nonNil(failures)})
}

func (s *Server) sealAccount(a accountReq, groupID *int64) (*domain.Account, error) {
	token, err := s.codec.Encrypt(a.RefreshToken)
	if err != nil {
		return nil, err
	}
	password, err := s.codec.Encrypt(a.Password)
	if err != nil {
		return nil, err
	}
	return &domain.Account{
		Email:        a.Email,
		Password:     password,
		ClientID:     a.ClientID,
		RefreshToken: token,
		GroupID:      groupID,
	}, nil
}

func (s *Server) listAccounts(w http.ResponseWriter, r *http.Request) {
	var groupID *int64
	if raw := r.URL.Query().Get("group"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid group id")
			return
		}
		groupID = &id
	}
	accounts, err := s.store.ListActiveAccounts(r.Context(), groupID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, nonNil(accounts))
}

func (s *Server) deleteAccount(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid account id")
		return
	}
	if err := s.store.DeleteAccount(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}
	s.audit(r, "delete", "account", strconv.FormatInt(id, 10), "")
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

type statusReq struct {
	Status string `json:"status"`
}

func (s *Server) setAccountStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid account id")
		return
	}
	var req statusReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Status != domain.AccountActive && req.Status != domain.AccountDisabled {
		writeError(w, http.StatusBadRequest, "status must be active or disabled")
		return
	}
	if err := s.store.SetAccountStatus(r.Context(), id, req.Status); err != nil {
		writeStoreError(w, err)
		return
	}
	s.audit(r, "set_status", "account", strconv.FormatInt(id, 10), "status="+req.Status)
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "account not found")
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}
