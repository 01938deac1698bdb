package server

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/wizardbeardstudio/open-ledger-go/internal/platform/ledger"
)

const maxBodyBytes = 1 << 20

var errMalformedBody = errors.New("malformed request body")

// TransactionView is the wire form of a transaction.
type TransactionView struct {
	ID          int64                  `json:"id"`
	UserID      int64                  `json:"user_id"`
	Value       string                 `json:"value"`
	Type        ledger.TransactionType `json:"type"`
	Description string                 `json:"description"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
}

func transactionView(t ledger.Transaction) TransactionView {
	return TransactionView{
		ID:          t.ID,
		UserID:      t.UserID,
		Value:       t.Value.StringFixed(2),
		Type:        t.Type,
		Description: t.Description,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
	}
}

func transactionViews(txs []ledger.Transaction) []TransactionView {
	out := make([]TransactionView, 0, len(txs))
	for _, t := range txs {
		out = append(out, transactionView(t))
	}
	return out
}

type userView struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Balance   string    `json:"balance"`
	CreatedAt time.Time `json:"created_at"`
}

func money(d decimal.Decimal) string {
	return d.StringFixed(2)
}

// LedgerHandler serves the /api routes. It expects the JWT middleware to run
// in front of it for every route except register and login.
type LedgerHandler struct {
	Ledger   *LedgerService
	Identity *IdentityService
	Log      *zap.Logger
}

func (h LedgerHandler) Register(mux *runtime.ServeMux) error {
	routes := []struct {
		method  string
		pattern string
		handle  runtime.HandlerFunc
	}{
		{http.MethodPost, "/api/register", h.register},
		{http.MethodPost, "/api/login", h.login},
		{http.MethodPost, "/api/logout", h.logout},
		{http.MethodPost, "/api/refresh", h.refresh},
		{http.MethodGet, "/api/profile", h.profile},
		{http.MethodGet, "/api/users", h.listUsers},
		{http.MethodGet, "/api/users/{id}/balance", h.userBalance},
		{http.MethodGet, "/api/users/{id}/transactions", h.userTransactions},
		{http.MethodGet, "/api/balance", h.balance},
		{http.MethodPost, "/api/transactions/create", h.createTransaction},
		{http.MethodGet, "/api/transactions", h.listTransactions},
		{http.MethodGet, "/api/transactions/{id}", h.showTransaction},
		{http.MethodGet, "/api/transactions/{id}/refund", h.refundTransaction},
		{http.MethodPost, "/api/transactions/{id}/refund", h.refundTransaction},
	}
	for _, rt := range routes {
		if err := mux.HandlePath(rt.method, rt.pattern, rt.handle); err != nil {
			return err
		}
	}
	return nil
}

func (h LedgerHandler) logger() *zap.Logger {
	if h.Log == nil {
		return zap.NewNop()
	}
	return h.Log
}

func (h LedgerHandler) register(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	in, err := readFields(r, "name", "email", "password")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	tok, err := h.Identity.Register(r.Context(), in["name"], in["email"], in["password"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeToken(w, http.StatusCreated, "User registered successfully", tok)
}

func (h LedgerHandler) login(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	in, err := readFields(r, "email", "password")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	tok, err := h.Identity.Login(r.Context(), in["email"], in["password"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeToken(w, http.StatusOK, "Logged in successfully", tok)
}

func (h LedgerHandler) logout(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	if err := h.Identity.Logout(r.Context(), sessionFromContext(r.Context())); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, "Successfully logged out", nil)
}

func (h LedgerHandler) refresh(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	tok, err := h.Identity.Refresh(r.Context(), sessionFromContext(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeToken(w, http.StatusOK, "Token refreshed successfully", tok)
}

func (h LedgerHandler) profile(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	p, err := h.Identity.Profile(r.Context(), sessionFromContext(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, "Profile retrieved successfully", map[string]any{
		"user": userView{ID: p.ID, Name: p.Name, Email: p.Email, Balance: money(p.Balance), CreatedAt: p.CreatedAt},
	})
}

func (h LedgerHandler) listUsers(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	users, err := h.Ledger.ListUsers(r.Context(), sessionFromContext(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]userView, 0, len(users))
	for _, u := range users {
		out = append(out, userView{ID: u.ID, Name: u.Name, Email: u.Email, Balance: money(u.Balance), CreatedAt: u.CreatedAt})
	}
	writeSuccess(w, http.StatusOK, "Users retrieved successfully", map[string]any{"users": out})
}

func (h LedgerHandler) userBalance(w http.ResponseWriter, r *http.Request, params map[string]string) {
	id, err := pathID(params, "user")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	acct, err := h.Ledger.GetUserBalance(r.Context(), sessionFromContext(r.Context()), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, "Balance retrieved successfully", map[string]any{
		"user_id": acct.UserID,
		"balance": money(acct.Balance),
	})
}

func (h LedgerHandler) balance(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	acct, err := h.Ledger.GetBalance(r.Context(), sessionFromContext(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, "Balance retrieved successfully", map[string]any{
		"user_id": acct.UserID,
		"balance": money(acct.Balance),
	})
}

func (h LedgerHandler) userTransactions(w http.ResponseWriter, r *http.Request, params map[string]string) {
	id, err := pathID(params, "user")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	txs, err := h.Ledger.ListUserTransactions(r.Context(), sessionFromContext(r.Context()), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, "Transactions retrieved successfully", map[string]any{"transactions": transactionViews(txs)})
}

func (h LedgerHandler) listTransactions(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	txs, err := h.Ledger.ListTransactions(r.Context(), sessionFromContext(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, "Transactions retrieved successfully", map[string]any{"transactions": transactionViews(txs)})
}

func (h LedgerHandler) showTransaction(w http.ResponseWriter, r *http.Request, params map[string]string) {
	id, err := pathID(params, "transaction")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	tx, err := h.Ledger.GetTransaction(r.Context(), sessionFromContext(r.Context()), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, "Transaction retrieved successfully", map[string]any{"transaction": transactionView(tx)})
}

func (h LedgerHandler) createTransaction(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	value, typ, err := readCreateTransaction(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	tx, balance, err := h.Ledger.CreateTransaction(r.Context(), sessionFromContext(r.Context()), value, typ)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusCreated, "Transaction created successfully", map[string]any{
		"transaction": transactionView(tx),
		"balance":     money(balance),
	})
}

func (h LedgerHandler) refundTransaction(w http.ResponseWriter, r *http.Request, params map[string]string) {
	id, err := pathID(params, "transaction")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	res, err := h.Ledger.RefundTransaction(r.Context(), sessionFromContext(r.Context()), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if res.Outcome == ledger.OutcomeAlreadyRefunded {
		writeEnvelope(w, http.StatusConflict, map[string]any{
			"status":      "error",
			"message":     "Transaction already refunded",
			"code":        http.StatusConflict,
			"transaction": transactionView(res.Transaction),
		})
		return
	}
	writeSuccess(w, http.StatusOK, "Transaction refunded successfully", map[string]any{
		"transaction": transactionView(res.Transaction),
		"balance":     money(res.Balance),
	})
}

// readFields pulls string fields from a JSON object body, or from form and
// query values for any other content type.
func readFields(r *http.Request, names ...string) (map[string]string, error) {
	out := make(map[string]string, len(names))
	if isJSON(r) {
		raw := make(map[string]json.RawMessage)
		if err := decodeJSON(r, &raw); err != nil {
			return nil, err
		}
		for _, n := range names {
			v, ok := raw[n]
			if !ok {
				continue
			}
			var s string
			if err := json.Unmarshal(v, &s); err != nil {
				return nil, &ledger.ValidationError{Field: n, Reason: "must be a string"}
			}
			out[n] = s
		}
		return out, nil
	}
	if err := r.ParseForm(); err != nil {
		return nil, errMalformedBody
	}
	for _, n := range names {
		out[n] = r.FormValue(n)
	}
	return out, nil
}

func readCreateTransaction(r *http.Request) (decimal.Decimal, ledger.TransactionType, error) {
	var (
		value    decimal.Decimal
		typ      ledger.TransactionType
		rawValue string
		rawType  string
	)
	if isJSON(r) {
		var body struct {
			Value json.RawMessage `json:"value"`
			Type  json.RawMessage `json:"type"`
		}
		if err := decodeJSON(r, &body); err != nil {
			return value, typ, err
		}
		if len(body.Value) == 0 || string(body.Value) == "null" {
			return value, typ, &ledger.ValidationError{Field: "value", Reason: "is required"}
		}
		if len(body.Type) == 0 || string(body.Type) == "null" {
			return value, typ, &ledger.ValidationError{Field: "type", Reason: "is required"}
		}
		if err := value.UnmarshalJSON(body.Value); err != nil {
			return value, typ, &ledger.ValidationError{Field: "value", Reason: "must be a decimal number"}
		}
		if err := typ.UnmarshalJSON(body.Type); err != nil {
			return value, typ, &ledger.ValidationError{Field: "type", Reason: err.Error()}
		}
		return value, typ, nil
	}

	if err := r.ParseForm(); err != nil {
		return value, typ, errMalformedBody
	}
	rawValue = strings.TrimSpace(r.FormValue("value"))
	rawType = strings.TrimSpace(r.FormValue("type"))
	if rawValue == "" {
		return value, typ, &ledger.ValidationError{Field: "value", Reason: "is required"}
	}
	if rawType == "" {
		return value, typ, &ledger.ValidationError{Field: "type", Reason: "is required"}
	}
	value, err := decimal.NewFromString(rawValue)
	if err != nil {
		return value, typ, &ledger.ValidationError{Field: "value", Reason: "must be a decimal number"}
	}
	typ, err = ledger.ParseTransactionType(rawType)
	if err != nil {
		return value, typ, &ledger.ValidationError{Field: "type", Reason: err.Error()}
	}
	return value, typ, nil
}

func isJSON(r *http.Request) bool {
	ct := r.Header.Get("Content-Type")
	if ct == "" {
		return false
	}
	mt, _, err := mime.ParseMediaType(ct)
	return err == nil && (mt == "application/json" || strings.HasSuffix(mt, "+json"))
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		return errMalformedBody
	}
	return nil
}

func pathID(params map[string]string, what string) (int64, error) {
	id, err := strconv.ParseInt(params["id"], 10, 64)
	if err != nil || id <= 0 {
		if what == "user" {
			return 0, ledger.ErrUserMissing
		}
		return 0, ledger.ErrTransactionMissing
	}
	return id, nil
}

func writeToken(w http.ResponseWriter, code int, msg string, tok IssuedToken) {
	writeSuccess(w, code, msg, map[string]any{
		"access_token": tok.AccessToken,
		"token_type":   "bearer",
		"expires_in":   int64(tok.ExpiresIn.Seconds()),
		"user_id":      tok.UserID,
	})
}

func writeSuccess(w http.ResponseWriter, code int, msg string, payload map[string]any) {
	body := map[string]any{"status": "success", "message": msg}
	for k, v := range payload {
		body[k] = v
	}
	writeEnvelope(w, code, body)
}

func writeEnvelope(w http.ResponseWriter, code int, body map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

// httpStatus maps domain errors onto one consistent set of status codes.
func httpStatus(err error) (int, string) {
	var verr *ledger.ValidationError
	switch {
	case errors.As(err, &verr):
		return http.StatusUnprocessableEntity, verr.Error()
	case errors.Is(err, errMalformedBody):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, ledger.ErrUnauthenticated):
		return http.StatusUnauthorized, "Unauthenticated"
	case errors.Is(err, ledger.ErrInvalidCredentials):
		return http.StatusUnauthorized, "Invalid credentials"
	case errors.Is(err, ledger.ErrTransactionMissing):
		return http.StatusNotFound, "Transaction not found"
	case errors.Is(err, ledger.ErrUserMissing), errors.Is(err, ledger.ErrAccountMissing):
		return http.StatusNotFound, "User not found"
	case errors.Is(err, ledger.ErrNotFound):
		return http.StatusNotFound, "Not found"
	case errors.Is(err, ledger.ErrEmailTaken):
		return http.StatusUnprocessableEntity, "email: has already been taken"
	case errors.Is(err, ledger.ErrLocked):
		return http.StatusTooManyRequests, "Too many failed login attempts, try again later"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func (h LedgerHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code, msg := httpStatus(err)
	if code >= http.StatusInternalServerError {
		h.logger().Error("request failed", zap.String("path", r.URL.Path), zap.String("request_id", requestIDFromContext(r.Context())), zap.Error(err))
	}
	writeEnvelope(w, code, map[string]any{
		"status":  "error",
		"message": msg,
		"code":    code,
	})
}
