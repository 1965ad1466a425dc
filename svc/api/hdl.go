package api

import (
	"embed"
	"encoding/json"
	"html/template"
	"io"
	"io/fs"
	"mime"
	"net/http"
	"time"

	"pastelite/cfg"
	"pastelite/pkg/domain"
	"pastelite/svc/svc"
	"pastelite/svc/util"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/hlog"
)

// requestOverhead leaves room for the JSON envelope and escaping around the
// content itself.
const requestOverhead = 4 * 1024

const timeLayout = "2006-01-02T15:04:05.000Z07:00"

//go:embed templates/*.html
var templateFS embed.FS

var pages = template.Must(template.ParseFS(templateFS, "templates/*.html"))

//go:embed static
var staticFS embed.FS

// homeCSP extends the default policy with the one script the form needs and
// the API it posts to.
const homeCSP = "default-src 'none'; script-src 'self'; connect-src 'self'; style-src 'unsafe-inline'; form-action 'self'; frame-ancestors 'none';"

type Hdl struct {
	paste *svc.Paste
	cfg   *cfg.Cfg
}
type CreateReq struct {
	Content    string `json:"content"`
	TTLSeconds *int   `json:"ttl_seconds,omitempty"`
	MaxViews   *int   `json:"max_views,omitempty"`
}
type CreateResp struct {
	ID             string  `json:"id"`
	URL            string  `json:"url"`
	CreatedAt      string  `json:"created_at"`
	ExpiresAt      *string `json:"expires_at,omitempty"`
	MaxViews       *int    `json:"max_views,omitempty"`
	RemainingViews *int    `json:"remaining_views,omitempty"`
}

// FetchResp always carries both limit fields; null means "no limit".
type FetchResp struct {
	Content        string  `json:"content"`
	RemainingViews *int    `json:"remaining_views"`
	ExpiresAt      *string `json:"expires_at"`
}

type pageData struct {
	ID        string
	Content   string
	Limited   bool
	Remaining int
	ExpiresAt string
}
type homePage struct {
	MaxSize  int64
	MaxTTL   int
	MaxViews int
}
type errorPage struct {
	Title   string
	Message string
}

func (h *Hdl) CreatePaste(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	contentType := r.Header.Get("Content-Type")
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil || mediaType != "application/json" {
		log.Warn().
			Str("content_type", contentType).
			Str("request_id", requestID).
			Msg("invalid Content-Type header")
		w.WriteHeader(http.StatusUnsupportedMediaType)
		json.NewEncoder(w).Encode(map[string]string{
			"error":      "expected Content-Type: application/json",
			"request_id": requestID,
		})
		return
	}
	if ce := r.Header.Get("Content-Encoding"); ce != "" && ce != "identity" {
		log.Warn().Str("content_encoding", ce).Msg("compressed content not allowed")
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return
	}

	limit := h.cfg.MaxPasteSize*2 + requestOverhead
	if r.ContentLength > limit {
		log.Warn().Int64("content_length", r.ContentLength).Msg("Content-Length exceeds maximum")
		writeErr(w, domain.ErrPasteTooLarge, requestID)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	var req CreateReq
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			log.Warn().Int64("limit", tooLarge.Limit).Msg("request body exceeds maximum")
			writeErr(w, domain.ErrPasteTooLarge, requestID)
		case err == io.EOF:
			log.Warn().Msg("empty request body")
			writeErr(w, domain.ErrInvalidRequest, requestID)
		default:
			log.Warn().Err(err).Msg("invalid request")
			writeErr(w, domain.ErrInvalidRequest, requestID)
		}
		return
	}

	params := domain.CreateParams{
		Content:    req.Content,
		TTLSeconds: req.TTLSeconds,
		MaxViews:   req.MaxViews,
	}
	paste, err := h.paste.Create(r.Context(), util.RequestTime(r, h.cfg.TestMode), params)
	if err != nil {
		if domain.Status(err) < http.StatusInternalServerError {
			log.Warn().Err(err).Msg("rejected paste")
		} else {
			log.Error().Err(err).Msg("failed to create paste")
		}
		writeErr(w, err, requestID)
		return
	}
	log.Info().
		Str("paste_id", paste.ID).
		Bool("ttl", paste.TTLSeconds != nil).
		Bool("max_views", paste.MaxViews != nil).
		Msg("paste created")
	resp := CreateResp{
		ID:             paste.ID,
		URL:            h.pasteURL(r, paste.ID),
		CreatedAt:      formatTime(paste.CreatedAt),
		ExpiresAt:      formatTimePtr(paste.ExpiresAt()),
		MaxViews:       paste.MaxViews,
		RemainingViews: paste.RemainingViews,
	}
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(resp)
}

// GetPaste consumes one view of a view-limited paste.
func (h *Hdl) GetPaste(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	id := chi.URLParam(r, "id")
	paste, err := h.paste.Fetch(r.Context(), util.RequestTime(r, h.cfg.TestMode), id)
	if err != nil {
		log.Warn().Err(err).Str("paste_id", id).Msg("get failed")
		writeErr(w, err, requestID)
		return
	}
	log.Info().
		Str("paste_id", id).
		Str("client_ip", util.RedactIP(r.RemoteAddr)).
		Msg("paste retrieved")
	w.Header().Set("Cache-Control", "no-store")
	json.NewEncoder(w).Encode(FetchResp{
		Content:        paste.Content,
		RemainingViews: paste.RemainingViews,
		ExpiresAt:      formatTimePtr(paste.ExpiresAt()),
	})
}

// ViewPaste renders the paste as a page. It is a fetch like any other and
// consumes a view.
func (h *Hdl) ViewPaste(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	id := chi.URLParam(r, "id")
	paste, err := h.paste.Fetch(r.Context(), util.RequestTime(r, h.cfg.TestMode), id)
	if err != nil {
		log.Warn().Err(err).Str("paste_id", id).Msg("view failed")
		status := domain.Status(gone(err))
		page := errorPage{Title: "Paste not found", Message: "This paste does not exist or has expired."}
		if status != http.StatusNotFound {
			page = errorPage{Title: "Service unavailable", Message: "Please try again later."}
		}
		renderPage(w, status, "error.html", page)
		return
	}
	data := pageData{ID: paste.ID, Content: paste.Content}
	if paste.RemainingViews != nil {
		data.Limited = true
		data.Remaining = *paste.RemainingViews
	}
	if exp := paste.ExpiresAt(); exp != nil {
		data.ExpiresAt = formatTime(*exp)
	}
	w.Header().Set("Cache-Control", "no-store")
	renderPage(w, http.StatusOK, "paste.html", data)
}

// Home serves the create form. It posts JSON to /api/pastes like any client.
func (h *Hdl) Home(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Security-Policy", homeCSP)
	renderPage(w, http.StatusOK, "home.html", homePage{
		MaxSize:  h.cfg.MaxPasteSize,
		MaxTTL:   h.cfg.MaxTTLSeconds,
		MaxViews: h.cfg.MaxViewsLimit,
	})
}

func staticHandler() http.Handler {
	sub, err := fs.Sub(staticFS, "static")
	if err != nil {
		panic(err)
	}
	return http.StripPrefix("/static/", http.FileServer(http.FS(sub)))
}

func renderPage(w http.ResponseWriter, status int, name string, data interface{}) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := pages.ExecuteTemplate(w, name, data); err != nil {
		util.Error().Err(err).Str("template", name).Msg("failed to render page")
	}
}

func (h *Hdl) pasteURL(r *http.Request, id string) string {
	base := h.cfg.PublicBaseURL
	if base == "" {
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		} else if len(h.cfg.TrustedProxies) > 0 && r.Header.Get("X-Forwarded-Proto") == "https" {
			scheme = "https"
		}
		base = scheme + "://" + r.Host
	}
	return base + "/p/" + id
}

// gone folds Expired into NotFound; clients never learn which one it was.
func gone(err error) error {
	if domain.IsGone(err) {
		return domain.ErrPasteNotFound
	}
	return err
}

func writeErr(w http.ResponseWriter, err error, requestID string) {
	err = gone(err)
	statusCode := domain.Status(err)
	w.WriteHeader(statusCode)
	errorMsg := domain.ToResp(err).Error.Msg
	switch {
	case statusCode >= 500:
		if statusCode == http.StatusInternalServerError {
			errorMsg = "internal server error"
		}
		util.Error().
			Err(err).
			Str("request_id", requestID).
			Msg("internal error with detailed info")
	case statusCode == http.StatusBadRequest:
		errorMsg = err.Error()
	}
	json.NewEncoder(w).Encode(map[string]string{
		"error":      errorMsg,
		"request_id": requestID,
	})
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}
func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}
