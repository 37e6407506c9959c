// ABOUTME: HTTP transport adapter for inbound SMS/WhatsApp webhooks
// ABOUTME: Signature verification, input sanitization, and TwiML replies around the session core

package webhook

import (
	"context"
	"encoding/xml"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/cbello1987/Fmla/internal/identity"
	"github.com/cbello1987/Fmla/internal/session"
	"github.com/cbello1987/Fmla/internal/store"
)

// slowRequestThreshold is where a webhook request starts getting logged at
// WARN; the messaging transport retries around ten seconds.
const slowRequestThreshold = 2 * time.Second

// Sessions is the slice of the orchestrator the transport needs.
type Sessions interface {
	Handle(ctx context.Context, in session.Inbound) string
}

// Options configures the webhook handler.
type Options struct {
	// AuthToken signs webhook requests; required when VerifySignatures is on.
	AuthToken string
	// VerifySignatures toggles request signature checking.
	VerifySignatures bool
	// PublicURL is the externally visible base URL used in signature
	// computation, e.g. "https://fmla.example.com".
	PublicURL string
}

// Handler terminates webhook HTTP and hands messages to the session core.
type Handler struct {
	sessions Sessions
	kv       store.KV
	opts     Options
	logger   *slog.Logger
}

// NewHandler creates the webhook handler.
func NewHandler(sessions Sessions, kv store.KV, opts Options, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		sessions: sessions,
		kv:       kv,
		opts:     opts,
		logger:   logger.With("component", "webhook"),
	}
}

// Routes builds the HTTP router.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/ping", h.handlePing)
	r.Get("/health", h.handleHealth)
	r.Post("/sms", h.handleSMS)
	return r
}

func (h *Handler) handlePing(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte("pong"))
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	w.Header().Set("Content-Type", "application/json")
	if err := h.kv.Ping(ctx); err != nil {
		h.logger.Error("health check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"status":"degraded","store":"down"}`))
		return
	}
	w.Write([]byte(`{"status":"ok"}`))
}

func (h *Handler) handleSMS(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	if err := r.ParseForm(); err != nil {
		http.Error(w, "malformed form body", http.StatusBadRequest)
		return
	}

	if h.opts.VerifySignatures {
		if !verifySignature(h.opts.AuthToken, h.requestURL(r), r.PostForm, r.Header.Get("X-Twilio-Signature")) {
			h.logger.Warn("webhook signature rejected", "remote", r.RemoteAddr)
			http.Error(w, "invalid signature", http.StatusForbidden)
			return
		}
	}

	from := r.PostFormValue("From")
	if !identity.ValidAddress(from) {
		h.logger.Warn("webhook rejected invalid address")
		http.Error(w, "invalid sender address", http.StatusBadRequest)
		return
	}

	in := session.Inbound{
		FromAddress: from,
		Body:        Sanitize(r.PostFormValue("Body")),
		Media:       parseMedia(r),
	}

	reply := h.sessions.Handle(r.Context(), in)

	if elapsed := time.Since(start); elapsed > slowRequestThreshold {
		h.logger.Warn("slow webhook request", "duration", elapsed, "request_id", chimw.GetReqID(r.Context()))
	}

	writeTwiML(w, reply)
}

// requestURL reconstructs the URL the sender signed. The configured public
// URL wins over whatever the proxy rewrote.
func (h *Handler) requestURL(r *http.Request) string {
	if h.opts.PublicURL != "" {
		return h.opts.PublicURL + r.URL.RequestURI()
	}
	scheme := "https"
	if r.TLS == nil {
		scheme = "http"
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}

func parseMedia(r *http.Request) []session.Media {
	n, err := strconv.Atoi(r.PostFormValue("NumMedia"))
	if err != nil || n <= 0 {
		return nil
	}
	if n > 10 {
		n = 10
	}

	media := make([]session.Media, 0, n)
	for i := 0; i < n; i++ {
		url := r.PostFormValue(fmt.Sprintf("MediaUrl%d", i))
		if url == "" {
			continue
		}
		media = append(media, session.Media{
			URL:         url,
			ContentType: r.PostFormValue(fmt.Sprintf("MediaContentType%d", i)),
		})
	}
	return media
}

type twiML struct {
	XMLName xml.Name `xml:"Response"`
	Message string   `xml:"Message"`
}

func writeTwiML(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "text/xml")
	w.Write([]byte(xml.Header))
	out, _ := xml.Marshal(twiML{Message: message})
	w.Write(out)
}
