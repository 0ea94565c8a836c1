// ABOUTME: Server-rendered browser pages: sign-in, a two-party chat view and help
// ABOUTME: Chat history is rendered from the service and kept current over Server-Sent Events

package webui

import (
	"bytes"
	"embed"
	"errors"
	"html/template"
	"log/slog"
	"net/http"

	"github.com/samber/lo"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/2389/pairchat/internal/auth"
	"github.com/2389/pairchat/internal/conversation"
	"github.com/2389/pairchat/internal/store"
)

//go:embed templates/*.html
var templateFS embed.FS

//go:embed docs/*.md
var docsFS embed.FS

type indexData struct {
	Title string
}

// messageItem holds a message whose fields the service already escaped.
type messageItem struct {
	Seq    int64
	Sender template.HTML
	Body   template.HTML
}

type chatData struct {
	Title    string
	Viewer   string
	Peer     string
	Messages []messageItem
	Cursor   int64
}

type helpData struct {
	Title   string
	Content template.HTML
}

// UI serves the browser pages.
type UI struct {
	chat   *conversation.Service
	logger *slog.Logger
	pages  map[string]*template.Template
	help   template.HTML
}

// New parses the embedded templates and renders the help page once.
func New(chat *conversation.Service, logger *slog.Logger) (*UI, error) {
	if logger == nil {
		logger = slog.Default()
	}

	ui := &UI{
		chat:   chat,
		logger: logger.With("component", "webui"),
		pages:  make(map[string]*template.Template),
	}
	for _, name := range []string{"index", "chat", "help"} {
		tmpl, err := template.ParseFS(templateFS, "templates/base.html", "templates/"+name+".html")
		if err != nil {
			return nil, err
		}
		ui.pages[name] = tmpl
	}

	md, err := docsFS.ReadFile("docs/help.md")
	if err != nil {
		return nil, err
	}
	help, err := renderMarkdown(md)
	if err != nil {
		return nil, err
	}
	ui.help = help

	return ui, nil
}

// renderMarkdown converts trusted, embedded Markdown to HTML.
func renderMarkdown(src []byte) (template.HTML, error) {
	md := goldmark.New(goldmark.WithExtensions(extension.GFM))
	var buf bytes.Buffer
	if err := md.Convert(src, &buf); err != nil {
		return "", err
	}
	return template.HTML(buf.String()), nil
}

// RegisterRoutes adds the pages to mux. requireUser wraps pages that need a
// signed-in caller.
func (ui *UI) RegisterRoutes(mux *http.ServeMux, requireUser func(http.Handler) http.Handler) {
	mux.HandleFunc("GET /{$}", ui.handleIndex)
	mux.HandleFunc("GET /help", ui.handleHelp)
	mux.Handle("GET /chat/{peer}", requireUser(http.HandlerFunc(ui.handleChat)))
}

func (ui *UI) handleIndex(w http.ResponseWriter, r *http.Request) {
	ui.render(w, "index", indexData{Title: "Sign in"})
}

func (ui *UI) handleHelp(w http.ResponseWriter, r *http.Request) {
	ui.render(w, "help", helpData{Title: "Help", Content: ui.help})
}

func (ui *UI) handleChat(w http.ResponseWriter, r *http.Request) {
	viewer := auth.Username(r.Context())
	peer := r.PathValue("peer")

	msgs, err := ui.chat.History(r.Context(), viewer, peer)
	if errors.Is(err, conversation.ErrInvalidParticipant) {
		http.Error(w, "peer is required", http.StatusBadRequest)
		return
	}
	if errors.Is(err, conversation.ErrUnknownPeer) {
		http.Error(w, "no such user", http.StatusNotFound)
		return
	}
	if err != nil {
		ui.logger.Error("failed to load history", "viewer", viewer, "peer", peer, "error", err)
		http.Error(w, "could not load conversation", http.StatusInternalServerError)
		return
	}

	var cursor int64
	if len(msgs) > 0 {
		cursor = msgs[len(msgs)-1].Seq
	}

	ui.render(w, "chat", chatData{
		Title:  "Chat with " + peer,
		Viewer: viewer,
		Peer:   peer,
		Messages: lo.Map(msgs, func(m store.Message, _ int) messageItem {
			// Sender and Body were escaped by conversation.Escape.
			return messageItem{Seq: m.Seq, Sender: template.HTML(m.Sender), Body: template.HTML(m.Body)}
		}),
		Cursor: cursor,
	})
}

func (ui *UI) render(w http.ResponseWriter, page string, data any) {
	var buf bytes.Buffer
	if err := ui.pages[page].ExecuteTemplate(&buf, "base", data); err != nil {
		ui.logger.Error("failed to render page", "page", page, "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = buf.WriteTo(w)
}
