// Package statuspage serves a small read-only HTTP status page over a
// scanner.Scanner: a live table of sessions and a gzip-compressed
// download of the detailed in-memory log. It is an ambient,
// out-of-core operator surface, not part of the protocol engine
// itself.
package statuspage

import (
	"fmt"
	"html/template"
	"net/http"

	"github.com/gorilla/csrf"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/balena-io-modules/usbboot-go/internal/memlog"
	"github.com/balena-io-modules/usbboot-go/scanner"
)

// Page serves the status page and log download for a running Scanner.
type Page struct {
	sc      *scanner.Scanner
	version string
	log     *memlog.Writer
}

// New constructs a Page over sc. log is the writer whose rotating
// lines are rendered inline and offered as a gzip download.
func New(sc *scanner.Scanner, version string, log *memlog.Writer) *Page {
	return &Page{sc: sc, version: version, log: log}
}

// Handler wires the status routes onto a fresh mux.Router, protected
// by gorilla/csrf, and wraps the whole thing in an Apache-format
// access log via gorilla/handlers.
func (p *Page) Handler(csrfKey []byte, accessLog *memlog.Writer) http.Handler {
	r := mux.NewRouter()
	r.Methods("GET").Path("/").HandlerFunc(p.statusPage)
	r.Methods("POST").Path("/log.gz").HandlerFunc(p.statusGzip)
	r.Use(csrf.Protect(csrfKey, csrf.Secure(false)))

	var h http.Handler = r
	if accessLog != nil {
		h = handlers.LoggingHandler(accessLog, h)
	}
	return h
}

// sessionRow pairs a session's snapshot with the last log line
// recorded for its port id, so the table shows what a session is
// doing without making the operator open the full log.
type sessionRow struct {
	scanner.SessionView
	LastEvent string
}

type statusTemplateData struct {
	Version      string
	Sessions     []sessionRow
	SessionCount int
	Log          string
	CSRFField    template.HTML
}

func (p *Page) statusPage(w http.ResponseWriter, r *http.Request) {
	sessions := p.sc.Sessions()
	rows := make([]sessionRow, len(sessions))
	for i, v := range sessions {
		row := sessionRow{SessionView: v}
		if p.log != nil {
			row.LastEvent = p.log.LastPortLine(v.PortID)
		}
		rows[i] = row
	}

	logText := ""
	if p.log != nil {
		text, err := p.log.String(p.version + "\n")
		if err == nil {
			logText = text
		}
	}

	data := &statusTemplateData{
		Version:      p.version,
		Sessions:     rows,
		SessionCount: len(sessions),
		Log:          logText,
		CSRFField:    csrf.TemplateField(r),
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := statusTemplate.Execute(w, data); err != nil {
		respondError(w, err)
	}
}

func (p *Page) statusGzip(w http.ResponseWriter, r *http.Request) {
	if p.log == nil {
		http.Error(w, "no log configured", http.StatusNotFound)
		return
	}
	gz, err := p.log.Gzip(p.version + "\n")
	if err != nil {
		respondError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/gzip")
	if _, err := w.Write(gz); err != nil {
		respondError(w, err)
	}
}

func respondError(w http.ResponseWriter, err error) {
	http.Error(w, fmt.Sprintf("statuspage: %v", err), http.StatusInternalServerError)
}

var statusTemplate = template.Must(template.New("status").Parse(`<!DOCTYPE html>
<html>
<head><title>usbboot status</title></head>
<body>
<h1>usbboot {{.Version}}</h1>
<p>{{.SessionCount}} active session(s)</p>
<table border="1">
<tr><th>Port</th><th>Family</th><th>Step</th><th>Last step</th><th>Progress</th><th>Last event</th></tr>
{{range .Sessions}}
<tr><td>{{.PortID}}</td><td>{{.Family}}</td><td>{{.Step}}</td><td>{{.LastStep}}</td><td>{{.Progress}}%</td><td>{{.LastEvent}}</td></tr>
{{end}}
</table>
<form method="POST" action="/log.gz">
{{.CSRFField}}
<button type="submit">Download log</button>
</form>
<pre>{{.Log}}</pre>
</body>
</html>
`))
