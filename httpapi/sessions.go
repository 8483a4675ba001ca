package httpapi

import (
	"html/template"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/isoautomate/browserq"
)

func (s *Server) requireSessions(w http.ResponseWriter) bool {
	if s.Sessions == nil {
		errorWithCode(w, http.StatusServiceUnavailable, "session store is not configured")
		return false
	}
	return true
}

func (s *Server) storeSession(w http.ResponseWriter, r *http.Request) {
	if !s.requireSessions(w) {
		return
	}
	var b browserq.SessionBundle
	if err := decode(w, r, &b); err != nil {
		writeError(w, err)
		return
	}
	if b.Cookies == nil {
		b.Cookies = []browserq.Cookie{}
	}
	if b.LocalStorage == nil {
		b.LocalStorage = map[string]string{}
	}
	if b.SessionStorage == nil {
		b.SessionStorage = map[string]string{}
	}
	id, err := s.Sessions.Store(r.Context(), b)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"sessionId": id})
}

func (s *Server) sessionData(w http.ResponseWriter, r *http.Request) {
	if !s.requireSessions(w) {
		return
	}
	b, err := s.Sessions.Load(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// sessionLoad serves a page that replays the bundle into the visitor's
// browser and then moves on to the captured URL.
func (s *Server) sessionLoad(w http.ResponseWriter, r *http.Request) {
	if !s.requireSessions(w) {
		return
	}
	b, err := s.Sessions.Load(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(statusFor(err))
		_ = notFoundPage.Execute(w, nil)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	if err := replayPage.Execute(w, b); err != nil {
		s.Log.WithError(err).Warn("failed to render session replay page")
	}
}

// Cookies go first: storage writes on some origins are gated on them.
// HttpOnly cannot be set from script, so those cookies are written without
// the flag.
var replayPage = template.Must(template.New("replay").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>Restoring session…</title>
</head>
<body>
<p>Restoring your session…</p>
<script>
(function () {
	var bundle = {{.}};
	(bundle.cookies || []).forEach(function (c) {
		var parts = [encodeURIComponent(c.name) + "=" + encodeURIComponent(c.value)];
		parts.push("path=" + (c.path || "/"));
		if (c.domain) parts.push("domain=" + c.domain);
		if (c.expires && c.expires > 0) parts.push("expires=" + new Date(c.expires * 1000).toUTCString());
		if (c.secure) parts.push("secure");
		if (c.sameSite) parts.push("samesite=" + c.sameSite);
		document.cookie = parts.join("; ");
	});
	Object.keys(bundle.localStorage || {}).forEach(function (k) {
		try { window.localStorage.setItem(k, bundle.localStorage[k]); } catch (e) {}
	});
	Object.keys(bundle.sessionStorage || {}).forEach(function (k) {
		try { window.sessionStorage.setItem(k, bundle.sessionStorage[k]); } catch (e) {}
	});
	if (bundle.url) {
		window.location.replace(bundle.url);
	}
})();
</script>
</body>
</html>
`))

var notFoundPage = template.Must(template.New("notfound").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Session not found</title></head>
<body><p>This session does not exist or has expired.</p></body>
</html>
`))
