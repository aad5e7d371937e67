package oauth

import (
	"html/template"
	"net/http"
)

// authorizePageData feeds the interactive authorization form. Every OAuth
// parameter is carried through hidden fields so the callback can resume the
// flow unchanged.
type authorizePageData struct {
	ClientID            string
	RedirectURI         string
	State               string
	Scope               string
	CodeChallenge       string
	CodeChallengeMethod string
}

var authorizePage = template.Must(template.New("authorize").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Authorize MCP Access</title>
<style>
  body { font-family: -apple-system, "Segoe UI", sans-serif; background: #f3f4f6; margin: 0; }
  .card { max-width: 420px; margin: 10vh auto; background: #fff; border-radius: 8px;
          box-shadow: 0 1px 4px rgba(0,0,0,.12); padding: 2rem; }
  h1 { font-size: 1.25rem; margin: 0 0 .5rem; }
  p { color: #4b5563; font-size: .9rem; }
  label { display: block; font-size: .85rem; font-weight: 600; margin-bottom: .25rem; }
  input[type=text] { width: 100%; box-sizing: border-box; padding: .5rem .6rem;
          border: 1px solid #d1d5db; border-radius: 6px; font-size: .9rem; }
  button { margin-top: 1rem; width: 100%; padding: .6rem; border: 0; border-radius: 6px;
          background: #0a66c2; color: #fff; font-size: .95rem; cursor: pointer; }
  button:hover { background: #084e96; }
</style>
</head>
<body>
<div class="card">
  <h1>Authorize MCP Access</h1>
  <p>An application is requesting access to your LinkedIn engagement data.
     Paste your connection token to continue.</p>
  <form method="GET" action="/oauth/callback">
    <label for="connectionToken">Connection token</label>
    <input type="text" id="connectionToken" name="connectionToken" required autocomplete="off">
    <input type="hidden" name="client_id" value="{{.ClientID}}">
    <input type="hidden" name="redirect_uri" value="{{.RedirectURI}}">
    <input type="hidden" name="state" value="{{.State}}">
    <input type="hidden" name="scope" value="{{.Scope}}">
    <input type="hidden" name="code_challenge" value="{{.CodeChallenge}}">
    <input type="hidden" name="code_challenge_method" value="{{.CodeChallengeMethod}}">
    <button type="submit">Authorize</button>
  </form>
</div>
</body>
</html>
`))

func (s *Server) renderAuthorizePage(w http.ResponseWriter, data authorizePageData) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_ = authorizePage.Execute(w, data)
}
