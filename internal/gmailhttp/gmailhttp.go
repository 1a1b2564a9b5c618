// Copyright 2025 The mailsort Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package gmailhttp builds an authenticated HTTP client for the GMail
// and Pub/Sub APIs from on-disk OAuth 2.0 material: an installed-app
// client credentials file and a previously authorized token file.
// Token acquisition itself is out of scope; any tool that writes a
// standard oauth2 token JSON (access_token, refresh_token, expiry)
// produces a usable token file.
package gmailhttp

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/tmcfarlane/mailsort/internal/gmail"
	"github.com/tmcfarlane/mailsort/internal/homedir"
)

const pubsubScope = "https://www.googleapis.com/auth/pubsub"

// CredentialsPath returns the client credentials file location,
// honoring the MAILSORT_CREDENTIALS override.
func CredentialsPath() string {
	if p := os.Getenv("MAILSORT_CREDENTIALS"); p != "" {
		return p
	}
	return filepath.Join(homedir.Get(), ".config", "mailsort", "credentials.json")
}

// TokenPath returns the authorized token file location, honoring the
// MAILSORT_TOKEN override.
func TokenPath() string {
	if p := os.Getenv("MAILSORT_TOKEN"); p != "" {
		return p
	}
	return filepath.Join(homedir.Get(), ".config", "mailsort", "token.json")
}

// New returns an HTTP client whose requests carry a bearer token for
// the GMail modify and Pub/Sub scopes.  Expired access tokens are
// refreshed transparently and the refreshed token is written back, so
// the refresh survives restarts.
func New(ctx context.Context) (*http.Client, error) {
	conf, err := readConfig(CredentialsPath())
	if err != nil {
		return nil, err
	}
	tokenPath := TokenPath()
	token, err := readToken(tokenPath)
	if err != nil {
		return nil, err
	}

	src := &savingTokenSource{
		path:     tokenPath,
		delegate: conf.TokenSource(ctx, token),
	}
	trans := &oauth2.Transport{
		Source: oauth2.ReuseTokenSource(token, src),
	}
	return &http.Client{Transport: trans}, nil
}

func readConfig(path string) (*oauth2.Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading client credentials %q", path)
	}
	conf, err := google.ConfigFromJSON(raw, gmail.ModifyScope, pubsubScope)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing client credentials %q", path)
	}
	return conf, nil
}

func readToken(path string) (*oauth2.Token, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err,
			"reading token %q (authorize the app and save its token there first)", path)
	}
	var token oauth2.Token
	if err := json.Unmarshal(raw, &token); err != nil {
		return nil, errors.Wrapf(err, "parsing token %q", path)
	}
	if token.RefreshToken == "" && token.AccessToken == "" {
		return nil, errors.Errorf("token %q holds no usable credential", path)
	}
	return &token, nil
}

// savingTokenSource persists each refreshed token back to disk.
type savingTokenSource struct {
	path     string
	delegate oauth2.TokenSource

	mu   sync.Mutex
	last *oauth2.Token
}

func (s *savingTokenSource) Token() (*oauth2.Token, error) {
	token, err := s.delegate.Token()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last != nil && s.last.AccessToken == token.AccessToken {
		return token, nil
	}
	if err := writeToken(s.path, token); err != nil {
		// The in-memory token still works for this run.
		return token, nil
	}
	s.last = token
	return token, nil
}

func writeToken(path string, token *oauth2.Token) error {
	raw, err := json.Marshal(token)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
