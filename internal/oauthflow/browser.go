package oauthflow

import (
	"errors"
	"net/url"
	"os/exec"
	"runtime"
	"strings"
)

// BrowserOpener shows an authorization URL to the user.
type BrowserOpener interface {
	Open(url string) error
}

// BrowserFunc adapts a function to BrowserOpener.
type BrowserFunc func(url string) error

// Open implements BrowserOpener.
func (f BrowserFunc) Open(u string) error {
	return f(u)
}

// SystemBrowser opens URLs with the platform's default handler.
type SystemBrowser struct{}

// Open implements BrowserOpener.
func (SystemBrowser) Open(u string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", u)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", u)
	default:
		cmd = exec.Command("xdg-open", u)
	}
	return cmd.Start()
}

// ParseCodeInput accepts what a user pastes after authorizing: either the bare
// code or the full redirect URL. It returns the code and, for URLs, the state.
func ParseCodeInput(input string) (code, state string, err error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", "", ErrInvalidCode
	}
	if !strings.Contains(input, "://") {
		return input, "", nil
	}

	parsed, err := url.Parse(input)
	if err != nil {
		return "", "", err
	}
	q := parsed.Query()
	if e := q.Get("error"); e != "" {
		return "", "", errors.New("authorization denied: " + e)
	}
	code = q.Get("code")
	if code == "" {
		return "", "", errors.New("no code found in URL")
	}
	return code, q.Get("state"), nil
}
