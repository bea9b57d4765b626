package tokenstore

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"time"

	"github.com/teemow/calfold/internal/fsutil"
)

type fileDocument struct {
	Items []fileItem `json:"items"`
}

type fileItem struct {
	Key          string `json:"key"`
	AccessToken  string `json:"access_token"`
	ExpiresIn    int64  `json:"expires_in"`
	TokenType    string `json:"token_type"`
	Scope        string `json:"scope"`
	RefreshToken string `json:"refresh_token"`
	IssuedTime   string `json:"issued_time"`
}

// Encode serializes tokens into the persisted document. A nil enc stores the
// secrets in plain text.
func Encode(tokens map[string]Token, enc *Encryption) ([]byte, error) {
	keys := make([]string, 0, len(tokens))
	for k := range tokens {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	doc := fileDocument{Items: make([]fileItem, 0, len(tokens))}
	for _, key := range keys {
		tok := tokens[key]

		access, err := enc.Encrypt(tok.AccessToken)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt access token of %s: %w", key, err)
		}
		refresh, err := enc.Encrypt(tok.RefreshToken)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt refresh token of %s: %w", key, err)
		}

		item := fileItem{
			Key:          key,
			AccessToken:  access,
			ExpiresIn:    int64(tok.ExpiresIn / time.Second),
			TokenType:    tok.TokenType,
			Scope:        tok.Scope,
			RefreshToken: refresh,
		}
		if !tok.Issued.IsZero() {
			item.IssuedTime = tok.Issued.UTC().Format(time.RFC3339Nano)
		}
		doc.Items = append(doc.Items, item)
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal tokens: %w", err)
	}
	return data, nil
}

// Decode parses a persisted document. The returned map is never nil. Empty
// input decodes to an empty map. Malformed documents decode to an empty map
// and an error wrapping ErrMalformedData; individual unreadable items are
// dropped and reported the same way.
func Decode(data []byte, enc *Encryption) (map[string]Token, error) {
	tokens := make(map[string]Token)
	if len(bytes.TrimSpace(data)) == 0 {
		return tokens, nil
	}

	var doc fileDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return tokens, fmt.Errorf("%w: %v", ErrMalformedData, err)
	}

	var errs []error
	for i, item := range doc.Items {
		if item.Key == "" {
			errs = append(errs, fmt.Errorf("%w: item %d has no key", ErrMalformedData, i))
			continue
		}

		access, err := enc.Decrypt(item.AccessToken)
		if err != nil {
			errs = append(errs, fmt.Errorf("%w: access token of %s: %v", ErrMalformedData, item.Key, err))
			continue
		}
		refresh, err := enc.Decrypt(item.RefreshToken)
		if err != nil {
			errs = append(errs, fmt.Errorf("%w: refresh token of %s: %v", ErrMalformedData, item.Key, err))
			continue
		}

		tok := Token{
			AccessToken:  access,
			TokenType:    item.TokenType,
			RefreshToken: refresh,
			Scope:        item.Scope,
		}
		if item.ExpiresIn > 0 {
			tok.ExpiresIn = time.Duration(item.ExpiresIn) * time.Second
		}
		if item.IssuedTime != "" {
			// An unparsable issue time stays zero, which makes the token
			// expire immediately and forces a refresh.
			if issued, err := time.Parse(time.RFC3339Nano, item.IssuedTime); err == nil {
				tok.Issued = issued
			}
		}
		tokens[item.Key] = tok
	}

	return tokens, errors.Join(errs...)
}

// LoadAll reads the token file at path. A missing file yields an empty map
// and no error.
func LoadAll(path string, enc *Encryption) (map[string]Token, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return make(map[string]Token), nil
		}
		return make(map[string]Token), fmt.Errorf("failed to read token file: %w", err)
	}
	return Decode(data, enc)
}

// SaveAll atomically replaces the token file at path with tokens.
func SaveAll(path string, tokens map[string]Token, enc *Encryption) error {
	data, err := Encode(tokens, enc)
	if err != nil {
		return err
	}
	if err := fsutil.WriteFileAtomic(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to save tokens: %w", err)
	}
	return nil
}
