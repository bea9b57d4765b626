package registry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/teemow/calfold/internal/model"
)

const dateLayout = "2006-01-02"

type document struct {
	Accounts       []accountRecord `json:"accounts"`
	LastViewedDate string          `json:"last_viewed_date,omitempty"`
}

type accountRecord struct {
	ID              string         `json:"id"`
	Provider        string         `json:"provider"`
	ProviderGivenID string         `json:"provider_given_id"`
	FriendlyName    string         `json:"friendly_name"`
	Username        string         `json:"username"`
	PictureURI      string         `json:"picture_uri,omitempty"`
	PictureLocalURI string         `json:"picture_local_uri,omitempty"`
	LastSynced      *time.Time     `json:"last_synced,omitempty"`
	Hidden          []hiddenRecord `json:"hidden_calendars,omitempty"`
}

// hiddenRecord marks a calendar as hidden. Files written before calendar ids
// were stored carry only the name.
type hiddenRecord struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name"`
}

type state struct {
	accounts   []*entry
	lastViewed time.Time
}

type entry struct {
	account model.Account
	hidden  []hiddenRecord
}

func encode(s state) ([]byte, error) {
	doc := document{Accounts: make([]accountRecord, 0, len(s.accounts))}
	for _, e := range s.accounts {
		a := e.account
		rec := accountRecord{
			ID:              a.ID,
			Provider:        string(a.Provider),
			ProviderGivenID: a.ProviderGivenID,
			FriendlyName:    a.FriendlyName,
			Username:        a.Username,
			PictureURI:      a.PictureURI,
			PictureLocalURI: a.PictureLocalURI,
			Hidden:          append([]hiddenRecord(nil), e.hidden...),
		}
		if !a.LastSynced.IsZero() {
			synced := a.LastSynced.UTC()
			rec.LastSynced = &synced
		}
		doc.Accounts = append(doc.Accounts, rec)
	}
	if !s.lastViewed.IsZero() {
		doc.LastViewedDate = s.lastViewed.Format(dateLayout)
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal accounts: %w", err)
	}
	return data, nil
}

// decode parses a persisted registry. Unreadable accounts are dropped and
// reported with an error wrapping ErrMalformedData next to what was readable.
func decode(data []byte) (state, error) {
	var s state
	if len(bytes.TrimSpace(data)) == 0 {
		return s, nil
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return s, fmt.Errorf("%w: %v", ErrMalformedData, err)
	}

	var errs []error
	seen := make(map[string]bool, len(doc.Accounts))
	for i, rec := range doc.Accounts {
		if rec.ID == "" {
			errs = append(errs, fmt.Errorf("%w: account %d has no id", ErrMalformedData, i))
			continue
		}
		if seen[rec.ID] {
			errs = append(errs, fmt.Errorf("%w: duplicate account %s", ErrMalformedData, rec.ID))
			continue
		}
		kind, err := model.ParseProviderKind(rec.Provider)
		if err != nil {
			errs = append(errs, fmt.Errorf("%w: account %s: %v", ErrMalformedData, rec.ID, err))
			continue
		}
		seen[rec.ID] = true

		e := &entry{
			account: model.Account{
				ID:              rec.ID,
				Provider:        kind,
				ProviderGivenID: rec.ProviderGivenID,
				FriendlyName:    rec.FriendlyName,
				Username:        rec.Username,
				PictureURI:      rec.PictureURI,
				PictureLocalURI: rec.PictureLocalURI,
			},
		}
		if rec.LastSynced != nil {
			e.account.LastSynced = *rec.LastSynced
		}
		for _, h := range rec.Hidden {
			if h.ID == "" && h.Name == "" {
				continue
			}
			e.hidden = append(e.hidden, h)
		}
		s.accounts = append(s.accounts, e)
	}

	if doc.LastViewedDate != "" {
		d, err := time.ParseInLocation(dateLayout, doc.LastViewedDate, time.Local)
		if err != nil {
			errs = append(errs, fmt.Errorf("%w: last viewed date: %v", ErrMalformedData, err))
		} else {
			s.lastViewed = d
		}
	}

	return s, errors.Join(errs...)
}
