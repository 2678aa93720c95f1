// Package importer loads birthdays from vCard files into a scope.
package importer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-vcard"

	"bdaybot/internal/civil"
	"bdaybot/internal/storage"
	logx "bdaybot/pkg/logx"
)

// Result counts the cards an import saw.
type Result struct {
	Cards    int
	Imported int
	Skipped  int // no BDAY or an unparseable one
	Removed  int // replace mode only
}

type Options struct {
	// Replace deletes the scope's existing records that are not in the file.
	Replace bool
	DryRun  bool
}

// Import decodes every card in r and stores its birthday in scope.
// A malformed card is skipped; a storage error aborts the import.
func Import(ctx context.Context, st storage.Store, scope string, r io.Reader, opt Options, log logx.Logger) (Result, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	var res Result
	seen := map[string]bool{}
	dec := vcard.NewDecoder(r)
	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		card, err := dec.Decode()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			// A decode error leaves the stream position unknown; stop here.
			log.Warn("vcard decode failed", logx.Int("card", res.Cards+1), logx.Err(err))
			return res, fmt.Errorf("decode card %d: %w", res.Cards+1, err)
		}
		res.Cards++

		rec, ok := recordFromCard(card)
		if !ok {
			res.Skipped++
			log.Debug("card skipped", logx.Int("card", res.Cards), logx.String("fn", card.PreferredValue(vcard.FieldFormattedName)))
			continue
		}
		seen[rec.UserID] = true
		if !opt.DryRun {
			if err := st.Set(ctx, scope, rec.UserID, rec); err != nil {
				return res, err
			}
		}
		res.Imported++
	}

	if opt.Replace {
		existing, err := st.Load(ctx, scope)
		if err != nil {
			return res, err
		}
		for id := range existing {
			if seen[id] {
				continue
			}
			if !opt.DryRun {
				if err := st.Delete(ctx, scope, id); err != nil {
					return res, err
				}
			}
			res.Removed++
		}
	}

	log.Info("vcard import done",
		logx.String("scope", scope),
		logx.Int("cards", res.Cards),
		logx.Int("imported", res.Imported),
		logx.Int("skipped", res.Skipped),
		logx.Int("removed", res.Removed),
		logx.Bool("dry_run", opt.DryRun),
	)
	return res, nil
}

func recordFromCard(card vcard.Card) (storage.Record, bool) {
	bday := card.PreferredValue(vcard.FieldBirthday)
	if bday == "" {
		return storage.Record{}, false
	}
	d, err := ParseBirthday(bday)
	if err != nil {
		return storage.Record{}, false
	}

	// Name strategy: FN > N > fallback.
	name := strings.TrimSpace(card.PreferredValue(vcard.FieldFormattedName))
	if name == "" {
		if n := card.Name(); n != nil {
			name = strings.TrimSpace(strings.Join([]string{n.GivenName, n.FamilyName}, " "))
		}
	}
	if name == "" {
		name = "Unknown"
	}

	id := strings.TrimSpace(card.Value(vcard.FieldUID))
	if id == "" {
		sum := sha256.Sum256([]byte(name + "|" + d.Numeric()))
		id = "vcard:" + hex.EncodeToString(sum[:8])
	}
	return storage.Record{UserID: id, DisplayName: name, Birthday: d}, true
}

// ParseBirthday accepts the vCard BDAY forms YYYY-MM-DD, YYYYMMDD, --MMDD and
// --MM-DD, optionally followed by a time part.
func ParseBirthday(value string) (civil.Date, error) {
	v := strings.TrimSpace(value)
	if i := strings.IndexByte(v, 'T'); i >= 0 {
		v = v[:i]
	}
	if strings.HasPrefix(v, "--") {
		md := strings.ReplaceAll(v[2:], "-", "")
		if len(md) != 4 {
			return civil.Date{}, &civil.FormatError{Input: value, Reason: "expected --MMDD"}
		}
		return build(value, 0, md[:2], md[2:])
	}
	for _, layout := range []string{"2006-01-02", "20060102"} {
		if t, err := time.Parse(layout, v); err == nil {
			return civil.New(t.Year(), t.Month(), t.Day())
		}
	}
	return civil.Date{}, &civil.FormatError{Input: value, Reason: "unsupported BDAY format"}
}

func build(input string, year int, mm, dd string) (civil.Date, error) {
	m, err1 := strconv.Atoi(mm)
	d, err2 := strconv.Atoi(dd)
	if err1 != nil || err2 != nil {
		return civil.Date{}, &civil.FormatError{Input: input, Reason: "month and day must be numbers"}
	}
	return civil.New(year, time.Month(m), d)
}
