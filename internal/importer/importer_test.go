package importer

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bdaybot/internal/civil"
	"bdaybot/internal/storage"
	logx "bdaybot/pkg/logx"
)

const cards = "BEGIN:VCARD\r\nVERSION:3.0\r\nUID:alice-1\r\nFN:Alice Smith\r\nBDAY:1990-07-04\r\nEND:VCARD\r\n" +
	"BEGIN:VCARD\r\nVERSION:4.0\r\nFN:Bob\r\nBDAY:--0311\r\nEND:VCARD\r\n" +
	"BEGIN:VCARD\r\nVERSION:3.0\r\nN:Doe;Jane;;;\r\nBDAY:19850229\r\nEND:VCARD\r\n" +
	"BEGIN:VCARD\r\nVERSION:3.0\r\nFN:No Birthday\r\nEND:VCARD\r\n" +
	"BEGIN:VCARD\r\nVERSION:3.0\r\nFN:Carol\r\nBDAY:--02-29\r\nEND:VCARD\r\n"

func TestParseBirthday(t *testing.T) {
	t.Parallel()
	cases := map[string]civil.Date{
		"1990-07-04":           civil.MustNew(1990, time.July, 4),
		"19900704":             civil.MustNew(1990, time.July, 4),
		"--0311":               civil.MustNew(0, time.March, 11),
		"--03-11":              civil.MustNew(0, time.March, 11),
		"--0229":               civil.MustNew(0, time.February, 29),
		"1990-07-04T00:00:00Z": civil.MustNew(1990, time.July, 4),
	}
	for in, want := range cases {
		got, err := ParseBirthday(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	for _, bad := range []string{"", "July 4", "--1340", "1985-02-29", "--3"} {
		_, err := ParseBirthday(bad)
		var fe *civil.FormatError
		assert.ErrorAs(t, err, &fe, bad)
	}
}

func TestImport(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storage.NewMemory()

	res, err := Import(ctx, st, "-100", strings.NewReader(cards), Options{}, logx.Nop())
	require.NoError(t, err)
	assert.Equal(t, Result{Cards: 5, Imported: 3, Skipped: 2}, res)

	recs, err := st.Load(ctx, "-100")
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, "Alice Smith", recs["alice-1"].DisplayName)
	assert.Equal(t, civil.MustNew(1990, time.July, 4), recs["alice-1"].Birthday)

	var names []string
	list, err := st.List(ctx, "-100")
	require.NoError(t, err)
	for _, r := range list {
		names = append(names, r.DisplayName)
	}
	assert.Equal(t, []string{"Carol", "Bob", "Alice Smith"}, names)
}

func TestImportIsIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storage.NewMemory()

	_, err := Import(ctx, st, "s", strings.NewReader(cards), Options{}, logx.Nop())
	require.NoError(t, err)
	_, err = Import(ctx, st, "s", strings.NewReader(cards), Options{}, logx.Nop())
	require.NoError(t, err)

	recs, err := st.Load(ctx, "s")
	require.NoError(t, err)
	assert.Len(t, recs, 3)
}

func TestImportReplaceAndDryRun(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storage.NewMemory()
	require.NoError(t, st.Set(ctx, "s", "42", storage.Record{UserID: "42", DisplayName: "Old", Birthday: civil.MustNew(0, time.May, 5)}))

	res, err := Import(ctx, st, "s", strings.NewReader(cards), Options{Replace: true, DryRun: true}, logx.Nop())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Removed)
	recs, err := st.Load(ctx, "s")
	require.NoError(t, err)
	assert.Len(t, recs, 1, "dry run writes nothing")

	res, err = Import(ctx, st, "s", strings.NewReader(cards), Options{Replace: true}, logx.Nop())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Removed)
	recs, err = st.Load(ctx, "s")
	require.NoError(t, err)
	assert.Len(t, recs, 3)
	assert.NotContains(t, recs, "42")
}
