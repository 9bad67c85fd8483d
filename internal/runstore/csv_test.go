package runstore

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/proceedings-crawler/internal/crawler"
)

func TestEncodeRecordsHeaderAndMissingColumn(t *testing.T) {
	t.Parallel()

	rec := crawler.PaperRecord{
		Title:      crawler.Present("T"),
		Authors:    crawler.Absent(),
		Abstract:   crawler.Present(""),
		Proceeding: "https://x.test/paper/2020",
		URL:        "https://x.test/p",
		Year:       "2020",
	}
	out, err := EncodeRecords([]crawler.PaperRecord{rec})
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "title,authors,abstract,proceeding,url,year,missing_fields", lines[0])
	assert.Equal(t, "T,,,https://x.test/paper/2020,https://x.test/p,2020,authors", lines[1])

	back, err := ReadRecords(strings.NewReader(string(out)))
	require.NoError(t, err)
	require.Len(t, back, 1)
	assert.False(t, back[0].Authors.Present)
	assert.True(t, back[0].Abstract.Present, "legitimately empty abstract stays present")
}

func TestReadRecordsLegacyLayout(t *testing.T) {
	t.Parallel()

	legacy := "title,authors,abstract,proceeding,url,year\n" +
		"Deep Nets,Unknown,\"Line one, two\",https://x.test/paper/2019,https://x.test/a,2019\n"
	got, err := ReadRecords(strings.NewReader(legacy))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, crawler.Present("Deep Nets"), got[0].Title)
	assert.False(t, got[0].Authors.Present)
	assert.Equal(t, "Line one, two", got[0].Abstract.Value)
	assert.Equal(t, "2019", got[0].Year)
}

func TestReadRecordsErrors(t *testing.T) {
	t.Parallel()

	got, err := ReadRecords(strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = ReadRecords(strings.NewReader("title,authors\nx,y\n"))
	require.Error(t, err, "url column is mandatory")

	_, err = ReadRecords(strings.NewReader("title,url\n\"unterminated,https://x\n"))
	require.Error(t, err)

	_, err = ReadRecords(strings.NewReader("title,url\na,b,c\n"))
	require.Error(t, err)
}
