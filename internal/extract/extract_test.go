package extract

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHTMLExtractsMetadata(t *testing.T) {
	t.Parallel()

	body := []byte(`<html><head>
<title>  The   Daily
 Bugle </title>
<meta name="author" content="J. Jonah Jameson">
<style>.x{color:red}</style>
</head><body>
<script>var ignored = "many words in here";</script>
<h1>Spider sighting</h1>
<p>Four more words here.</p>
</body></html>`)

	res, err := HTML(body)
	require.NoError(t, err)
	require.Equal(t, "The Daily Bugle", res.Title)
	require.Equal(t, "J. Jonah Jameson", res.Author)
	require.Equal(t, 6, res.WordCount)
}

func TestHTMLFallsBackToOpenGraphTitle(t *testing.T) {
	t.Parallel()

	res, err := HTML([]byte(`<html><head><meta property="og:title" content="OG"></head><body></body></html>`))
	require.NoError(t, err)
	require.Equal(t, "OG", res.Title)
	require.Zero(t, res.WordCount)
}

func TestIsHTML(t *testing.T) {
	t.Parallel()

	require.True(t, IsHTML(""))
	require.True(t, IsHTML("text/html; charset=utf-8"))
	require.True(t, IsHTML("application/xhtml+xml"))
	require.False(t, IsHTML("application/pdf"))
	require.Equal(t, 3, Text([]byte("one two\nthree")).WordCount)
}
