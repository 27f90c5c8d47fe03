package sha256

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/swarmcrawl/internal/crawler"
)

var _ crawler.Hasher = New()

func TestHashKnownDigests(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"":            "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		"hello world": "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9",
	}
	h := New()
	for in, want := range cases {
		got, err := h.Hash([]byte(in))
		require.NoError(t, err)
		require.Equal(t, want, got, "input %q", in)
	}
}

func TestHashSeparatesFingerprints(t *testing.T) {
	t.Parallel()

	h := New()
	a, err := h.Hash([]byte("GET https://quotes.toscrape.com/page/1/"))
	require.NoError(t, err)
	b, err := h.Hash([]byte("GET https://quotes.toscrape.com/page/2/"))
	require.NoError(t, err)
	require.NotEqual(t, a, b)
	require.Len(t, a, 64)
}
