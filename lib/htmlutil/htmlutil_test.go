package htmlutil

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParsePrice(t *testing.T) {
	cases := []struct {
		text string
		want float64
	}{
		{"$ 1,234.56", 1234.56},
		{"1250.00", 1250},
		{"  $99  ", 99},
		{"USD 12,000", 12000},
	}
	for _, c := range cases {
		got, err := ParsePrice(c.text)
		require.NoError(t, err, c.text)
		require.Equal(t, c.want, got, c.text)
	}

	_, err := ParsePrice("contact us")
	require.Error(t, err)
	_, err = ParsePrice("")
	require.Error(t, err)
}

func TestSlug(t *testing.T) {
	require.Equal(t, "metal-sheets", Slug("  Metal   Sheets "))
	require.Equal(t, "tubos-y-perfiles", Slug("Tubos y Perfiles"))
	require.Equal(t, "", Slug("  "))
}

func TestNormalizeText(t *testing.T) {
	require.Equal(t, "Galvanized Sheet", NormalizeText("\n  Galvanized \t  Sheet  \n"))
}
