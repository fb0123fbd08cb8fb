package migrations

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecimalColumnsKeepFullScale(t *testing.T) {
	scaled := regexp.MustCompile(`(?i)\bNUMERIC\s*\(`)
	require.Empty(t, scaled.FindAllString(Up, -1))
	require.Contains(t, Up, "adjustment_hours NUMERIC NOT NULL")
	require.Contains(t, Up, "effective_rate NUMERIC NOT NULL")
}

func TestDownDropsEveryTable(t *testing.T) {
	created := regexp.MustCompile(`CREATE TABLE IF NOT EXISTS (\w+)`).FindAllStringSubmatch(Up, -1)
	require.NotEmpty(t, created)
	for _, m := range created {
		require.Contains(t, Down, "DROP TABLE IF EXISTS "+m[1]+";", m[1])
	}
}
