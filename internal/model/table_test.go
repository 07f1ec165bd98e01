package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTableNameDirectoryRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		table TableName
		dir   string
		full  string
	}{
		{"distributed", NewTableName("cities", "points", 7), "points_7", "cities_points_7"},
		{"root region", NewTableName("cities", "points", 0), "points_0", "cities_points_0"},
		{"system table", NewTableName("cities", "meta", NoRegion), "meta", "cities_meta"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.dir, tt.table.DirName())
			assert.Equal(t, tt.full, tt.table.String())

			parsed, err := ParseTableDir(tt.table.Group, tt.dir)
			require.NoError(t, err)
			assert.Equal(t, tt.table, parsed)

			parsed, err = ParseTableName(tt.full)
			require.NoError(t, err)
			assert.Equal(t, tt.table, parsed)
		})
	}
}

func TestParseTableDirRejectsGarbage(t *testing.T) {
	for _, dir := range []string{"points_x", "_5", "points_-2"} {
		_, err := ParseTableDir("g", dir)
		assert.Error(t, err, dir)
	}
}
