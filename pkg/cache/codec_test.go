package cache

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/casegrid/pkg/models"
)

func TestCodec_RestoresScanTypes(t *testing.T) {
	in := testPage(7)
	in.InsertedAt = time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	in.TTL = 5 * time.Minute

	b, err := encodePage(in)
	require.NoError(t, err)
	out, err := decodePage(b)
	require.NoError(t, err)

	assert.Equal(t, in.Columns, out.Columns)
	assert.Equal(t, in.Total, out.Total)
	assert.Equal(t, in.TTL, out.TTL)
	assert.True(t, in.InsertedAt.Equal(out.InsertedAt))

	row := out.Rows[0]
	id, _ := row.Get("id")
	assert.IsType(t, int64(0), id.Raw)
	assert.Equal(t, int64(7), id.Raw)

	amount, _ := row.Get("amount")
	assert.Equal(t, 10.5, amount.Raw)

	opened, _ := row.Get("opened_at")
	require.IsType(t, time.Time{}, opened.Raw)
	assert.Equal(t, time.UTC, opened.Raw.(time.Time).Location())

	meta, _ := row.Get("metadata")
	assert.Equal(t, json.RawMessage(`{"seq":1}`), meta.Raw)

	blob, _ := row.Get("blob")
	assert.True(t, blob.IsNull())

	// Encoded JSON must be byte-identical to the freshly scanned page.
	want, err := json.Marshal(in.Rows)
	require.NoError(t, err)
	got, err := json.Marshal(out.Rows)
	require.NoError(t, err)
	assert.JSONEq(t, string(want), string(got))
}

func TestCodec_RejectsRaggedRows(t *testing.T) {
	p := testPage(1)
	p.Rows[0] = p.Rows[0][:2]
	_, err := encodePage(p)
	assert.Error(t, err)
}

func TestNormalize_SmallIntegers(t *testing.T) {
	v, err := normalize(models.CategoryInteger, int8(3))
	require.NoError(t, err)
	assert.Equal(t, int64(3), v)

	v, err = normalize(models.CategoryNumber, uint16(9))
	require.NoError(t, err)
	assert.Equal(t, 9.0, v)

	_, err = normalize(models.CategoryBoolean, "true")
	assert.Error(t, err)
}
