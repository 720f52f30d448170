package internal

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetadataRecord_PreservesUnknownFields(t *testing.T) {
	raw := `{"id":"abc","title":"Clip","duration":12.5,"filesize":2048,"media_kind":"video",` +
		`"formats":[{"format_id":"18","ext":"mp4"}],"webpage_url":"https://example.com/w","view_count":42}`

	var rec MetadataRecord
	require.NoError(t, json.Unmarshal([]byte(raw), &rec))

	assert.Equal(t, "abc", rec.ID)
	assert.Equal(t, "Clip", rec.Title)
	assert.Equal(t, 12.5, rec.Duration)
	assert.Equal(t, int64(2048), rec.Size)
	assert.Equal(t, KindVideo, rec.Kind)
	require.Len(t, rec.Formats, 1)
	assert.Equal(t, "18", rec.Formats[0].ID)
	require.Len(t, rec.Extra, 2)
	assert.JSONEq(t, `42`, string(rec.Extra["view_count"]))

	out, err := json.Marshal(rec)
	require.NoError(t, err)
	assert.JSONEq(t, raw, string(out))
}

func TestMetadataRecord_TypedFieldsWinOverExtra(t *testing.T) {
	rec := MetadataRecord{
		Title: "typed",
		Extra: map[string]json.RawMessage{"title": json.RawMessage(`"shadow"`)},
	}

	out, err := json.Marshal(rec)
	require.NoError(t, err)
	assert.JSONEq(t, `{"title":"typed"}`, string(out))
}

func TestMetadataRecord_NoExtra(t *testing.T) {
	var rec MetadataRecord
	require.NoError(t, json.Unmarshal([]byte(`{"title":"only"}`), &rec))
	assert.Nil(t, rec.Extra)
	assert.Equal(t, "only", rec.DisplayName())

	var empty *MetadataRecord
	assert.Equal(t, "", empty.DisplayName())
}
