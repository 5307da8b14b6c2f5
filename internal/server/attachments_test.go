package server

import (
	"encoding/json"
	"testing"

	"github.com/agrolink/realtime/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string {
	return &s
}

func inlineData(b []byte) *string {
	return strPtr(encodeBytes(b))
}

func TestAttachmentRoundTrip(t *testing.T) {
	payloads := [][]byte{
		{},
		[]byte("hello"),
		{0x00, 0x01, 0xfe, 0xff},
		make([]byte, 4097),
	}

	for _, b := range payloads {
		decoded, err := decodeBytes(encodeBytes(b))
		require.NoError(t, err)
		assert.Equal(t, len(b), len(decoded))
		assert.Equal(t, string(b), string(decoded))
	}
}

func TestDecodeAttachment(t *testing.T) {
	t.Run("inline", func(t *testing.T) {
		a, err := DecodeAttachment(types.Attachment{Data: strPtr("aGVsbG8="), ContentType: "text/plain", Type: "file", Name: "a.txt", Size: 5})
		require.NoError(t, err)

		inline, ok := a.(Inline)
		require.True(t, ok, "expected inline attachment, got %T", a)
		assert.Equal(t, []byte("hello"), inline.Data)
		assert.Equal(t, AttachmentMeta{ContentType: "text/plain", Type: "file", Name: "a.txt", Size: 5}, inline.Meta())

		out := EncodeAttachment(a)
		require.NotNil(t, out.Data)
		assert.Equal(t, "aGVsbG8=", *out.Data)
	})

	t.Run("zero byte inline", func(t *testing.T) {
		a, err := DecodeAttachment(types.Attachment{Data: strPtr(""), ContentType: "text/plain", Type: "file", Name: "empty.txt"})
		require.NoError(t, err)

		inline, ok := a.(Inline)
		require.True(t, ok, "expected inline attachment, got %T", a)
		assert.Empty(t, inline.Data)

		raw, err := json.Marshal(EncodeAttachment(attachmentFromRecord(attachmentRecord(a))))
		require.NoError(t, err)
		assert.JSONEq(t, `{"data":"","contentType":"text/plain","type":"file","name":"empty.txt","size":0}`, string(raw))
	})

	t.Run("referenced", func(t *testing.T) {
		for _, url := range []string{"https://cdn.example.com/a.png", "/uploads/a.png"} {
			in := types.Attachment{Url: url, ContentType: "image/png", Type: "image", Name: "a.png", Size: 10}
			a, err := DecodeAttachment(in)
			require.NoError(t, err)

			assert.IsType(t, Referenced{}, a)
			assert.Equal(t, in, EncodeAttachment(a))
		}
	})

	t.Run("invalid", func(t *testing.T) {
		for _, in := range []types.Attachment{
			{Name: "empty"},
			{Name: "both", Data: strPtr("aGk="), Url: "https://example.com"},
			{Name: "empty data and url", Data: strPtr(""), Url: "/uploads/a.png"},
			{Name: "garbage", Data: strPtr("%%%")},
		} {
			_, err := DecodeAttachment(in)
			assert.Error(t, err, in.Name)
		}
	})
}

func TestAttachmentRecords(t *testing.T) {
	in := []types.Attachment{
		{Data: inlineData([]byte{1, 2, 3}), Name: "bin"},
		{Url: "https://example.com/doc.pdf", Name: "doc"},
	}

	recs, err := decodeAttachments(in)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, []byte{1, 2, 3}, recs[0].Data)
	assert.Empty(t, recs[0].Url)
	assert.Equal(t, "https://example.com/doc.pdf", recs[1].Url)

	assert.Equal(t, in, encodeAttachments(recs))

	recs, err = decodeAttachments(nil)
	assert.NoError(t, err)
	assert.Nil(t, recs)
	assert.Empty(t, encodeAttachments(nil))
}
