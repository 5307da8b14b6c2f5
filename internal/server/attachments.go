package server

import (
	"encoding/base64"
	"fmt"

	"github.com/agrolink/realtime/internal/database"
	"github.com/agrolink/realtime/internal/types"
)

type AttachmentMeta struct {
	ContentType string
	Type        string
	Name        string
	Size        int64
}

// Attachment is either Inline or Referenced.
type Attachment interface {
	Meta() AttachmentMeta
	isAttachment()
}

type Inline struct {
	AttachmentMeta
	Data []byte
}

type Referenced struct {
	AttachmentMeta
	Url string
}

func (a Inline) Meta() AttachmentMeta     { return a.AttachmentMeta }
func (a Referenced) Meta() AttachmentMeta { return a.AttachmentMeta }
func (Inline) isAttachment()              {}
func (Referenced) isAttachment()          {}

func encodeBytes(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

func decodeBytes(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}

// DecodeAttachment resolves the transport shape into its variant.
func DecodeAttachment(in types.Attachment) (Attachment, error) {
	meta := AttachmentMeta{
		ContentType: in.ContentType,
		Type:        in.Type,
		Name:        in.Name,
		Size:        in.Size,
	}

	switch {
	case in.Data != nil && in.Url != "":
		return nil, fmt.Errorf("attachment %q has both data and url", in.Name)
	case in.Url != "":
		return Referenced{AttachmentMeta: meta, Url: in.Url}, nil
	case in.Data != nil:
		data, err := decodeBytes(*in.Data)
		if err != nil {
			return nil, fmt.Errorf("attachment %q: %w", in.Name, err)
		}
		return Inline{AttachmentMeta: meta, Data: data}, nil
	}
	return nil, fmt.Errorf("attachment %q has neither data nor url", in.Name)
}

// EncodeAttachment renders an attachment in its transport shape.
func EncodeAttachment(a Attachment) types.Attachment {
	meta := a.Meta()
	out := types.Attachment{
		ContentType: meta.ContentType,
		Type:        meta.Type,
		Name:        meta.Name,
		Size:        meta.Size,
	}

	switch v := a.(type) {
	case Inline:
		data := encodeBytes(v.Data)
		out.Data = &data
	case Referenced:
		out.Url = v.Url
	}
	return out
}

func attachmentRecord(a Attachment) database.Attachment {
	meta := a.Meta()
	rec := database.Attachment{
		ContentType: meta.ContentType,
		Type:        meta.Type,
		Name:        meta.Name,
		Size:        meta.Size,
	}

	switch v := a.(type) {
	case Inline:
		rec.Data = v.Data
		if rec.Data == nil {
			rec.Data = []byte{}
		}
	case Referenced:
		rec.Url = v.Url
	}
	return rec
}

func attachmentFromRecord(rec database.Attachment) Attachment {
	meta := AttachmentMeta{
		ContentType: rec.ContentType,
		Type:        rec.Type,
		Name:        rec.Name,
		Size:        rec.Size,
	}
	if rec.Url != "" {
		return Referenced{AttachmentMeta: meta, Url: rec.Url}
	}
	return Inline{AttachmentMeta: meta, Data: rec.Data}
}

func decodeAttachments(in []types.Attachment) ([]database.Attachment, error) {
	if len(in) == 0 {
		return nil, nil
	}

	out := make([]database.Attachment, 0, len(in))
	for _, a := range in {
		v, err := DecodeAttachment(a)
		if err != nil {
			return nil, err
		}
		out = append(out, attachmentRecord(v))
	}
	return out, nil
}

func encodeAttachments(recs []database.Attachment) []types.Attachment {
	out := make([]types.Attachment, 0, len(recs))
	for _, rec := range recs {
		out = append(out, EncodeAttachment(attachmentFromRecord(rec)))
	}
	return out
}
