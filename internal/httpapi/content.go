package httpapi

import (
	"bytes"
	"encoding/base64"
	"io"
	"net/http"
	"strconv"
	"strings"

	emmail "github.com/emersion/go-message/mail"

	"github.com/rustmailer/bichon/internal/bicherr"
)

// parseMessageContent re-walks the raw EML's MIME tree to produce the
// text/html bodies and attachment list spec.md §6's message-content
// response needs; inline images are rewritten as data: URIs so the HTML
// body is self-contained (spec.md §6 "cid: references rewritten to data:
// URIs").
func parseMessageContent(raw []byte) (text, html string, attachments []attachmentMetadata) {
	mr, err := emmail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return string(raw), "", nil
	}
	defer mr.Close()

	type inlineImage struct {
		contentID, contentType string
		data                   []byte
	}
	var images []inlineImage
	var textBuf, htmlBuf strings.Builder

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}

		switch header := part.Header.(type) {
		case *emmail.InlineHeader:
			ct, _, _ := header.ContentType()
			body, _ := io.ReadAll(part.Body)
			switch {
			case strings.HasPrefix(ct, "text/plain"):
				textBuf.Write(body)
			case strings.HasPrefix(ct, "text/html"):
				htmlBuf.Write(body)
			case strings.HasPrefix(ct, "image/"):
				cid := header.Get("Content-Id")
				images = append(images, inlineImage{contentID: strings.Trim(cid, "<>"), contentType: ct, data: body})
			}
		case *emmail.AttachmentHeader:
			filename, _ := header.Filename()
			if filename == "" {
				filename = "attachment-" + strconv.Itoa(len(attachments)+1)
			}
			attachments = append(attachments, attachmentMetadata{Filename: filename})
		}
	}

	html = htmlBuf.String()
	for _, img := range images {
		if img.contentID == "" {
			continue
		}
		dataURI := "data:" + img.contentType + ";base64," + base64.StdEncoding.EncodeToString(img.data)
		html = strings.ReplaceAll(html, "cid:"+img.contentID, dataURI)
	}

	return textBuf.String(), html, attachments
}

// queryMessageID extracts the ?message_id= query parameter required by
// the message-content, download-message, and download-attachment routes.
func queryMessageID(r *http.Request) (uint64, error) {
	return queryUintRequired(r, "message_id")
}

func queryUintRequired(r *http.Request, name string) (uint64, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, bicherr.New(bicherr.InvalidParameter, name+" query parameter is required")
	}
	id, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, bicherr.New(bicherr.InvalidParameter, "invalid "+name)
	}
	return id, nil
}
