package services

import (
	"archive/zip"
	"bytes"
	"encoding/base64"
	"encoding/xml"
	"errors"
	"fmt"
	"image"
	"io"
	"log"
	"strings"
	"unicode/utf8"

	"github.com/disintegration/imaging"
	"github.com/ledongthuc/pdf"
	"golang.org/x/image/webp"

	"LocalGPT/pkg/config"
)

// Attachment kinds.
const (
	AttachmentText  = "text"
	AttachmentImage = "image"
)

// Image bounds: anything smaller than minImageDim on either side is rejected
// (corrupt or decorative, useless to a vision model); anything larger than
// maxImageDim on either side is downscaled preserving aspect ratio.
const (
	minImageDim = 50
	maxImageDim = 4000
	jpegQuality = 95
)

// Validation errors reported per file; a failed file never aborts its
// siblings in the same request.
var (
	ErrUnsupportedType = errors.New("file type not allowed")
	ErrFileTooLarge    = errors.New("file exceeds size limit")
	ErrImageTooSmall   = errors.New("image dimensions below minimum")
	ErrBadPayload      = errors.New("file content could not be decoded")
)

var allowedTypes = map[string]string{
	"application/pdf": "pdf",
	"text/plain":      "txt",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": "docx",
	"image/png":  "png",
	"image/jpeg": "jpg",
	"image/jpg":  "jpg",
	"image/webp": "webp",
}

// Attachment is the normalized, transient form of an uploaded file. It lives
// only for the duration of one request and is never written to the database.
type Attachment struct {
	Filename  string
	Kind      string // AttachmentText or AttachmentImage
	Text      string // extracted text, Kind == text
	MediaType string // Kind == image
	Data      string // base64 payload, Kind == image
}

// ProcessFile validates one uploaded file and converts it to either extracted
// plain text or a bounded, re-encoded image payload.
func ProcessFile(content []byte, filename, mimeType string) (Attachment, error) {
	mime := strings.ToLower(strings.TrimSpace(mimeType))
	if i := strings.Index(mime, ";"); i >= 0 {
		mime = strings.TrimSpace(mime[:i])
	}

	kind, ok := allowedTypes[mime]
	if !ok {
		return Attachment{}, fmt.Errorf("%w: %s", ErrUnsupportedType, mimeType)
	}
	maxBytes := int64(config.MaxUploadMB) << 20
	if int64(len(content)) > maxBytes {
		return Attachment{}, fmt.Errorf("%w: %d bytes (max %dMB)", ErrFileTooLarge, len(content), config.MaxUploadMB)
	}

	log.Printf("[files] processing %s (%s, %d bytes)", filename, kind, len(content))

	switch kind {
	case "png", "jpg", "webp":
		return normalizeImage(content, filename, mime)
	case "pdf":
		text, err := extractPDFText(content)
		if err != nil {
			return Attachment{}, fmt.Errorf("%w: %v", ErrBadPayload, err)
		}
		return Attachment{Filename: filename, Kind: AttachmentText, Text: text}, nil
	case "docx":
		text, err := extractDocxText(content)
		if err != nil {
			return Attachment{}, fmt.Errorf("%w: %v", ErrBadPayload, err)
		}
		return Attachment{Filename: filename, Kind: AttachmentText, Text: text}, nil
	default: // txt
		if !utf8.Valid(content) {
			return Attachment{}, fmt.Errorf("%w: text file is not valid UTF-8", ErrBadPayload)
		}
		return Attachment{Filename: filename, Kind: AttachmentText, Text: strings.TrimSpace(string(content))}, nil
	}
}

// normalizeImage decodes, bounds-checks, downscales oversized images, and
// re-encodes as quality-95 JPEG (which also folds any non-RGB color mode into
// RGB). The result is base64 for the Ollama images field.
func normalizeImage(content []byte, filename, mime string) (Attachment, error) {
	var img image.Image
	var err error
	if mime == "image/webp" {
		img, err = webp.Decode(bytes.NewReader(content))
	} else {
		img, err = imaging.Decode(bytes.NewReader(content))
	}
	if err != nil {
		return Attachment{}, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}

	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w < minImageDim || h < minImageDim {
		return Attachment{}, fmt.Errorf("%w: %dx%d (min %dpx)", ErrImageTooSmall, w, h, minImageDim)
	}
	if w > maxImageDim || h > maxImageDim {
		// Fit never upscales; only the oversized side shrinks to the bound.
		img = imaging.Fit(img, maxImageDim, maxImageDim, imaging.Lanczos)
		nb := img.Bounds()
		log.Printf("[files] downscaled %s from %dx%d to %dx%d", filename, w, h, nb.Dx(), nb.Dy())
	}

	var out bytes.Buffer
	if err := imaging.Encode(&out, img, imaging.JPEG, imaging.JPEGQuality(jpegQuality)); err != nil {
		return Attachment{}, fmt.Errorf("%w: re-encode failed: %v", ErrBadPayload, err)
	}

	return Attachment{
		Filename:  filename,
		Kind:      AttachmentImage,
		MediaType: "image/jpeg",
		Data:      base64.StdEncoding.EncodeToString(out.Bytes()),
	}, nil
}

// extractPDFText concatenates per-page text with a page-boundary marker.
// A document with no extractable text yields an empty string, not an error.
func extractPDFText(content []byte) (string, error) {
	r, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return "", err
	}

	var text strings.Builder
	for n := 1; n <= r.NumPage(); n++ {
		page := r.Page(n)
		if page.V.IsNull() {
			continue
		}
		fmt.Fprintf(&text, "\n--- Page %d ---\n", n)
		pageText, err := page.GetPlainText(nil)
		if err != nil {
			// page with unextractable text contributes only its marker
			continue
		}
		text.WriteString(pageText)
	}
	return strings.TrimSpace(text.String()), nil
}

// extractDocxText pulls paragraph text out of word/document.xml, one
// non-empty paragraph per line. A docx is a zip of XML; no heavier tooling
// is needed for plain extraction.
func extractDocxText(content []byte) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return "", err
	}

	var doc io.ReadCloser
	for _, f := range zr.File {
		if f.Name == "word/document.xml" {
			doc, err = f.Open()
			if err != nil {
				return "", err
			}
			break
		}
	}
	if doc == nil {
		return "", errors.New("word/document.xml not found")
	}
	defer doc.Close()

	var text strings.Builder
	var para strings.Builder
	inText := false
	dec := xml.NewDecoder(doc)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local == "t" {
				inText = true
			}
		case xml.EndElement:
			if t.Name.Local == "t" {
				inText = false
			}
			if t.Name.Local == "p" {
				if strings.TrimSpace(para.String()) != "" {
					text.WriteString(para.String())
					text.WriteString("\n")
				}
				para.Reset()
			}
		case xml.CharData:
			if inText {
				para.Write(t)
			}
		}
	}
	return strings.TrimSpace(text.String()), nil
}
