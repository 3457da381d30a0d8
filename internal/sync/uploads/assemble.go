package uploads

import (
	"bytes"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/gabriel-vasile/mimetype"
	"github.com/go-pdf/fpdf"
	_ "golang.org/x/image/webp" // registers the webp decoder for imaging

	apperrors "github.com/napoleonmm83/paperless-scanner-sub008/internal/errors"
	"github.com/napoleonmm83/paperless-scanner-sub008/internal/models"
)

// DefaultMaxFileSize bounds a single page or document.
const DefaultMaxFileSize = 100 << 20

// Page edge in pixels above which rasters are downscaled before embedding.
const maxPageEdge = 3508

// Document types the server consumes directly.
var uploadable = []string{
	"application/pdf",
	"image/jpeg",
	"image/png",
	"image/tiff",
	"image/webp",
	"image/gif",
}

// Uploadable reports whether the file at path has a type the server
// consumes directly.
func Uploadable(path string) (bool, error) {
	mt, err := mimetype.DetectFile(path)
	if err != nil {
		return false, err
	}
	return mimetype.EqualsAny(mt.String(), uploadable...), nil
}

// Payload is the assembled upload body.
type Payload struct {
	FileName string
	MIME     string
	Data     []byte
	Pages    int
}

// Assembler turns queued scan files into an upload payload. A single file
// is sent as is; several files become one PDF with a page per image.
type Assembler struct {
	// Open reads a page. The default accepts file:// URIs and plain paths.
	Open        func(uri string) (io.ReadCloser, error)
	MaxFileSize int64
}

// NewAssembler returns an assembler reading from the local filesystem.
func NewAssembler() *Assembler {
	return &Assembler{Open: openLocal, MaxFileSize: DefaultMaxFileSize}
}

func openLocal(uri string) (io.ReadCloser, error) {
	path := uri
	if strings.HasPrefix(uri, "file://") {
		u, err := url.Parse(uri)
		if err != nil {
			return nil, err
		}
		path = u.Path
	}
	return os.Open(path)
}

// Assemble builds the payload for up. Unreadable or unsupported data is
// reported as a content error, which needs user action.
func (a *Assembler) Assemble(up models.PendingUpload) (*Payload, error) {
	uris := up.AllURIs()
	pages := make([][]byte, 0, len(uris))
	for _, uri := range uris {
		data, err := a.read(uri)
		if err != nil {
			return nil, err
		}
		pages = append(pages, data)
	}

	base := baseName(up, uris[0])
	if len(pages) == 1 {
		mt := mimetype.Detect(pages[0])
		if !mimetype.EqualsAny(mt.String(), uploadable...) {
			return nil, apperrors.Content(fmt.Sprintf("%s: unsupported file type %s", uris[0], mt.String()), nil)
		}
		return &Payload{FileName: base + mt.Extension(), MIME: mt.String(), Data: pages[0], Pages: 1}, nil
	}

	data, err := buildPDF(uris, pages)
	if err != nil {
		return nil, err
	}
	return &Payload{FileName: base + ".pdf", MIME: "application/pdf", Data: data, Pages: len(pages)}, nil
}

func (a *Assembler) read(uri string) ([]byte, error) {
	open := a.Open
	if open == nil {
		open = openLocal
	}
	limit := a.MaxFileSize
	if limit <= 0 {
		limit = DefaultMaxFileSize
	}

	rc, err := open(uri)
	if err != nil {
		return nil, apperrors.Content("open "+uri, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, limit+1))
	if err != nil {
		return nil, apperrors.Content("read "+uri, err)
	}
	if len(data) == 0 {
		return nil, apperrors.Content(uri+" is empty", nil)
	}
	if int64(len(data)) > limit {
		return nil, apperrors.Content(fmt.Sprintf("%s exceeds %d bytes", uri, limit), nil)
	}
	return data, nil
}

// buildPDF lays out one image per page, each page sized to A4 width and the
// image's aspect ratio. JPEG and PNG are embedded as is; other rasters are
// decoded and re-encoded as JPEG.
func buildPDF(uris []string, pages [][]byte) ([]byte, error) {
	const pageWidth = 210.0

	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetAutoPageBreak(false, 0)
	pdf.SetCreator("paperless-sync", true)

	for i, data := range pages {
		imgType, body, err := pageImage(uris[i], data)
		if err != nil {
			return nil, err
		}

		name := fmt.Sprintf("page-%d", i+1)
		opts := fpdf.ImageOptions{ImageType: imgType}
		info := pdf.RegisterImageOptionsReader(name, opts, bytes.NewReader(body))
		if pdf.Err() {
			return nil, apperrors.Content("embed "+uris[i], pdf.Error())
		}
		if info.Width() <= 0 || info.Height() <= 0 {
			return nil, apperrors.Content(uris[i]+" has no dimensions", nil)
		}

		pageHeight := pageWidth * info.Height() / info.Width()
		pdf.AddPageFormat("P", fpdf.SizeType{Wd: pageWidth, Ht: pageHeight})
		pdf.ImageOptions(name, 0, 0, pageWidth, pageHeight, false, opts, 0, "")
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, apperrors.Content("assemble pdf", err)
	}
	return buf.Bytes(), nil
}

func pageImage(uri string, data []byte) (string, []byte, error) {
	mt := mimetype.Detect(data)
	switch {
	case mt.Is("image/jpeg"):
		return "JPG", data, nil
	case mt.Is("image/png"):
		return "PNG", data, nil
	case mt.Is("application/pdf"):
		return "", nil, apperrors.Content(uri+": a PDF cannot be a page of a multi-page scan", nil)
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return "", nil, apperrors.Content(fmt.Sprintf("%s: unsupported page type %s", uri, mt.String()), err)
	}
	b := img.Bounds()
	if b.Dx() > maxPageEdge || b.Dy() > maxPageEdge {
		img = imaging.Fit(img, maxPageEdge, maxPageEdge, imaging.Lanczos)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(90)); err != nil {
		return "", nil, apperrors.Content("re-encode "+uri, err)
	}
	return "JPG", buf.Bytes(), nil
}

// baseName derives the upload file name (without extension) from the title
// or the first page.
func baseName(up models.PendingUpload, firstURI string) string {
	name := strings.TrimSpace(up.Title)
	if name == "" {
		name = strings.TrimSuffix(filepath.Base(firstURI), filepath.Ext(firstURI))
	}
	name = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		return r
	}, name)
	if name == "" || name == "." {
		name = "scan"
	}
	return name
}
