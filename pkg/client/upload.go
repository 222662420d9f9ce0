package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"

	"github.com/EPiC-Inc/vaporous/pkg/models"
	"github.com/EPiC-Inc/vaporous/pkg/protocol"
	"github.com/EPiC-Inc/vaporous/pkg/retry"
)

// UploadRequest describes one POST /upload call.
type UploadRequest struct {
	Path        string // directory below the home or public folder
	Public      bool
	Compression int // 0 disables compression
	Files       []*models.FileHandle
}

// Upload submits the files in one multipart request and returns the
// server's per-file results in submission order. The body is streamed;
// each attempt reopens the file handles.
func (c *Client) Upload(ctx context.Context, ur UploadRequest) ([]protocol.FileResult, error) {
	if len(ur.Files) == 0 {
		return nil, nil
	}

	results, err := retry.DoWithResult(ctx, c.retryConfig, func() ([]protocol.FileResult, error) {
		pr, pw := io.Pipe()
		defer pr.Close()
		mw := multipart.NewWriter(pw)

		errc := make(chan error, 1)
		go func() {
			err := writeUploadForm(ctx, mw, ur)
			pw.CloseWithError(err)
			errc <- err
		}()

		req, err := c.newRequest(ctx, http.MethodPost, protocol.PathUpload, pr)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", mw.FormDataContentType())
		req.Header.Set("Accept", "application/json")

		resp, err := c.do(c.httpClient, req)
		if err != nil {
			// A failed read of a local file is not a transport failure.
			pr.Close()
			if werr := <-errc; werr != nil && !errors.Is(werr, io.ErrClosedPipe) {
				return nil, werr
			}
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return nil, statusError(resp)
		}

		var out protocol.UploadResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return nil, fmt.Errorf("decode upload response: %w", err)
		}
		pr.Close()
		if werr := <-errc; werr != nil && !errors.Is(werr, io.ErrClosedPipe) {
			return nil, werr
		}
		if len(out) != len(ur.Files) {
			return nil, fmt.Errorf("server returned %d results for %d files", len(out), len(ur.Files))
		}
		return out, nil
	})
	if err != nil {
		return nil, offline(err)
	}
	return results, nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

// writeUploadForm writes the form fields followed by one "files" part per
// handle, then closes the multipart writer.
func writeUploadForm(ctx context.Context, mw *multipart.Writer, ur UploadRequest) error {
	fields := [][2]string{
		{protocol.FieldFilePath, ur.Path},
		{protocol.FieldToPublic, strconv.FormatBool(ur.Public)},
		{protocol.FieldCompression, strconv.Itoa(ur.Compression)},
	}
	for _, f := range fields {
		if err := mw.WriteField(f[0], f[1]); err != nil {
			return err
		}
	}

	for _, fh := range ur.Files {
		if err := ctx.Err(); err != nil {
			return err
		}
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`,
			protocol.FieldFiles, quoteEscaper.Replace(fh.Name)))
		ct := fh.ContentType
		if ct == "" {
			ct = "application/octet-stream"
		}
		h.Set("Content-Type", ct)

		part, err := mw.CreatePart(h)
		if err != nil {
			return err
		}
		if err := copyFile(ctx, part, fh); err != nil {
			return err
		}
	}
	return mw.Close()
}

func copyFile(ctx context.Context, w io.Writer, fh *models.FileHandle) error {
	rc, err := fh.Open(ctx)
	if err != nil {
		return fmt.Errorf("open %s: %w", fh.Path, err)
	}
	defer rc.Close()
	if _, err := io.Copy(w, rc); err != nil {
		return fmt.Errorf("read %s: %w", fh.Path, err)
	}
	return nil
}
