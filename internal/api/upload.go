package api

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"sync/atomic"
	"time"

	"github.com/stemsi/exstem-proctor/internal/model"
)

// keepaliveTimeout bounds a detached send that outlives its caller.
const keepaliveTimeout = 15 * time.Second

// ProgressFunc receives bytes sent so far and the total body size.
type ProgressFunc func(sent, total int64)

// UploadVideo posts a merged recording for one stream.
func (c *Client) UploadVideo(ctx context.Context, olympiadID string, kind model.StreamKind, filename string, blob []byte, progress ProgressFunc) error {
	return c.upload(ctx, "/olympiads/upload-video", olympiadID, kind, filename, "video/webm", blob, progress)
}

// UploadCameraCapture posts one realtime still frame.
func (c *Client) UploadCameraCapture(ctx context.Context, olympiadID string, kind model.StreamKind, jpeg []byte) error {
	return c.upload(ctx, "/olympiads/camera-capture", olympiadID, kind, string(kind)+".jpg", "image/jpeg", jpeg, nil)
}

// SendExitScreenshot fires the last-frame capture and returns at once. The
// send runs on its own context so it survives the caller's shutdown; Wait
// observes it.
func (c *Client) SendExitScreenshot(olympiadID string, kind model.StreamKind, jpeg []byte) {
	c.keepalive.Add(1)
	go func() {
		defer c.keepalive.Done()

		ctx, cancel := context.WithTimeout(context.Background(), keepaliveTimeout)
		defer cancel()

		err := c.upload(ctx, "/olympiads/exit-screenshot", olympiadID, kind, "exit-"+string(kind)+".jpg", "image/jpeg", jpeg, nil)
		if err != nil {
			c.log.Debug().Err(err).Str("stream", string(kind)).Msg("Exit screenshot not delivered")
		}
	}()
}

func (c *Client) upload(ctx context.Context, path, olympiadID string, kind model.StreamKind, filename, contentType string, data []byte, progress ProgressFunc) error {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	if err := mw.WriteField("olympiadId", olympiadID); err != nil {
		return fmt.Errorf("write olympiadId: %w", err)
	}
	if err := mw.WriteField("streamType", string(kind)); err != nil {
		return fmt.Errorf("write streamType: %w", err)
	}

	part, err := mw.CreatePart(fileHeader(filename, contentType))
	if err != nil {
		return fmt.Errorf("create file part: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return fmt.Errorf("write file part: %w", err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("close multipart: %w", err)
	}

	total := int64(body.Len())
	var rdr io.Reader = &body
	if progress != nil {
		rdr = &progressReader{r: &body, total: total, fn: progress}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, rdr)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.ContentLength = total
	req.Header.Set("Content-Type", mw.FormDataContentType())

	if err := c.do(req, nil); err != nil {
		return err
	}
	if progress != nil {
		progress(total, total)
	}
	return nil
}

func fileHeader(filename, contentType string) textproto.MIMEHeader {
	return textproto.MIMEHeader{
		"Content-Disposition": {fmt.Sprintf(`form-data; name="file"; filename=%q`, filename)},
		"Content-Type":        {contentType},
	}
}

type progressReader struct {
	r     io.Reader
	total int64
	sent  atomic.Int64
	fn    ProgressFunc
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.fn(p.sent.Add(int64(n)), p.total)
	}
	return n, err
}
