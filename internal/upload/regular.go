package upload

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"sync/atomic"

	"golang.org/x/time/rate"
)

// maxResponseBody bounds how much of a response we read.
const maxResponseBody = 64 * 1024

// countingReader reports bytes read through onRead.
type countingReader struct {
	r      io.Reader
	n      atomic.Int64
	onRead func(n int64)
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	if n > 0 {
		cr.onRead(cr.n.Add(int64(n)))
	}
	return n, err
}

// uploadRegular sends the whole payload as one multipart request.
func (c *Client) uploadRegular(ctx context.Context, req Request, progress ProgressFunc) (Result, error) {
	total := int64(len(req.Payload))
	throttle := rate.Sometimes{First: 1, Interval: c.progressInterval}
	body := &countingReader{
		r: bytes.NewReader(req.Payload),
		onRead: func(n int64) {
			throttle.Do(func() {
				progress(Progress{Mode: ModeRegular, BytesSent: n, BytesTotal: total})
			})
		},
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeForm(mw, req, body))
	}()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/recordings", pr)
	if err != nil {
		pr.Close()
		return Result{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())
	c.setHeaders(httpReq, req.SessionID)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		pr.Close()
		return Result{}, transient("send recording", err)
	}
	defer resp.Body.Close()
	pr.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return Result{}, transient("read response", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		e := classifyResponse(resp.StatusCode, respBody)
		c.log("warning", "upload %s rejected: %v", req.SessionID, e)
		return Result{}, e
	}

	res, err := decodeResult(respBody)
	if err != nil {
		return Result{}, err
	}
	progress(Progress{Mode: ModeRegular, BytesSent: total, BytesTotal: total})
	return res, nil
}

func writeForm(mw *multipart.Writer, req Request, audio io.Reader) error {
	if err := mw.WriteField("session_id", req.SessionID); err != nil {
		return err
	}
	if err := mw.WriteField("duration_ms", durationMs(req.Duration)); err != nil {
		return err
	}
	if req.AttributionID != "" {
		if err := mw.WriteField("attribution_id", req.AttributionID); err != nil {
			return err
		}
	}
	part, err := mw.CreateFormFile("audio", req.SessionID+".wav")
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, audio); err != nil {
		return err
	}
	return mw.Close()
}
