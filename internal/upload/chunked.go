package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
)

// completeRequest is the body of the chunked-upload completion call.
type completeRequest struct {
	SessionID     string `json:"sessionId"`
	DurationMs    int64  `json:"durationMs"`
	AttributionID string `json:"attributionId,omitempty"`
	Chunks        int    `json:"chunks"`
	Size          int64  `json:"size"`
}

// uploadChunked splits the payload and uploads each chunk under a fresh
// upload token. A chunk that was acknowledged is never sent again within
// this call; a new call starts over with a new token.
func (c *Client) uploadChunked(ctx context.Context, req Request, progress ProgressFunc) (Result, error) {
	token := uuid.NewString()
	size := int64(len(req.Payload))
	total := int((size + int64(c.chunkSize) - 1) / int64(c.chunkSize))

	c.log("info", "Uploading %s in %d chunks (token %s)", req.SessionID, total, token)
	progress(Progress{Mode: ModeChunked, BytesTotal: size, ChunksTotal: total})

	var sent int64
	for seq := 0; seq < total; seq++ {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return Result{}, transient(fmt.Sprintf("chunk %d/%d", seq+1, total), err)
			}
		}

		start := int64(seq) * int64(c.chunkSize)
		end := min(start+int64(c.chunkSize), size)
		chunk := req.Payload[start:end]

		err := c.retry(ctx, fmt.Sprintf("chunk %d/%d", seq+1, total), func() error {
			return c.putChunk(ctx, token, seq, total, req.SessionID, chunk)
		})
		if err != nil {
			return Result{}, err
		}

		sent += int64(len(chunk))
		progress(Progress{Mode: ModeChunked, BytesSent: sent, BytesTotal: size, ChunksAcked: seq + 1, ChunksTotal: total})
	}

	var res Result
	err := c.retry(ctx, "complete", func() error {
		var err error
		res, err = c.complete(ctx, token, completeRequest{
			SessionID:     req.SessionID,
			DurationMs:    req.Duration.Milliseconds(),
			AttributionID: req.AttributionID,
			Chunks:        total,
			Size:          size,
		})
		return err
	})
	if err != nil {
		return Result{}, err
	}
	return res, nil
}

// retry runs op with bounded exponential backoff. Non-retryable errors stop
// immediately. The returned error is always an *Error.
func (c *Client) retry(ctx context.Context, what string, op func() error) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.initialBackoff
	eb.MaxInterval = c.maxBackoff
	eb.MaxElapsedTime = 0

	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(c.maxChunkRetries)), ctx)

	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		err := op()
		var ue *Error
		if errors.As(err, &ue) && !ue.Retryable() {
			return backoff.Permanent(err)
		}
		return err
	}, b, func(err error, wait time.Duration) {
		c.log("warning", "%s failed (attempt %d/%d), retrying in %s: %v", what, attempt, c.maxChunkRetries+1, wait.Round(time.Millisecond), err)
	})
	if err == nil {
		return nil
	}

	var ue *Error
	if errors.As(err, &ue) {
		if ue.Message == "" {
			ue.Message = what
		} else {
			ue.Message = what + ": " + ue.Message
		}
		return ue
	}
	return transient(what, err)
}

func (c *Client) putChunk(ctx context.Context, token string, seq, total int, sessionID string, chunk []byte) error {
	url := fmt.Sprintf("%s/api/recordings/uploads/%s/chunks/%d", c.baseURL, token, seq)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(chunk))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("create request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/octet-stream")
	httpReq.Header.Set("X-Chunk-Total", strconv.Itoa(total))
	c.setHeaders(httpReq, sessionID)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return transient("send chunk", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return classifyResponse(resp.StatusCode, body)
	}
	return nil
}

func (c *Client) complete(ctx context.Context, token string, body completeRequest) (Result, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return Result{}, backoff.Permanent(fmt.Errorf("marshal completion: %w", err))
	}

	url := fmt.Sprintf("%s/api/recordings/uploads/%s/complete", c.baseURL, token)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return Result{}, backoff.Permanent(fmt.Errorf("create request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	c.setHeaders(httpReq, body.SessionID)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Result{}, transient("send completion", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return Result{}, transient("read completion response", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Result{}, classifyResponse(resp.StatusCode, respBody)
	}
	return decodeResult(respBody)
}
