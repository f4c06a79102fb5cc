package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
)

// UploadFile sends a file (expense receipt, proof of shrinkage) to the remote
// store's /files endpoint and returns the assigned file id. File ids are
// opaque strings on the wire even though item ids are numeric.
func (c *Client) UploadFile(ctx context.Context, filename string, contents io.Reader) (string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return "", fmt.Errorf("failed to create multipart field: %w", err)
	}
	if _, err := io.Copy(part, contents); err != nil {
		return "", fmt.Errorf("failed to buffer file contents: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("failed to finalize multipart body: %w", err)
	}
	body := buf.Bytes()

	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/files", bytes.NewReader(body))
		if err != nil {
			return "", fmt.Errorf("failed to create upload request: %w", err)
		}
		req.Header.Set("Content-Type", writer.FormDataContentType())

		token, err := c.Tokens.Token(ctx)
		if err != nil {
			return "", fmt.Errorf("failed to get access token: %w", err)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}

		resp, err := c.HTTP.Do(req)
		if err != nil {
			return "", fmt.Errorf("failed to upload %s: %w", filename, err)
		}

		if resp.StatusCode == http.StatusUnauthorized && attempt == 0 {
			resp.Body.Close()
			c.Tokens.Invalidate()
			continue
		}

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			respBody, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			apiErr := &APIError{Status: resp.StatusCode, Method: http.MethodPost, Path: "/files", Body: string(respBody)}
			if resp.StatusCode == http.StatusUnauthorized {
				return "", fmt.Errorf("%w: %s", ErrUnauthorized, apiErr)
			}
			return "", apiErr
		}

		var envelope struct {
			Data struct {
				ID string `json:"id"`
			} `json:"data"`
		}
		err = json.NewDecoder(resp.Body).Decode(&envelope)
		resp.Body.Close()
		if err != nil {
			return "", fmt.Errorf("failed to decode upload response: %w", err)
		}
		if envelope.Data.ID == "" {
			return "", errors.New("upload response carried no file id")
		}
		return envelope.Data.ID, nil
	}
}
