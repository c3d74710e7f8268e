// Copyright ModelRelay Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package imagestore

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/modelrelay/modelrelay/internal/pipeline"
)

const (
	thumbnailSize         = 150
	maxUpstreamImageBytes = 32 << 20
)

// Mirror downloads or decodes generated images, persists them under the
// assets directory, and rewrites response URLs to the proxy's host.
type Mirror struct {
	assetsDir string
	proxyHost string
	history   *Ring
	client    *http.Client
	logger    *slog.Logger
}

// NewMirror builds a mirror writing to assetsDir and serving rewritten URLs
// under proxyHost.
func NewMirror(logger *slog.Logger, assetsDir, proxyHost string, history *Ring) (*Mirror, error) {
	if err := os.MkdirAll(assetsDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create assets directory: %w", err)
	}
	return &Mirror{
		assetsDir: assetsDir,
		proxyHost: proxyHost,
		history:   history,
		client:    &http.Client{Timeout: 30 * time.Second},
		logger:    logger,
	}, nil
}

// MirrorImages implements the pipeline's image mirror. Each data item is
// persisted as <uuid>.png with a <uuid>_t.jpg thumbnail, its url rewritten,
// and a history entry appended.
func (m *Mirror) MirrorImages(ctx context.Context, rc *pipeline.RequestContext, body []byte) ([]byte, error) {
	items := gjson.GetBytes(body, "data")
	if !items.IsArray() {
		return body, nil
	}
	requestPrompt := gjson.GetBytes(rc.Body, "prompt").String()

	out := body
	for i, item := range items.Array() {
		raw, err := m.fetchImageBytes(ctx, item)
		if err != nil {
			m.logger.Warn("failed to obtain generated image",
				slog.Int("index", i),
				slog.String("error", err.Error()))
			continue
		}
		basename, err := m.persist(raw)
		if err != nil {
			m.logger.Warn("failed to persist generated image",
				slog.Int("index", i),
				slog.String("error", err.Error()))
			continue
		}

		url := m.proxyHost + "/user_content/" + basename
		out, err = sjson.SetBytes(out, fmt.Sprintf("data.%d.url", i), url)
		if err != nil {
			return nil, fmt.Errorf("failed to rewrite image url: %w", err)
		}

		prompt := item.Get("revised_prompt").String()
		if prompt == "" {
			prompt = requestPrompt
		}
		m.history.Add(HistoryEntry{
			URL:         url,
			Prompt:      prompt,
			InputPrompt: requestPrompt,
			Token:       abbreviateToken(rc.UserToken),
		})
	}
	return out, nil
}

// fetchImageBytes prefers the inline base64 payload and falls back to
// downloading the upstream URL.
func (m *Mirror) fetchImageBytes(ctx context.Context, item gjson.Result) ([]byte, error) {
	if b64 := item.Get("b64_json").String(); b64 != "" {
		raw, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return nil, fmt.Errorf("failed to decode b64_json: %w", err)
		}
		return raw, nil
	}
	url := item.Get("url").String()
	if url == "" {
		return nil, fmt.Errorf("image item has neither b64_json nor url")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download image: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("image download returned status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxUpstreamImageBytes))
}

// persist writes the image and its 150x150 fit-inside thumbnail, returning
// the image basename.
func (m *Mirror) persist(raw []byte) (string, error) {
	id := uuid.NewString()
	basename := id + ".png"
	if err := os.WriteFile(filepath.Join(m.assetsDir, basename), raw, 0o644); err != nil {
		return "", fmt.Errorf("failed to write image: %w", err)
	}

	img, err := imaging.Decode(bytes.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("failed to decode image for thumbnail: %w", err)
	}
	thumb := imaging.Fit(img, thumbnailSize, thumbnailSize, imaging.Lanczos)
	if err := imaging.Save(thumb, filepath.Join(m.assetsDir, id+"_t.jpg")); err != nil {
		return "", fmt.Errorf("failed to write thumbnail: %w", err)
	}
	return basename, nil
}

// abbreviateToken keeps only the last five characters of a caller token.
func abbreviateToken(token string) string {
	if token == "" {
		return ""
	}
	if len(token) <= 5 {
		return "..." + token
	}
	return "..." + token[len(token)-5:]
}
