package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/CZERTAINLY/taskpool/internal/model"
)

const (
	uploadPath  = "api/v1/results"
	contentType = "application/json"
)

// Sink receives the JSON report of every finished batch.
type Sink interface {
	Upload(ctx context.Context, raw []byte) error
}

type SinkCloser interface {
	Sink
	Close() error
}

// Sinks returns the sinks configured in cfg, stdout when none is.
func Sinks(cfg model.Service, stdout io.Writer) ([]Sink, error) {
	if cfg.Dir == "" && (cfg.Repository == nil || !cfg.Repository.Enabled) {
		return []Sink{NewWriteSink(stdout)}, nil
	}
	var sinks []Sink
	if cfg.Dir != "" {
		s, err := NewDirSink(cfg.Dir)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, s)
	}

	if cfg.Repository != nil && cfg.Repository.Enabled {
		s, err := NewRepoSink(cfg.Repository.URL)
		if err != nil {
			closeSinks(context.Background(), sinks)
			return nil, err
		}
		sinks = append(sinks, s)
	}
	return sinks, nil
}

func upload(ctx context.Context, sinks []Sink, raw []byte) error {
	var errs []error
	for _, s := range sinks {
		if err := s.Upload(ctx, raw); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func closeSinks(ctx context.Context, sinks []Sink) {
	for _, s := range sinks {
		if closer, ok := s.(SinkCloser); ok {
			if err := closer.Close(); err != nil {
				slog.ErrorContext(ctx, "closing sink have failed", "error", err)
			}
		}
	}
}

type WriteSink struct {
	w io.Writer
}

func NewWriteSink(w io.Writer) WriteSink {
	return WriteSink{w: w}
}

func (s WriteSink) Upload(_ context.Context, raw []byte) error {
	w := s.w
	if w == nil {
		w = os.Stdout
	}
	_, err := w.Write(raw)
	return err
}

// DirSink stores every report as a new file in a directory.
type DirSink struct {
	root *os.Root
	now  func() time.Time
}

func NewDirSink(path string) (*DirSink, error) {
	root, err := os.OpenRoot(path)
	if err != nil {
		return nil, err
	}
	return &DirSink{root: root, now: time.Now}, nil
}

func (s *DirSink) Upload(ctx context.Context, raw []byte) error {
	if s.root == nil {
		return errors.New("root already closed")
	}

	path := "taskpool-" + s.now().Format("2006-01-02-15-04-05.000") + ".json"
	f, err := s.root.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("creating taskpool results: %w", err)
	}
	_, err = f.Write(raw)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("writing taskpool results: %w", err)
	}
	slog.DebugContext(ctx, "results stored", "dir", s.root.Name(), "path", path)
	return nil
}

func (s *DirSink) Close() error {
	if s.root == nil {
		return nil
	}
	err := s.root.Close()
	s.root = nil
	return err
}

// RepoSink posts every report to a results repository.
type RepoSink struct {
	requestURL *url.URL
	client     *http.Client
}

func NewRepoSink(serverURL string) (*RepoSink, error) {
	parsedURL, err := url.Parse(serverURL)
	if err != nil {
		return nil, err
	}
	parsedURL.Path = strings.TrimRight(parsedURL.Path, "/")

	if parsedURL.Scheme == "" || parsedURL.Host == "" || parsedURL.Path != "" {
		return nil, errors.New("please define the server url with a scheme and without path, e.g. `http://some-url.com`")
	}
	parsedURL.Path = "/" + uploadPath

	return &RepoSink{
		requestURL: parsedURL,
		client:     &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (s *RepoSink) Upload(ctx context.Context, raw []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.requestURL.String(), bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	created, err := decodeUploadResponse(resp)
	if err != nil {
		return err
	}
	slog.DebugContext(ctx, "results uploaded", slog.String("id", created.ID))
	return nil
}

type uploadResponse struct {
	ID string `json:"id"`
}

func decodeUploadResponse(resp *http.Response) (uploadResponse, error) {
	mediaType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil {
		return uploadResponse{}, fmt.Errorf("failed to parse response content type header: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusCreated:
		if mediaType != "application/json" {
			return uploadResponse{}, fmt.Errorf("expected `application/json` content type, got: %s", mediaType)
		}
		var created uploadResponse
		if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
			return uploadResponse{}, fmt.Errorf("decoding json response failed: %w", err)
		}
		if created.ID == "" {
			return uploadResponse{}, errors.New("received unexpected body")
		}
		return created, nil
	case http.StatusBadRequest, http.StatusConflict, http.StatusUnsupportedMediaType:
		if mediaType != "application/problem+json" {
			return uploadResponse{}, fmt.Errorf("expected `application/problem+json` content type, got: %s", mediaType)
		}
		var problem struct {
			Detail string `json:"detail"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&problem); err != nil {
			return uploadResponse{}, fmt.Errorf("decoding json response failed: %w", err)
		}
		return uploadResponse{}, fmt.Errorf("status code: %d, detail: %s", resp.StatusCode, problem.Detail)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return uploadResponse{}, err
	}
	return uploadResponse{}, fmt.Errorf("unknown error, status: %d, body: %s", resp.StatusCode, string(body))
}
