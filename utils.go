package browserq

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// saveFileDecoded writes a Base64 string to a local file
func saveFileDecoded(pathStr, base64Data string) error {
	// Ensure directory exists
	dir := filepath.Dir(pathStr)
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return err
	}

	data, err := base64.StdEncoding.DecodeString(base64Data)
	if err != nil {
		return fmt.Errorf("failed to decode base64: %v", err)
	}

	return os.WriteFile(pathStr, data, 0644)
}

// resolveUpload loads the bytes of an upload job from its declared source.
func (e *Executor) resolveUpload(ctx context.Context, p Payload) (UploadFile, error) {
	var (
		data []byte
		name string
		mt   string
		err  error
	)

	switch p.FileSource {
	case SourceS3:
		if e.objects == nil {
			return UploadFile{}, kindError(ErrNotConfigured, "object storage")
		}
		data, err = e.objects.Download(ctx, p.Bucket, p.FileKey)
		name = path.Base(p.FileKey)
	case SourceURL:
		data, mt, err = e.fetchURL(ctx, p.FileURL)
		name = path.Base(strings.SplitN(p.FileURL, "?", 2)[0])
	case SourceLocal:
		var full string
		full, err = confine(e.localUploadDir, p.FilePath)
		if err == nil {
			data, err = os.ReadFile(full)
		}
		name = filepath.Base(p.FilePath)
	default:
		return UploadFile{}, fmt.Errorf("unknown file source %q", p.FileSource)
	}
	if err != nil {
		return UploadFile{}, err
	}

	if p.FileName != "" {
		name = p.FileName
	}
	if name == "" || name == "." || name == "/" {
		name = "upload"
	}
	if p.MimeType != "" {
		mt = p.MimeType
	}
	if mt == "" {
		mt = mime.TypeByExtension(filepath.Ext(name))
	}
	if mt == "" {
		mt = "application/octet-stream"
	}
	return UploadFile{Name: name, MimeType: mt, Data: data}, nil
}

func (e *Executor) fetchURL(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, "", fmt.Errorf("GET %s returned %s", url, resp.Status)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, e.maxUploadBytes+1))
	if err != nil {
		return nil, "", err
	}
	if int64(len(data)) > e.maxUploadBytes {
		return nil, "", fmt.Errorf("file at %s exceeds %d bytes", url, e.maxUploadBytes)
	}

	mt := resp.Header.Get("Content-Type")
	if parsed, _, err := mime.ParseMediaType(mt); err == nil {
		mt = parsed
	}
	return data, mt, nil
}

// confine resolves name inside root and rejects anything that escapes it.
func confine(root, name string) (string, error) {
	if root == "" {
		return "", kindError(ErrNotConfigured, "local upload directory")
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	full := filepath.Join(absRoot, filepath.Clean("/"+name))
	rel, err := filepath.Rel(absRoot, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the upload directory", name)
	}
	return full, nil
}
