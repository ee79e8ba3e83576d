package validation

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gabriel-vasile/mimetype"
	"github.com/labstack/echo/v4"
)

const (
	maxFilenameLength = 255

	// sniffWindow is how much of each file part feeds MIME detection.
	sniffWindow = 2048
)

var filenameSafe = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// SanitizeFilename strips unsafe characters and truncates to the
// filename length cap.
func SanitizeFilename(name string) string {
	name = filenameSafe.ReplaceAllString(name, "_")
	if len(name) > maxFilenameLength {
		name = name[:maxFilenameLength]
	}
	return name
}

func validateMultipartBody(c echo.Context, allowedExtensions []string, maxUpload int64) *Error {
	req := c.Request()
	_, params, err := mime.ParseMediaType(req.Header.Get(echo.HeaderContentType))
	if err != nil || params["boundary"] == "" {
		return reject(http.StatusBadRequest, CodeMalformedJSON, "multipart boundary missing", nil)
	}

	body, err := io.ReadAll(req.Body)
	if err != nil {
		return reject(http.StatusBadRequest, CodeMalformedJSON, "failed to read request body", nil)
	}
	req.Body.Close()
	// The handler re-parses the form after validation.
	req.Body = io.NopCloser(bytes.NewReader(body))

	reader := multipart.NewReader(bytes.NewReader(body), params["boundary"])
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return reject(http.StatusBadRequest, CodeMalformedJSON, "malformed multipart body", nil)
		}
		if part.FileName() != "" {
			if verr := validateFilePart(part, allowedExtensions, maxUpload); verr != nil {
				return verr
			}
			continue
		}
		// The body is already buffered in full, so the pattern scan
		// covers the whole field value.
		value, err := io.ReadAll(part)
		if err == nil && SuspiciousString(string(value)) {
			return reject(http.StatusBadRequest, CodeSuspiciousInput,
				"form field matches injection or script patterns", map[string]interface{}{
					"fields": []string{part.FormName()},
				})
		}
	}
}

func validateFilePart(part *multipart.Part, allowedExtensions []string, maxUpload int64) *Error {
	filename := part.FileName()
	if strings.TrimSpace(filename) == "" {
		return reject(http.StatusBadRequest, CodeMissingFilename, "file part has no filename", nil)
	}
	if strings.Contains(filename, "..") || strings.HasPrefix(filename, "/") || strings.HasPrefix(filename, `\`) {
		return reject(http.StatusBadRequest, CodeInvalidFilename,
			"filename attempts to escape the upload directory", map[string]interface{}{
				"reason": "path_traversal_detected",
			})
	}

	sanitized := SanitizeFilename(filename)
	ext := strings.ToLower(filepath.Ext(sanitized))
	if !extensionAllowed(ext, allowedExtensions) {
		return reject(http.StatusBadRequest, CodeUnsupportedFileType,
			fmt.Sprintf("extension %q is not accepted", ext), map[string]interface{}{
				"allowed_extensions": allowedExtensions,
			})
	}

	head := make([]byte, sniffWindow)
	n, _ := io.ReadFull(part, head)
	head = head[:n]

	size := int64(n)
	if maxUpload > 0 {
		remaining, err := io.Copy(io.Discard, io.LimitReader(part, maxUpload))
		if err == nil {
			size += remaining
		}
		if size > maxUpload {
			return reject(http.StatusRequestEntityTooLarge, CodeFileTooLarge,
				"file exceeds the upload maximum", map[string]interface{}{
					"filename":     sanitized,
					"allowed_size": humanize.Bytes(uint64(maxUpload)),
				})
		}
	}

	declared := mediaType(part.Header.Get("Content-Type"))
	if len(head) > 0 && declared != "" && declared != "application/octet-stream" {
		detected := mimetype.Detect(head)
		if !detected.Is(declared) {
			return reject(http.StatusBadRequest, CodeMismatchedFileType,
				"file content does not match the declared type", map[string]interface{}{
					"filename":      sanitized,
					"declared_type": declared,
					"detected_type": detected.String(),
				})
		}
	}
	return nil
}

func extensionAllowed(ext string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if ext == strings.ToLower(a) {
			return true
		}
	}
	return false
}
