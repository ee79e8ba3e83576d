package validation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/labstack/echo/v4"

	"krai.services/engine/config"
)

// allowedContentTypes is the closed set accepted on mutating requests.
var allowedContentTypes = []string{
	echo.MIMEApplicationJSON,
	"multipart/form-data",
	"application/pdf",
	echo.MIMEApplicationForm,
}

var sqlPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i);\s*drop`),
	regexp.MustCompile(`(?i)union\s+select`),
	regexp.MustCompile(`--`),
	regexp.MustCompile(`/\*.*\*/`),
	regexp.MustCompile(`(?i)\bexec\b`),
	regexp.MustCompile(`(?i)xp_`),
}

var xssPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)<script`),
	regexp.MustCompile(`(?i)javascript:`),
	regexp.MustCompile(`(?i)\bon\w+\s*=`),
}

// Middleware screens every mutating request. Rejections surface as
// *Error so the central error handler renders the canonical body.
func Middleware(cfg config.SecurityConfig) echo.MiddlewareFunc {
	maxRequest := int64(cfg.MaxRequestMB) << 20
	maxUpload := int64(cfg.MaxUploadMB) << 20

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !cfg.ValidationEnabled {
				return next(c)
			}
			req := c.Request()

			if maxRequest > 0 && req.ContentLength > maxRequest {
				return reject(http.StatusRequestEntityTooLarge, CodeRequestTooLarge,
					"request body exceeds the configured maximum", map[string]interface{}{
						"declared_size": humanize.Bytes(uint64(req.ContentLength)),
						"allowed_size":  humanize.Bytes(uint64(maxRequest)),
					})
			}

			if verr := scanHeaders(req.Header); verr != nil {
				return verr
			}

			if !isMutating(req.Method) {
				return next(c)
			}

			contentType := mediaType(req.Header.Get(echo.HeaderContentType))
			if !contentTypeAllowed(contentType) {
				return reject(http.StatusUnsupportedMediaType, CodeUnsupportedMediaType,
					fmt.Sprintf("content type %q is not accepted", contentType), map[string]interface{}{
						"allowed_types": allowedContentTypes,
					})
			}

			switch contentType {
			case echo.MIMEApplicationJSON:
				if verr := validateJSONBody(c, maxRequest); verr != nil {
					return verr
				}
			case "multipart/form-data":
				if verr := validateMultipartBody(c, cfg.AllowedExtensions, maxUpload); verr != nil {
					return verr
				}
			}
			return next(c)
		}
	}
}

func isMutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		return true
	}
	return false
}

func mediaType(header string) string {
	if idx := strings.Index(header, ";"); idx >= 0 {
		header = header[:idx]
	}
	return strings.ToLower(strings.TrimSpace(header))
}

func contentTypeAllowed(contentType string) bool {
	for _, allowed := range allowedContentTypes {
		if contentType == allowed {
			return true
		}
	}
	return false
}

func scanHeaders(headers http.Header) *Error {
	for name, values := range headers {
		for _, value := range values {
			if matchAny(sqlPatterns, value) {
				return reject(http.StatusBadRequest, CodeSuspiciousHeader,
					"header value matches an injection pattern", map[string]interface{}{
						"header": name,
					})
			}
		}
	}
	return nil
}

func validateJSONBody(c echo.Context, maxRequest int64) *Error {
	req := c.Request()
	reader := io.Reader(req.Body)
	if maxRequest > 0 {
		reader = io.LimitReader(req.Body, maxRequest+1)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return reject(http.StatusBadRequest, CodeMalformedJSON, "failed to read request body", nil)
	}
	req.Body.Close()
	// The handler reads the body again after validation.
	req.Body = io.NopCloser(bytes.NewReader(body))

	if len(body) == 0 {
		return nil
	}
	var parsed interface{}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return reject(http.StatusBadRequest, CodeMalformedJSON, "request body is not valid JSON", nil)
	}

	var suspicious []string
	scanValue(parsed, "", &suspicious)
	if len(suspicious) > 0 {
		sort.Strings(suspicious)
		return reject(http.StatusBadRequest, CodeSuspiciousInput,
			"field values match injection or script patterns", map[string]interface{}{
				"fields": suspicious,
			})
	}
	return nil
}

// scanValue walks the decoded document and collects dotted paths of
// string values matching any attack pattern.
func scanValue(value interface{}, path string, suspicious *[]string) {
	switch v := value.(type) {
	case string:
		if SuspiciousString(v) {
			*suspicious = append(*suspicious, pathOrRoot(path))
		}
	case map[string]interface{}:
		for key, child := range v {
			scanValue(child, joinPath(path, key), suspicious)
		}
	case []interface{}:
		for i, child := range v {
			scanValue(child, fmt.Sprintf("%s[%d]", pathOrRoot(path), i), suspicious)
		}
	}
}

// SuspiciousString reports whether a value matches any SQL-injection
// or XSS pattern.
func SuspiciousString(value string) bool {
	return matchAny(sqlPatterns, value) || matchAny(xssPatterns, value)
}

func matchAny(patterns []*regexp.Regexp, value string) bool {
	for _, pattern := range patterns {
		if pattern.MatchString(value) {
			return true
		}
	}
	return false
}

func joinPath(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}

func pathOrRoot(path string) string {
	if path == "" {
		return "$"
	}
	return path
}
