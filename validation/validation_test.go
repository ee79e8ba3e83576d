package validation

import (
	"bytes"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"krai.services/engine/config"
)

func testConfig() config.SecurityConfig {
	return config.SecurityConfig{
		ValidationEnabled: true,
		MaxRequestMB:      1,
		MaxUploadMB:       1,
		AllowedExtensions: []string{".pdf"},
	}
}

func run(t *testing.T, cfg config.SecurityConfig, req *http.Request) error {
	t.Helper()
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	handler := Middleware(cfg)(func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})
	return handler(c)
}

func requireCode(t *testing.T, err error, code ErrorCode, status int) *Error {
	t.Helper()
	require.Error(t, err)
	verr, ok := err.(*Error)
	require.True(t, ok, "expected a validation error, got %T", err)
	assert.Equal(t, code, verr.Code)
	assert.Equal(t, status, verr.Status)
	return verr
}

// TestOversizedRequest tests the Content-Length gate
func TestOversizedRequest(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/documents", strings.NewReader("{}"))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.ContentLength = 5 << 20

	err := run(t, testConfig(), req)
	verr := requireCode(t, err, CodeRequestTooLarge, http.StatusRequestEntityTooLarge)
	assert.Contains(t, verr.Context, "declared_size")
	assert.Contains(t, verr.Context, "allowed_size")
}

// TestHeaderInjection tests the SQL pattern scan on header values
func TestHeaderInjection(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/documents", nil)
	req.Header.Set("X-Search", "1; DROP TABLE documents")

	err := run(t, testConfig(), req)
	requireCode(t, err, CodeSuspiciousHeader, http.StatusBadRequest)
}

// TestUnsupportedContentType tests the closed media-type set
func TestUnsupportedContentType(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/documents", strings.NewReader("<xml/>"))
	req.Header.Set(echo.HeaderContentType, "application/xml")

	err := run(t, testConfig(), req)
	requireCode(t, err, CodeUnsupportedMediaType, http.StatusUnsupportedMediaType)
}

// TestMalformedJSON tests body parse rejection
func TestMalformedJSON(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/documents", strings.NewReader("{broken"))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)

	err := run(t, testConfig(), req)
	requireCode(t, err, CodeMalformedJSON, http.StatusBadRequest)
}

// TestSuspiciousJSONFields tests dotted-path collection of bad values
func TestSuspiciousJSONFields(t *testing.T) {
	body := `{"name":"ok","nested":{"note":"<script>alert(1)</script>"},"tags":["fine","1 UNION SELECT *"]}`
	req := httptest.NewRequest(http.MethodPost, "/documents", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)

	err := run(t, testConfig(), req)
	verr := requireCode(t, err, CodeSuspiciousInput, http.StatusBadRequest)
	fields, ok := verr.Context["fields"].([]string)
	require.True(t, ok)
	assert.Equal(t, []string{"nested.note", "tags[1]"}, fields)
}

// TestCleanJSONPassesAndBodySurvives tests that validation is transparent
func TestCleanJSONPassesAndBodySurvives(t *testing.T) {
	body := `{"name":"service manual"}`
	req := httptest.NewRequest(http.MethodPost, "/documents", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)

	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	var seen map[string]string
	handler := Middleware(testConfig())(func(c echo.Context) error {
		require.NoError(t, c.Bind(&seen))
		return c.NoContent(http.StatusOK)
	})
	require.NoError(t, handler(c))
	assert.Equal(t, "service manual", seen["name"])
}

// TestDisabledValidationPassesEverything tests the enable flag
func TestDisabledValidationPassesEverything(t *testing.T) {
	cfg := testConfig()
	cfg.ValidationEnabled = false
	req := httptest.NewRequest(http.MethodPost, "/documents", strings.NewReader("{broken"))
	req.Header.Set(echo.HeaderContentType, "application/xml")

	assert.NoError(t, run(t, cfg, req))
}

func multipartRequest(t *testing.T, filename, contentType string, content []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	header := make(map[string][]string)
	header["Content-Disposition"] = []string{`form-data; name="file"; filename="` + filename + `"`}
	if contentType != "" {
		header["Content-Type"] = []string{contentType}
	}
	part, err := writer.CreatePart(header)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	req := httptest.NewRequest(http.MethodPost, "/documents", &buf)
	req.Header.Set(echo.HeaderContentType, writer.FormDataContentType())
	return req
}

// TestMultipartPathTraversal tests the traversal rejection with context
func TestMultipartPathTraversal(t *testing.T) {
	req := multipartRequest(t, "../../etc/passwd.pdf", "application/pdf", []byte("%PDF-1.7"))

	err := run(t, testConfig(), req)
	verr := requireCode(t, err, CodeInvalidFilename, http.StatusBadRequest)
	assert.Equal(t, "path_traversal_detected", verr.Context["reason"])
}

// TestMultipartExtensionAllowList tests the extension gate
func TestMultipartExtensionAllowList(t *testing.T) {
	req := multipartRequest(t, "payload.exe", "application/pdf", []byte("MZ"))

	err := run(t, testConfig(), req)
	requireCode(t, err, CodeUnsupportedFileType, http.StatusBadRequest)
}

// TestMultipartMismatchedType tests MIME sniffing against the declared type
func TestMultipartMismatchedType(t *testing.T) {
	png := []byte("\x89PNG\r\n\x1a\n0000000000")
	req := multipartRequest(t, "manual.pdf", "application/pdf", png)

	err := run(t, testConfig(), req)
	verr := requireCode(t, err, CodeMismatchedFileType, http.StatusBadRequest)
	assert.Equal(t, "application/pdf", verr.Context["declared_type"])
}

// TestMultipartDeepTextFieldInjection tests that the pattern scan
// covers the whole text field, not just its head
func TestMultipartDeepTextFieldInjection(t *testing.T) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	payload := strings.Repeat("a", 4096) + "'; DROP TABLE documents; --"
	require.NoError(t, writer.WriteField("notes", payload))
	require.NoError(t, writer.Close())

	req := httptest.NewRequest(http.MethodPost, "/documents", &buf)
	req.Header.Set(echo.HeaderContentType, writer.FormDataContentType())

	err := run(t, testConfig(), req)
	verr := requireCode(t, err, CodeSuspiciousInput, http.StatusBadRequest)
	fields, ok := verr.Context["fields"].([]string)
	require.True(t, ok)
	assert.Equal(t, []string{"notes"}, fields)
}

// TestMultipartValidPDF tests the happy path
func TestMultipartValidPDF(t *testing.T) {
	pdf := []byte("%PDF-1.7\n1 0 obj\n<<>>\nendobj\n")
	req := multipartRequest(t, "manual.pdf", "application/pdf", pdf)

	assert.NoError(t, run(t, testConfig(), req))
}

// TestSanitizeFilename tests character stripping and the length cap
func TestSanitizeFilename(t *testing.T) {
	assert.Equal(t, "report_2026_final.pdf", SanitizeFilename("report 2026?final.pdf"))
	long := strings.Repeat("a", 300) + ".pdf"
	assert.Len(t, SanitizeFilename(long), 255)
}
