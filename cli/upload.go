package cli

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	bolt "go.etcd.io/bbolt"

	"krai.services/engine/common"
)

var uploadBucket = []byte("uploads")

func init() {
	RootCmd.AddCommand(uploadCmd)
	uploadCmd.Flags().String("dir", "", "directory to scan for PDF files")
	uploadCmd.Flags().String("server", "http://localhost:8091", "engine base URL")
	uploadCmd.Flags().String("ledger", ".krai-upload.db", "local ledger recording uploaded content hashes")
	uploadCmd.Flags().String("document-type", "", "document type submitted with each file")
	_ = uploadCmd.MarkFlagRequired("dir")
}

var uploadCmd = &cobra.Command{
	Use:   "upload",
	Short: "upload new PDF files from a directory",
	Long: `Walks a directory tree, hashes every PDF, and submits the files the
engine has not seen yet. Uploaded hashes are recorded in a local
ledger so re-runs skip files that are already submitted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, _ := cmd.Flags().GetString("dir")
		server, _ := cmd.Flags().GetString("server")
		ledgerPath, _ := cmd.Flags().GetString("ledger")
		docType, _ := cmd.Flags().GetString("document-type")
		return runUpload(dir, server, ledgerPath, docType)
	},
}

// ledgerEntry records one successful submission.
type ledgerEntry struct {
	DocumentID string    `json:"document_id"`
	Filename   string    `json:"filename"`
	FileSize   int64     `json:"file_size"`
	UploadedAt time.Time `json:"uploaded_at"`
}

func runUpload(dir, server, ledgerPath, docType string) error {
	log := common.ComponentLogger("upload")

	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return setupError("not a directory: %s", dir)
	}

	ledger, err := bolt.Open(ledgerPath, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return setupError("failed to open ledger %s: %w", ledgerPath, err)
	}
	defer ledger.Close()

	if err := ledger.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(uploadBucket)
		return err
	}); err != nil {
		return setupError("failed to prepare ledger: %w", err)
	}

	files, err := findPDFs(dir)
	if err != nil {
		return setupError("failed to scan %s: %w", dir, err)
	}
	log.WithField("files", len(files)).Info("Scan complete")

	var uploaded, skipped, failed int
	var uploadedBytes int64
	client := &http.Client{Timeout: 5 * time.Minute}

	for _, path := range files {
		hash, size, err := hashFile(path)
		if err != nil {
			log.WithError(err).WithField("file", path).Warn("Failed to hash file")
			failed++
			continue
		}

		if known(ledger, hash) {
			skipped++
			continue
		}

		docID, err := submitFile(client, server, path, docType)
		if err != nil {
			log.WithError(err).WithField("file", path).Warn("Upload failed")
			failed++
			continue
		}

		if err := record(ledger, hash, ledgerEntry{
			DocumentID: docID,
			Filename:   filepath.Base(path),
			FileSize:   size,
			UploadedAt: time.Now().UTC(),
		}); err != nil {
			log.WithError(err).WithField("file", path).Warn("Failed to record upload")
		}
		uploaded++
		uploadedBytes += size
		log.WithFields(logrus.Fields{
			"file":        filepath.Base(path),
			"document_id": docID,
			"size":        humanize.Bytes(uint64(size)),
		}).Info("Uploaded")
	}

	log.WithFields(logrus.Fields{
		"uploaded": uploaded,
		"skipped":  skipped,
		"failed":   failed,
		"volume":   humanize.Bytes(uint64(uploadedBytes)),
	}).Info("Upload run complete")

	if failed > 0 {
		return businessError("%d of %d files failed to upload", failed, len(files))
	}
	return nil
}

func findPDFs(root string) ([]string, error) {
	var files []string
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		if strings.EqualFold(filepath.Ext(path), ".pdf") {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}

func hashFile(path string) (string, int64, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer file.Close()

	hash := sha256.New()
	size, err := io.Copy(hash, file)
	if err != nil {
		return "", 0, err
	}
	return fmt.Sprintf("%x", hash.Sum(nil)), size, nil
}

func known(ledger *bolt.DB, hash string) bool {
	var found bool
	_ = ledger.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(uploadBucket).Get([]byte(hash)) != nil
		return nil
	})
	return found
}

func record(ledger *bolt.DB, hash string, entry ledgerEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return ledger.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(uploadBucket).Put([]byte(hash), raw)
	})
}

// submitFile posts one PDF to the engine and returns the document id.
func submitFile(client *http.Client, server, path, docType string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(part, file); err != nil {
		return "", err
	}
	if docType != "" {
		if err := writer.WriteField("document_type", docType); err != nil {
			return "", err
		}
	}
	if err := writer.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequest(http.MethodPost, strings.TrimRight(server, "/")+"/api/v1/documents", body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", fmt.Errorf("server rejected upload: %s: %s", resp.Status, strings.TrimSpace(string(raw)))
	}

	var env struct {
		Data struct {
			DocumentID string `json:"document_id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	return env.Data.DocumentID, nil
}
