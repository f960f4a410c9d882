package store

import (
	"bytes"
	"context"
	"fmt"

	storage_go "github.com/supabase-community/storage-go"
)

// ArtifactKind は保存する成果物の種類を表します。
type ArtifactKind string

const (
	ArtifactAudio      ArtifactKind = "audio"
	ArtifactSourcePdf  ArtifactKind = "source_pdf"
	ArtifactTranscript ArtifactKind = "txt"
	ArtifactNotes      ArtifactKind = "md"
	ArtifactOutputPdf  ArtifactKind = "pdf"
)

var artifactExt = map[ArtifactKind]string{
	ArtifactAudio:      "audio",
	ArtifactSourcePdf:  "source.pdf",
	ArtifactTranscript: "txt",
	ArtifactNotes:      "md",
	ArtifactOutputPdf:  "pdf",
}

// ArtifactPath は成果物の保存パスを組み立てます。
// 再ダウンロードが冪等になるよう、パスはジョブIDと言語だけから決まります。
func ArtifactPath(userID, jobID, lang string, kind ArtifactKind) string {
	return fmt.Sprintf("%s/cornell-notes/%s_%s.%s", userID, jobID, lang, artifactExt[kind])
}

// PutArtifact は成果物をストレージに保存し、保存先パスを返します。
// put 成功後は at-least-once の耐久性があるものとして扱います。
func (c *Client) PutArtifact(ctx context.Context, path string, data []byte, contentType string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path is required")
	}
	upsert := true
	_, err := c.sb.Storage.UploadFile(c.bucket, path, bytes.NewReader(data), storage_go.FileOptions{
		ContentType: &contentType,
		Upsert:      &upsert,
	})
	if err != nil {
		return "", fmt.Errorf("upload artifact %s: %w", path, err)
	}
	return path, nil
}

// GetArtifact は成果物をストレージから取得します。
func (c *Client) GetArtifact(ctx context.Context, path string) ([]byte, error) {
	if path == "" {
		return nil, fmt.Errorf("path is required")
	}
	data, err := c.sb.Storage.DownloadFile(c.bucket, path)
	if err != nil {
		return nil, fmt.Errorf("download artifact %s: %w", path, err)
	}
	return data, nil
}
