package domain

import "strings"

// File types accepted by the indexer.
const (
	FileTypeBAM  = "BAM"
	FileTypeCRAM = "CRAM"
)

// IndexFile describes the .bai/.crai companion of an alignment file.
type IndexFile struct {
	ObjectID string `json:"object_id"`
	Name     string `json:"name,omitempty"`
	FileType string `json:"file_type,omitempty"`
	MD5Sum   string `json:"md5sum,omitempty"`
	DataType string `json:"data_type,omitempty"`
	Size     int64  `json:"size"`
}

// FileInfo is the nested file section of an indexed document.
type FileInfo struct {
	Name      string     `json:"name"`
	MD5Sum    string     `json:"md5sum,omitempty"`
	DataType  string     `json:"data_type,omitempty"`
	IndexFile *IndexFile `json:"index_file,omitempty"`
	Size      int64      `json:"size"`
}

// FileDocument is the subset of a file index record the indexer reads.
type FileDocument struct {
	ID       string   `json:"-"`
	ObjectID string   `json:"object_id"`
	FileType string   `json:"file_type"`
	DataType string   `json:"data_type,omitempty"`
	File     FileInfo `json:"file"`
}

// IsAlignment reports whether the document describes a BAM or CRAM file.
func (d FileDocument) IsAlignment() bool {
	switch strings.ToUpper(strings.TrimSpace(d.FileType)) {
	case FileTypeBAM, FileTypeCRAM:
		return true
	default:
		return false
	}
}

// FilePart is one downloadable part of a stored object.
type FilePart struct {
	URL        string  `json:"url"`
	MD5        *string `json:"md5,omitempty"`
	Offset     int64   `json:"offset,omitempty"`
	PartNumber int     `json:"partNumber,omitempty"`
	PartSize   int64   `json:"partSize,omitempty"`
}

// FileMetadata is the download descriptor returned by the object storage gateway.
type FileMetadata struct {
	ObjectID   string     `json:"objectId"`
	ObjectKey  string     `json:"objectKey,omitempty"`
	ObjectMD5  string     `json:"objectMd5,omitempty"`
	UploadID   string     `json:"uploadId,omitempty"`
	Parts      []FilePart `json:"parts"`
	ObjectSize int64      `json:"objectSize,omitempty"`
}

// DownloadURL returns the URL of the first part.
func (m FileMetadata) DownloadURL() (string, bool) {
	if len(m.Parts) == 0 || strings.TrimSpace(m.Parts[0].URL) == "" {
		return "", false
	}
	return m.Parts[0].URL, true
}
