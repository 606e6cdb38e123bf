package model

import "time"

// JobArtifact is one append-only ledger row: a single write of an object.
type JobArtifact struct {
	ID        string                 `json:"id"`
	JobID     string                 `json:"jobId"`
	Stage     Stage                  `json:"stage"`
	Kind      ArtifactKind           `json:"kind"`
	PageNum   *int                   `json:"pageNum,omitempty"`
	S3URI     string                 `json:"s3Uri"`
	Meta      map[string]interface{} `json:"meta,omitempty"`
	CreatedAt time.Time              `json:"createdAt"`
}

// PurgeResult counts rows removed by a bulk purge. URIs lists the objects
// the removed rows referenced.
type PurgeResult struct {
	Jobs      int64    `json:"jobs"`
	Artifacts int64    `json:"artifacts"`
	Objects   int64    `json:"objects"`
	URIs      []string `json:"-"`
}
