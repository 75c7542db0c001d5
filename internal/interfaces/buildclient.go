package interfaces

import "context"

// BuildInfo is the opaque handle the remote API returns when a build is
// created; it lives for the whole PercyCore lifetime.
type BuildInfo struct {
	ID     string
	Number int
	URL    string
}

// ResourceUpload is a single resource attached to a snapshot upload.
type ResourceUpload struct {
	Sha       string
	URL       string
	Mimetype  string
	IsRoot    bool
	Content   []byte
}

// BuildClient is the remote visual-testing API, treated as an opaque
// collaborator: percy-core only calls it, it never inspects its transport.
type BuildClient interface {
	CreateBuild(ctx context.Context) (*BuildInfo, error)
	CreateSnapshot(ctx context.Context, buildID, name string, widths []int, resources []ResourceUpload) (string, error)
	FinalizeBuild(ctx context.Context, buildID string) error
}
