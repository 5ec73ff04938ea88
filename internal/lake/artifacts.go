// Artifact creation and placement across drives.

package lake

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/maruel/ksid"

	"github.com/maruel/memlake/internal/address"
	"github.com/maruel/memlake/internal/artifact"
	lakeerrors "github.com/maruel/memlake/internal/errors"
	"github.com/maruel/memlake/internal/rag"
	"github.com/maruel/memlake/internal/signature"
)

// CreateRequest describes a new artifact.
type CreateRequest struct {
	Kind     artifact.Kind
	DriveID  address.DriveID
	SlotID   int
	Name     string
	Path     string
	Category artifact.Category
	// Content is stored inline. Nil stores no content.
	Content  []byte
	MimeType string
	// Signature is computed from Content when empty.
	Signature    string
	Annotations  []artifact.Annotation
	Status       artifact.Status
	LastModified time.Time
	Tags         []string
	Meta         map[string]string
}

// InferExtension returns the lowercased extension of name, or the default
// extension of the category when name has none.
func InferExtension(name string, c artifact.Category) string {
	lower := strings.ToLower(name)
	if i := strings.LastIndexByte(lower, '.'); i >= 0 && i < len(lower)-1 {
		return lower[i+1:]
	}
	return c.DefaultExtension()
}

// NewID returns a fresh artifact id for drive/slot.
func NewID(drive address.DriveID, slot int) string {
	return fmt.Sprintf("%s-%d-%s", drive, slot, ksid.NewID())
}

// CreateArtifact stores a new artifact and, when it holds enough text,
// indexes it. Indexing failures are logged and do not fail the call.
func (l *Lake) CreateArtifact(ctx context.Context, req *CreateRequest) (*artifact.Artifact, error) {
	if err := address.Validate(req.DriveID, req.SlotID); err != nil {
		return nil, err
	}
	if req.Name == "" {
		return nil, lakeerrors.Validation("artifact name is required")
	}
	status := req.Status
	if status == "" {
		status = artifact.StatusSafe
	}
	if status == artifact.StatusOffloaded {
		return nil, lakeerrors.Validation("an artifact cannot be created offloaded")
	}
	sig := req.Signature
	if sig == "" {
		var err error
		if sig, _, err = signature.Of(req.Content); err != nil {
			return nil, lakeerrors.Validation("failed to sign content: %v", err)
		}
	}
	now := l.now()
	lastModified := req.LastModified
	if lastModified.IsZero() {
		lastModified = now
	}
	a := &artifact.Artifact{
		ID:           NewID(req.DriveID, req.SlotID),
		DriveID:      req.DriveID,
		SlotID:       req.SlotID,
		Name:         req.Name,
		Path:         req.Path,
		Extension:    InferExtension(req.Name, req.Category),
		Category:     req.Category,
		Kind:         req.Kind,
		SizeBytes:    int64(len(req.Content)),
		MimeType:     req.MimeType,
		Signature:    sig,
		Status:       status,
		CreatedAt:    now,
		LastModified: lastModified,
		Annotations:  slices.Clone(req.Annotations),
		Tags:         slices.Clone(req.Tags),
		Meta:         req.Meta,
	}
	if req.Content != nil {
		a.Content = artifact.Inline(req.Content)
	}
	if err := l.Store.AddFile(ctx, a); err != nil {
		return nil, err
	}
	l.index(ctx, a)
	return a, nil
}

func (l *Lake) index(ctx context.Context, a *artifact.Artifact) {
	text, ok := rag.EmbeddableText(a)
	if !ok {
		return
	}
	if _, err := l.RAG.UpsertFromArtifact(ctx, a, text); err != nil {
		l.logger.WarnContext(ctx, "failed to index artifact", "id", a.ID, "err", err)
	}
}

// CopyToDrive copies artifact id to drive/slot under a fresh id. The copy
// keeps the signature, so the vector row gains a reference. Only safe
// artifacts can be copied; an archive belongs to exactly one artifact.
func (l *Lake) CopyToDrive(ctx context.Context, id string, drive address.DriveID, slot int) (*artifact.Artifact, error) {
	if err := address.Validate(drive, slot); err != nil {
		return nil, err
	}
	src, err := l.Store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if src.Status != artifact.StatusSafe {
		return nil, lakeerrors.Validation("artifact %s is %s and cannot be copied", id, src.Status)
	}
	c := src.Clone()
	c.ID = NewID(drive, slot)
	c.DriveID = drive
	c.SlotID = slot
	c.CreatedAt = l.now()
	c.LastModified = c.CreatedAt
	c.Vector = nil
	if c.Meta == nil {
		c.Meta = map[string]string{}
	}
	c.Meta["copiedFrom"] = src.ID
	if err := l.Store.AddFile(ctx, c); err != nil {
		return nil, err
	}
	l.index(ctx, c)
	return c, nil
}

// SegmentLink points at a large memory segment kept outside the lake.
type SegmentLink struct {
	DriveID      address.DriveID
	SlotID       int
	DisplayName  string
	ExternalPath string
	// SignatureKey groups links to the same segment.
	SignatureKey string
}

type segmentLinkContent struct {
	Type         string    `json:"type"`
	ExternalPath string    `json:"externalPath"`
	CreatedAt    time.Time `json:"createdAt"`
}

// RegisterSegmentLink records s as a small sys artifact whose content names
// the external path. Its signature depends only on the key and the path.
func (l *Lake) RegisterSegmentLink(ctx context.Context, s *SegmentLink) (*artifact.Artifact, error) {
	if s.DisplayName == "" || s.ExternalPath == "" {
		return nil, lakeerrors.Validation("segment link needs a display name and an external path")
	}
	now := l.now()
	content, err := json.Marshal(&segmentLinkContent{Type: "SEGMENT_LINK", ExternalPath: s.ExternalPath, CreatedAt: now})
	if err != nil {
		return nil, fmt.Errorf("failed to encode segment link: %w", err)
	}
	return l.CreateArtifact(ctx, &CreateRequest{
		Kind:      artifact.KindResearch,
		DriveID:   s.DriveID,
		SlotID:    s.SlotID,
		Name:      s.DisplayName + ".segment.link.json",
		Category:  artifact.CategorySys,
		Content:   content,
		MimeType:  "application/json",
		Signature: signature.Sum([]byte("SEGMENT:" + s.SignatureKey + ":" + s.ExternalPath)),
		Annotations: []artifact.Annotation{{
			ID:        "seg",
			Text:      "External memory segment link",
			Timestamp: now,
		}},
	})
}

// SlotUsage returns the occupancy of every slot of every drive, in
// canonical drive order. Offloaded artifacts count with their original size.
func (l *Lake) SlotUsage(ctx context.Context) []address.Usage {
	out := make([]address.Usage, 0, len(address.Drives())*address.MaxSlot)
	for _, d := range address.Drives() {
		for s := address.MinSlot; s <= address.MaxSlot; s++ {
			n, size := l.Store.UsageAt(d, s)
			out = append(out, address.Usage{DriveID: d, SlotID: s, Count: n, Bytes: size})
		}
	}
	return out
}
