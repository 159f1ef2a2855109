package communities

import (
	"context"
	"errors"
	"io"

	"github.com/depotlab/commons/pkg/access"
	"github.com/depotlab/commons/pkg/auth"
)

// ErrLogoStorageDisabled is returned when no logo store is wired.
var ErrLogoStorageDisabled = errors.New("logo storage is not configured")

// LogoStore is the slice of the file store the community service needs.
type LogoStore interface {
	PutLogo(ctx context.Context, communityID string, content io.Reader, contentType string) error
	GetLogo(ctx context.Context, communityID string) (io.ReadCloser, string, error)
	DeleteLogo(ctx context.Context, communityID string) error
}

// SetLogoStore wires the logo store. Called once during startup; without it
// the logo operations report ErrLogoStorageDisabled.
func (s *Service) SetLogoStore(store LogoStore) {
	s.logos = store
}

// UploadLogo stores a community's logo. The caller needs update permission
// on the community, and a deleted community does not accept a new logo.
func (s *Service) UploadLogo(ctx context.Context, identity *auth.Identity, id string, content io.Reader, contentType string) error {
	if s.logos == nil {
		return ErrLogoStorageDisabled
	}

	c, err := s.store.Get(ctx, nil, id)
	if err != nil {
		return err
	}
	if err := s.policy.Allows(ctx, identity, access.ActionUpdate, access.Context{Record: c}); err != nil {
		return err
	}
	if c.Deleted() {
		return &DeletionStatusError{Action: "upload_logo", Expected: []DeletionState{StatePublished}, Actual: c.State}
	}

	if err := s.logos.PutLogo(ctx, c.ID, content, contentType); err != nil {
		return err
	}
	return s.audit(ctx, nil, identity, "communities.upload_logo", c.ID, "")
}

// ReadLogo streams a community's logo. Visibility follows the community
// read permission.
func (s *Service) ReadLogo(ctx context.Context, identity *auth.Identity, id string) (io.ReadCloser, string, error) {
	if s.logos == nil {
		return nil, "", ErrLogoStorageDisabled
	}

	if _, err := s.Read(ctx, identity, id); err != nil {
		return nil, "", err
	}
	return s.logos.GetLogo(ctx, id)
}

// DeleteLogo removes a community's logo. Deleting a missing logo is not an
// error. The community itself may already be deleted; owners clean up logos
// during the retention window.
func (s *Service) DeleteLogo(ctx context.Context, identity *auth.Identity, id string) error {
	if s.logos == nil {
		return ErrLogoStorageDisabled
	}

	c, err := s.store.Get(ctx, nil, id)
	if err != nil {
		return err
	}
	if err := s.policy.Allows(ctx, identity, access.ActionUpdate, access.Context{Record: c}); err != nil {
		return err
	}

	if err := s.logos.DeleteLogo(ctx, c.ID); err != nil {
		return err
	}
	return s.audit(ctx, nil, identity, "communities.delete_logo", c.ID, "")
}
