package source

import (
	"context"
	"fmt"

	apperrors "github.com/anime-shed/image-ocr-go/internal/errors"
	"github.com/anime-shed/image-ocr-go/pkg/models"
)

// Grant is the answer to a permission request
type Grant string

const (
	Granted Grant = "granted"
	Denied  Grant = "denied"
)

// Permissions answers capability requests for a source mode.
type Permissions interface {
	RequestPermission(ctx context.Context, mode Mode) (Grant, error)
}

// StaticPermissions holds grants provisioned ahead of time.
type StaticPermissions map[Mode]Grant

// NewStaticPermissions builds grants for the library and camera modes.
func NewStaticPermissions(allowLibrary, allowCamera bool) StaticPermissions {
	grant := func(ok bool) Grant {
		if ok {
			return Granted
		}
		return Denied
	}
	return StaticPermissions{
		ModeLibrary: grant(allowLibrary),
		ModeCamera:  grant(allowCamera),
	}
}

// RequestPermission implements Permissions. Unknown modes are denied.
func (p StaticPermissions) RequestPermission(ctx context.Context, mode Mode) (Grant, error) {
	if g, ok := p[mode]; ok {
		return g, nil
	}
	return Denied, nil
}

type guardedSource struct {
	next  ImageSource
	perms Permissions
}

// Guard wraps src so that Acquire only runs once the mode has been granted.
func Guard(src ImageSource, perms Permissions) ImageSource {
	return &guardedSource{next: src, perms: perms}
}

func (g *guardedSource) Acquire(ctx context.Context, req Request) (models.ImageReference, error) {
	grant, err := g.perms.RequestPermission(ctx, req.Mode)
	if err != nil {
		return "", apperrors.NewPermissionDeniedError(fmt.Sprintf("permission request for %s failed", req.Mode), err)
	}
	if grant != Granted {
		return "", apperrors.NewPermissionDeniedError(advisory(req.Mode), nil)
	}
	return g.next.Acquire(ctx, req)
}

func advisory(mode Mode) string {
	switch mode {
	case ModeCamera:
		return "camera permission is required to take a picture"
	case ModeLibrary:
		return "photo library permission is required to choose a picture"
	default:
		return fmt.Sprintf("permission for %q is not granted", mode)
	}
}
