package vfs

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/beam-cloud/orchfs/pkg/types"
)

// ToFSError maps orchfs errors onto the io/fs vocabulary. The original error
// stays in the chain so errors.Is works against both.
func ToFSError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, types.ErrNotFound):
		return fmt.Errorf("%w: %w", fs.ErrNotExist, err)
	case errors.Is(err, types.ErrExists), errors.Is(err, types.ErrCloneExists):
		return fmt.Errorf("%w: %w", fs.ErrExist, err)
	case errors.Is(err, types.ErrPermission), errors.Is(err, types.ErrUnauthenticated):
		return fmt.Errorf("%w: %w", fs.ErrPermission, err)
	case errors.Is(err, types.ErrValidation):
		return fmt.Errorf("%w: %w", fs.ErrInvalid, err)
	}
	return err
}
