package generation

import (
	"errors"

	"github.com/ent0n29/buddytalk/internal/character"
	"github.com/ent0n29/buddytalk/internal/lipsync"
)

var (
	ErrEmptyAudio     = errors.New("uploaded audio is empty")
	ErrUploadTooLarge = errors.New("uploaded audio exceeds the size limit")
	ErrInvalidToken   = errors.New("invalid session id")
)

// Error kinds, used as metric labels, history fields and event codes.
const (
	KindNotFound       = "not_found"
	KindModelMissing   = "model_missing"
	KindTimeout        = "timeout"
	KindInvocation     = "invocation_failed"
	KindBadRequest     = "bad_request"
	KindUploadTooLarge = "upload_too_large"
	KindInternal       = "internal"
)

// ErrorKind classifies an error returned by the service.
func ErrorKind(err error) string {
	var invErr *lipsync.InvocationError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, character.ErrNotFound), errors.Is(err, character.ErrAssetMissing):
		return KindNotFound
	case errors.Is(err, lipsync.ErrNotFound):
		return KindModelMissing
	case errors.Is(err, lipsync.ErrTimeout):
		return KindTimeout
	case errors.As(err, &invErr):
		return KindInvocation
	case errors.Is(err, ErrEmptyAudio), errors.Is(err, ErrInvalidToken):
		return KindBadRequest
	case errors.Is(err, ErrUploadTooLarge):
		return KindUploadTooLarge
	default:
		return KindInternal
	}
}
