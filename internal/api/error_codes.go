// internal/api/error_codes.go
package api

import (
	"errors"

	apperrors "github.com/reelweave/ReelWeaver/internal/errors"
)

// API错误代码常量
const (
	// 通用错误
	ErrorBadRequest    = "BAD_REQUEST"
	ErrorNotFound      = "NOT_FOUND"
	ErrorInternalError = "INTERNAL_ERROR"
	ErrorConflict      = "CONFLICT"
	ErrorForbidden     = "FORBIDDEN"
	ErrorUnauthorized  = "UNAUTHORIZED"
	ErrorRateLimited   = "RATE_LIMITED"

	// 草稿相关错误
	ErrorDraftNotFound   = "DRAFT_NOT_FOUND"
	ErrorDraftSubmitted  = "DRAFT_SUBMITTED"
	ErrorDraftForkFailed = "DRAFT_FORK_FAILED"

	// 对话相关错误
	ErrorTurnLimitReached   = "TURN_LIMIT_REACHED"
	ErrorGenerationInFlight = "GENERATION_IN_FLIGHT"
	ErrorFirstTurnNoMedia   = "FIRST_TURN_REQUIRES_MEDIA"
	ErrorGenerationFailed   = "GENERATION_FAILED"

	// 媒体相关错误
	ErrorMediaNotFound    = "MEDIA_NOT_FOUND"
	ErrorMediaNotReady    = "MEDIA_NOT_READY"
	ErrorMediaUploadError = "MEDIA_UPLOAD_FAILED"

	// 渲染相关错误
	ErrorRenderJobNotFound  = "RENDER_JOB_NOT_FOUND"
	ErrorRenderLimitReached = "RENDER_LIMIT_REACHED"
	ErrorEmptyScript        = "EMPTY_SCRIPT"

	// 用户相关错误
	ErrorUserNotFound = "USER_NOT_FOUND"

	// 远端协作后端相关错误
	ErrorBackendUnavailable = "BACKEND_UNAVAILABLE"
)

// errorCodeFor 把领域哨兵错误翻译成稳定的API错误代码
// 客户端按代码分支展示文案，不解析错误消息
func errorCodeFor(err error) string {
	switch {
	case errors.Is(err, apperrors.ErrDraftSubmitted):
		return ErrorDraftSubmitted
	case errors.Is(err, apperrors.ErrTurnLimitReached):
		return ErrorTurnLimitReached
	case errors.Is(err, apperrors.ErrGenerationInFlight):
		return ErrorGenerationInFlight
	case errors.Is(err, apperrors.ErrNoMediaForFirstTurn):
		return ErrorFirstTurnNoMedia
	case errors.Is(err, apperrors.ErrEmptyScript):
		return ErrorEmptyScript
	case errors.Is(err, apperrors.ErrRenderLimitReached):
		return ErrorRenderLimitReached
	case errors.Is(err, apperrors.ErrMediaNotReady):
		return ErrorMediaNotReady
	case apperrors.IsValidationError(err):
		return ErrorBadRequest
	case apperrors.IsNotFoundError(err):
		return ErrorNotFound
	case apperrors.IsForbiddenError(err):
		return ErrorForbidden
	case apperrors.IsConflictError(err):
		return ErrorConflict
	default:
		return ErrorInternalError
	}
}
