package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/clikpost/internal/middleware"
	"github.com/hitoshi/clikpost/internal/model"
	"github.com/hitoshi/clikpost/internal/social"
)

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
func handleServiceError(w http.ResponseWriter, err error) {
	if status, apiErr, ok := socialErrorToAPIError(err); ok {
		if status >= http.StatusInternalServerError {
			slog.Error("social flow failed", slog.String("error", err.Error()))
		}
		middleware.WriteErrorResponse(w, status, apiErr)
		return
	}

	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		middleware.WriteErrorResponse(w, mapAPIErrorToHTTPStatus(apiErr), apiErr)
		return
	}

	// APIError以外のエラーは内部サーバーエラーとして扱う
	slog.Error("internal server error", slog.String("error", err.Error()))
	middleware.WriteInternalServerError(w)
}

// socialErrorToAPIError はソーシャル連携の型付きエラーをAPIErrorに変換する。
// 該当しない場合はokにfalseを返す。
func socialErrorToAPIError(err error) (int, *model.APIError, bool) {
	var (
		unsupported  *social.UnsupportedPlatformError
		missingCode  *social.MissingAuthorizationCodeError
		invalidState *social.InvalidStateError
		denied       *social.AuthorizationDeniedError
		config       *social.ConfigurationError
		exchange     *social.TokenExchangeError
		identity     *social.AccountIdentityResolutionError
		noPending    *social.NoPendingSelectionError
		pageMissing  *social.PageNotFoundError
		notConnected *social.NotConnectedError
	)

	switch {
	case errors.As(err, &unsupported):
		return http.StatusBadRequest, model.NewUnsupportedPlatformError(unsupported.Platform), true
	case errors.As(err, &missingCode):
		return http.StatusBadRequest, model.NewMissingAuthorizationCodeError(), true
	case errors.As(err, &invalidState):
		return http.StatusBadRequest, model.NewInvalidStateError(), true
	case errors.As(err, &denied):
		return http.StatusBadRequest, model.NewAuthorizationDeniedError(denied.Code), true
	case errors.As(err, &config):
		return http.StatusInternalServerError, model.NewProviderNotConfiguredError(string(config.Platform)), true
	case errors.As(err, &exchange):
		return http.StatusBadGateway, model.NewTokenExchangeFailedError(exchange.Error()), true
	case errors.As(err, &identity):
		return http.StatusBadGateway, model.NewIdentityResolutionFailedError(identity.Error()), true
	case errors.As(err, &noPending):
		return http.StatusNotFound, model.NewNoPendingPageSelectionError(), true
	case errors.As(err, &pageMissing):
		return http.StatusBadRequest, model.NewPageNotFoundError(pageMissing.PageID), true
	case errors.As(err, &notConnected):
		return http.StatusNotFound, model.NewAccountNotConnectedError(string(notConnected.Platform)), true
	}
	return 0, nil, false
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeUnsupportedPlatform, model.ErrCodeMissingAuthorizationCode,
		model.ErrCodeInvalidState, model.ErrCodeAuthorizationDenied,
		model.ErrCodeInvalidRequest, model.ErrCodePageNotFound:
		return http.StatusBadRequest
	case model.ErrCodeTokenExchangeFailed, model.ErrCodeIdentityResolutionFailed,
		model.ErrCodeGenerationFailed:
		return http.StatusBadGateway
	case model.ErrCodeNoPendingPageSelection, model.ErrCodeAccountNotConnected,
		model.ErrCodeUserNotFound, model.ErrCodeConversationNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
