package client

import (
	"net/http"

	"golang.org/x/text/language"
)

type messageID int

const (
	msgSessionExpired messageID = iota
	msgForbidden
	msgBadRequest
	msgNotFound
	msgRateLimited
	msgServerError
	msgUnavailable
	msgTimeout
	msgNetwork
	msgRequestFailed
	msgParamError
	msgNoPermission
	msgResourceMissing
	msgOperationFailed
	msgServerErrorShort
	msgAuthFailed
)

var supportedLanguages = []language.Tag{
	language.SimplifiedChinese,
	language.AmericanEnglish,
}

var languageMatcher = language.NewMatcher(supportedLanguages)

var catalogs = [][]string{
	// zh-CN
	{
		msgSessionExpired:   "登录已过期，请重新登录",
		msgForbidden:        "权限不足，无法访问该资源",
		msgBadRequest:       "请求参数错误",
		msgNotFound:         "请求的资源不存在",
		msgRateLimited:      "请求过于频繁，请稍后重试",
		msgServerError:      "服务器内部错误，请稍后重试",
		msgUnavailable:      "服务暂时不可用，请稍后重试",
		msgTimeout:          "请求超时，请检查网络连接",
		msgNetwork:          "网络连接失败，请检查网络设置",
		msgRequestFailed:    "网络请求失败",
		msgParamError:       "参数错误",
		msgNoPermission:     "权限不足",
		msgResourceMissing:  "资源不存在",
		msgOperationFailed:  "操作失败",
		msgServerErrorShort: "服务器错误",
		msgAuthFailed:       "认证失败",
	},
	// en-US
	{
		msgSessionExpired:   "Your session has expired, please log in again",
		msgForbidden:        "You do not have permission to access this resource",
		msgBadRequest:       "Invalid request parameters",
		msgNotFound:         "The requested resource does not exist",
		msgRateLimited:      "Too many requests, please try again later",
		msgServerError:      "Internal server error, please try again later",
		msgUnavailable:      "Service temporarily unavailable, please try again later",
		msgTimeout:          "Request timed out, please check your network connection",
		msgNetwork:          "Network connection failed, please check your network settings",
		msgRequestFailed:    "Network request failed",
		msgParamError:       "Invalid parameters",
		msgNoPermission:     "Permission denied",
		msgResourceMissing:  "Resource not found",
		msgOperationFailed:  "Operation failed",
		msgServerErrorShort: "Server error",
		msgAuthFailed:       "Authentication failed",
	},
}

// message returns the text for id in the language closest to lang.
// Unknown or empty languages fall back to Simplified Chinese.
func message(lang string, id messageID) string {
	_, idx := language.MatchStrings(languageMatcher, lang)
	if idx < 0 || idx >= len(catalogs) {
		idx = 0
	}
	return catalogs[idx][id]
}

// businessMessage maps an envelope error code to user-facing text. Codes
// without a fixed text use the server message; empty means nothing to show.
func businessMessage(lang string, code int, serverMsg string) string {
	switch code {
	case 40001:
		return message(lang, msgParamError)
	case http.StatusForbidden, 40003:
		return message(lang, msgNoPermission)
	case 40004:
		return message(lang, msgResourceMissing)
	case 40005:
		return message(lang, msgOperationFailed)
	case 50001:
		return message(lang, msgServerErrorShort)
	}
	return serverMsg
}

// statusMessage maps a transport status to user-facing text.
func statusMessage(lang string, status int, serverMsg string) string {
	switch status {
	case http.StatusUnauthorized:
		return message(lang, msgSessionExpired)
	case http.StatusForbidden:
		return message(lang, msgForbidden)
	case http.StatusBadRequest:
		if serverMsg != "" {
			return serverMsg
		}
		return message(lang, msgBadRequest)
	case http.StatusNotFound:
		return message(lang, msgNotFound)
	case http.StatusTooManyRequests:
		return message(lang, msgRateLimited)
	case http.StatusInternalServerError:
		return message(lang, msgServerError)
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return message(lang, msgUnavailable)
	}
	if serverMsg != "" {
		return serverMsg
	}
	return message(lang, msgRequestFailed)
}
